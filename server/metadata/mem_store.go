package metadata

import (
	"context"
	"sync"
)

// localTree is a lock-guarded tree with watches. It backs both MemStore and
// the raft FSM.
type localTree struct {
	mu      sync.RWMutex
	tree    *tree
	watches *watchRegistry
}

func newLocalTree() *localTree {
	return &localTree{tree: newTree(), watches: newWatchRegistry()}
}

// Get returns the node at path or ErrNoNode.
func (l *localTree) Get(path string) (*Node, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.get(path)
}

// Children returns the sorted names of the direct children of path.
func (l *localTree) Children(path string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.children(path)
}

// Watch registers fn for changes at or below prefix.
func (l *localTree) Watch(prefix string, fn WatchFunc) func() {
	return l.watches.add(prefix, fn)
}

func (l *localTree) apply(txn *Txn) error {
	l.mu.Lock()
	affected, err := l.tree.apply(txn)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.watches.notify(affected)
	return nil
}

// MemStore is a single-process Store. It is used by tests and by servers
// running without clustering.
type MemStore struct {
	*localTree
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{localTree: newLocalTree()}
}

// Commit applies the transaction atomically.
func (m *MemStore) Commit(ctx context.Context, txn *Txn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.apply(txn)
}
