package metadata

import (
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/topicd/server/logger"
)

// snapshotEntry is the persisted form of a single tree node.
type snapshotEntry struct {
	Path    string `codec:"p"`
	Data    []byte `codec:"d"`
	Version int64  `codec:"v"`
}

// FSM applies committed metadata transactions to the local tree. It
// implements raft.FSM. Reads through the FSM reflect the locally applied
// log, which may trail the leader on followers.
type FSM struct {
	*localTree
	logger logger.Logger
}

// NewFSM returns an FSM over an empty tree.
func NewFSM(log logger.Logger) *FSM {
	return &FSM{localTree: newLocalTree(), logger: log}
}

// Apply applies a raft log entry. Transactions that fail validation are
// rejected deterministically on every replica; the error is returned as the
// apply response so the proposer can surface it.
func (f *FSM) Apply(l *raft.Log) interface{} {
	txn, err := DecodeTxn(l.Data)
	if err != nil {
		panic(errors.Wrap(err, "failed to apply raft log"))
	}
	if err := f.apply(txn); err != nil {
		f.logger.Debugf("store: rejected txn at index %d: %v", l.Index, err)
		return err
	}
	return nil
}

// Snapshot captures the current tree root. The tree is immutable, so no copy
// is needed.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{tree: &tree{root: f.tree.root}}, nil
}

// Restore replaces the tree with the contents of a snapshot and notifies
// every watcher of all paths, old and new.
func (f *FSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var entries []snapshotEntry
	if err := codec.NewDecoder(snapshot, msgpackHandle).Decode(&entries); err != nil {
		return errors.Wrap(err, "failed to decode snapshot")
	}

	restored := newTree()
	tx := restored.root.Txn()
	for _, e := range entries {
		tx.Insert([]byte(e.Path), &entry{Data: e.Data, Version: e.Version})
	}
	restored.root = tx.Commit()

	f.mu.Lock()
	var changed []string
	f.tree.walk(func(path string, _ *entry) { changed = append(changed, path) })
	f.tree = restored
	f.mu.Unlock()
	for _, e := range entries {
		changed = append(changed, e.Path)
	}

	f.logger.Infof("store: restored %d nodes from snapshot", len(entries))
	f.watches.notify(changed)
	return nil
}

type fsmSnapshot struct {
	tree *tree
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var entries []snapshotEntry
	s.tree.walk(func(path string, e *entry) {
		entries = append(entries, snapshotEntry{Path: path, Data: e.Data, Version: e.Version})
	})
	if err := codec.NewEncoder(sink, msgpackHandle).Encode(entries); err != nil {
		sink.Cancel()
		return errors.Wrap(err, "failed to persist snapshot")
	}
	return sink.Close()
}

// Release is a no-op.
func (s *fsmSnapshot) Release() {}
