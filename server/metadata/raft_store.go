package metadata

import (
	"context"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
)

// RaftStore is a Store whose writes are replicated through raft. Reads are
// served from the local FSM. Commits succeed only on the raft leader; other
// nodes get ErrNotLeader.
type RaftStore struct {
	raft         *raft.Raft
	fsm          *FSM
	applyTimeout time.Duration
}

// NewRaftStore returns a Store over the given raft node and its FSM.
func NewRaftStore(r *raft.Raft, fsm *FSM, applyTimeout time.Duration) *RaftStore {
	return &RaftStore{raft: r, fsm: fsm, applyTimeout: applyTimeout}
}

// Get returns the node at path or ErrNoNode.
func (r *RaftStore) Get(path string) (*Node, error) {
	return r.fsm.Get(path)
}

// Children returns the sorted names of the direct children of path.
func (r *RaftStore) Children(path string) ([]string, error) {
	return r.fsm.Children(path)
}

// Watch registers fn for changes at or below prefix.
func (r *RaftStore) Watch(prefix string, fn WatchFunc) func() {
	return r.fsm.Watch(prefix, fn)
}

// Commit replicates the transaction and waits for it to be applied.
func (r *RaftStore) Commit(ctx context.Context, txn *Txn) error {
	if r.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	data, err := EncodeTxn(txn)
	if err != nil {
		return err
	}
	timeout := r.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	future := r.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return errors.Wrap(ErrNotLeader, err.Error())
		}
		return errors.Wrap(err, "failed to apply txn")
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}
