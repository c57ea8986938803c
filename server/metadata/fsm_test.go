package metadata

import (
	"bytes"
	"context"
	"io/ioutil"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/topicd/server/logger"
)

func noopLogger() logger.Logger {
	log := logger.NewLogger(0)
	log.Silent(true)
	return log
}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (b *bufferSink) ID() string    { return "test" }
func (b *bufferSink) Cancel() error { b.cancelled = true; return nil }
func (b *bufferSink) Close() error  { return nil }

func applyLog(t *testing.T, fsm *FSM, index uint64, txn *Txn) interface{} {
	data, err := EncodeTxn(txn)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Index: index, Data: data})
}

// Ensure the FSM applies transactions and returns validation failures as
// the apply response.
func TestFSMApply(t *testing.T) {
	fsm := NewFSM(noopLogger())
	require.Nil(t, applyLog(t, fsm, 1, NewTxn(NoEpoch, Create("a", []byte("x")))))

	resp := applyLog(t, fsm, 2, NewTxn(NoEpoch, Create("a", nil)))
	err, ok := resp.(error)
	require.True(t, ok)
	require.True(t, IsNodeExists(err))

	node, err := fsm.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), node.Data)
}

// Ensure a snapshot captures the tree at the time it was taken and restores
// it with versions intact.
func TestFSMSnapshotRestore(t *testing.T) {
	fsm := NewFSM(noopLogger())
	applyLog(t, fsm, 1, NewTxn(NoEpoch,
		Create(TopicPath("foo"), []byte("{}")),
		Create(DeleteTopicPath("foo"), nil),
	))
	applyLog(t, fsm, 2, NewTxn(NoEpoch, Set(TopicPath("foo"), []byte(`{"partitions":{}}`), 0)))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	// Changes after the snapshot are not captured.
	applyLog(t, fsm, 3, NewTxn(NoEpoch, Create("late", nil)))

	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.cancelled)
	snap.Release()

	restored := NewFSM(noopLogger())
	var notified []string
	restored.Watch("", func(paths []string) { notified = append(notified, paths...) })
	require.NoError(t, restored.Restore(ioutil.NopCloser(&sink.Buffer)))

	node, err := restored.Get(TopicPath("foo"))
	require.NoError(t, err)
	require.Equal(t, int64(1), node.Version)
	_, err = restored.Get("late")
	require.True(t, IsNoNode(err))
	require.ElementsMatch(t, []string{TopicPath("foo"), DeleteTopicPath("foo")}, notified)
}

func newTestRaftStore(t *testing.T) (*RaftStore, *raft.Raft) {
	fsm := NewFSM(noopLogger())
	config := raft.DefaultConfig()
	config.LocalID = "a"
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond
	config.LogOutput = ioutil.Discard

	logs := raft.NewInmemStore()
	addr, trans := raft.NewInmemTransport("")
	node, err := raft.NewRaft(config, fsm, logs, logs, raft.NewInmemSnapshotStore(), trans)
	require.NoError(t, err)
	require.NoError(t, node.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: addr}},
	}).Error())

	deadline := time.Now().Add(5 * time.Second)
	for node.State() != raft.Leader {
		require.True(t, time.Now().Before(deadline), "raft node did not become leader")
		time.Sleep(10 * time.Millisecond)
	}
	return NewRaftStore(node, fsm, time.Second), node
}

// Ensure commits are replicated through raft and validation errors surface
// to the caller.
func TestRaftStoreCommit(t *testing.T) {
	store, node := newTestRaftStore(t)
	defer node.Shutdown()
	ctx := context.Background()

	epoch, err := ClaimEpoch(ctx, store)
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)

	require.NoError(t, store.Commit(ctx, NewTxn(epoch, Create(TopicPath("foo"), []byte("{}")))))
	node1, err := store.Get(TopicPath("foo"))
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), node1.Data)

	err = store.Commit(ctx, NewTxn(epoch, Create(TopicPath("foo"), nil)))
	require.True(t, IsNodeExists(err))

	_, err = ClaimEpoch(ctx, store)
	require.NoError(t, err)
	err = store.Commit(ctx, NewTxn(epoch, Create("x", nil)))
	require.True(t, IsStaleEpoch(err))
}

// Ensure commits fail with ErrNotLeader once the node is no longer leader.
func TestRaftStoreNotLeader(t *testing.T) {
	store, node := newTestRaftStore(t)
	require.NoError(t, node.Shutdown().Error())
	err := store.Commit(context.Background(), NewTxn(NoEpoch, Create("a", nil)))
	require.Equal(t, ErrNotLeader, err)
}
