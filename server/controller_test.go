package server

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/liftbridge-io/topicd/server/metadata"
)

// Ensure deleting a topic with every broker up removes its metadata, marker
// and every replica's log.
func TestDeleteTopicAllBrokersUp(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b", "c"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	tc.deleteTopic("foo")
	tc.waitForDeleted("foo", 0)

	status, err := c.TopicDeletionStatus("foo")
	require.NoError(t, err)
	require.Equal(t, DeletionNone, status)
	waitFor(t, 5*time.Second, func() bool {
		return tc.stats.Snapshot().Completed == 1
	}, "deletion recorded")
}

// Ensure deletion halts while a replica's broker is down and completes once
// the broker returns.
func TestDeleteTopicFollowerDown(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b", "c"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	tc.setDown(true, "b")
	tc.deleteTopic("foo")
	tc.waitForStatus(c, "foo", DeletionIneligible)

	waitFor(t, 5*time.Second, func() bool {
		return !tc.agent("a").HasLog("foo", 0) && !tc.agent("c").HasLog("foo", 0)
	}, "live replicas deleted")
	// Let a few retry sweeps run.
	time.Sleep(200 * time.Millisecond)
	require.True(t, tc.agent("b").HasLog("foo", 0))
	require.True(t, tc.exists(metadata.DeleteTopicPath("foo")))
	require.True(t, tc.exists(metadata.TopicPath("foo")))

	state, err := c.ReplicaState(PartitionReplica{Topic: "foo", Partition: 0, Replica: "b"})
	require.NoError(t, err)
	require.Equal(t, OfflineReplica, state)

	tc.setDown(false, "b")
	tc.waitForDeleted("foo", 0)
}

// Ensure a new controller resumes a deletion started by a previous one.
func TestDeleteTopicControllerFailover(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c1 := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b", "c"}, 1: {"b", "c", "a"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c1, "foo", assignment)

	tc.setDown(true, "b")
	tc.deleteTopic("foo")
	tc.waitForStatus(c1, "foo", DeletionIneligible)
	c1.Stop()
	require.False(t, c1.IsActive())

	c2 := tc.startController("c")
	epoch, err := c2.Epoch()
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch)
	tc.waitForStatus(c2, "foo", DeletionIneligible)

	tc.setDown(false, "b")
	tc.waitForDeleted("foo", 0, 1)
	require.Equal(t, uint64(2), tc.agent("b").ControllerEpoch())
}

// Ensure a deletion marker written while deletion is disabled is removed
// and the topic is left intact.
func TestDeleteTopicWhileDeletionDisabled(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	require.Nil(t, tc.admin.SetTopicDeletionEnabled(context.Background(), false))
	tc.deleteTopic("foo")

	waitFor(t, 5*time.Second, func() bool {
		return !tc.exists(metadata.DeleteTopicPath("foo"))
	}, "marker removed")
	require.True(t, tc.exists(metadata.TopicPath("foo")))
	require.True(t, tc.agent("a").HasLog("foo", 0))
	require.True(t, tc.agent("b").HasLog("foo", 0))
	require.Zero(t, tc.brokers.requestCount("delete"))
}

// Ensure disabling deletion cancels a halted deletion and brings the topic
// back online.
func TestDisableDeletionCancelsHaltedDeletion(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b", "c"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	tc.setDown(true, "b")
	tc.deleteTopic("foo")
	tc.waitForStatus(c, "foo", DeletionIneligible)
	waitFor(t, 5*time.Second, func() bool {
		return !tc.agent("a").HasLog("foo", 0) && !tc.agent("c").HasLog("foo", 0)
	}, "live replicas deleted")

	require.Nil(t, tc.admin.SetTopicDeletionEnabled(context.Background(), false))
	waitFor(t, 5*time.Second, func() bool {
		return !tc.exists(metadata.DeleteTopicPath("foo"))
	}, "marker removed")
	tc.waitForStatus(c, "foo", DeletionNone)

	tp := TopicPartition{Topic: "foo", Partition: 0}
	waitFor(t, 5*time.Second, func() bool {
		state, err := c.PartitionState(tp)
		return err == nil && state == OnlinePartition
	}, "partition online")
	// Logs deleted before the cancel are recreated by leader-and-isr.
	waitFor(t, 5*time.Second, func() bool {
		return tc.agent("a").HasLog("foo", 0) && tc.agent("c").HasLog("foo", 0)
	}, "logs recreated")
	require.True(t, tc.exists(metadata.TopicPath("foo")))

	// Re-enabling does not resume a cancelled deletion.
	require.Nil(t, tc.admin.SetTopicDeletionEnabled(context.Background(), true))
	time.Sleep(100 * time.Millisecond)
	require.True(t, tc.exists(metadata.TopicPath("foo")))
}

// Ensure partitions added to a topic queued for deletion are deleted with it.
func TestAddPartitionsDuringDeletion(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	tc.setDown(true, "b")
	tc.deleteTopic("foo")
	tc.waitForStatus(c, "foo", DeletionIneligible)

	st := tc.admin.AddPartitions(context.Background(), "foo", 2, map[int32][]string{1: {"c", "a"}})
	require.Nil(t, st)
	waitFor(t, 5*time.Second, func() bool {
		state, err := c.ReplicaState(PartitionReplica{Topic: "foo", Partition: 1, Replica: "c"})
		return err == nil && state != NonExistentReplica
	}, "new partition tracked")
	require.False(t, tc.agent("c").HasLog("foo", 1))

	tc.setDown(false, "b")
	tc.waitForDeleted("foo", 0, 1)
}

// Ensure a reassignment touching a topic queued for deletion is rejected
// without changing the assignment.
func TestReassignPartitionsConflictsWithDeletion(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	tc.setDown(true, "b")
	tc.deleteTopic("foo")
	tc.waitForStatus(c, "foo", DeletionIneligible)

	tp := TopicPartition{Topic: "foo", Partition: 0}
	result, st := tc.admin.ReassignPartitions(context.Background(), map[TopicPartition][]string{tp: {"a", "c"}})
	require.Equal(t, ReassignmentFailed, result)
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.False(t, tc.exists(metadata.ReassignPartitionsPath))

	current, _, err := metadata.ReadTopicAssignment(tc.store, "foo")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, current.Partitions[0])

	check, st := tc.admin.CheckReassignment(tp, []string{"a", "c"})
	require.Nil(t, st)
	require.Equal(t, ReassignmentFailed, check)
}

// Ensure a reassignment moves a partition to its target replicas and
// deletes the dropped replica.
func TestReassignPartitions(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	tp := TopicPartition{Topic: "foo", Partition: 0}
	target := []string{"b", "c"}
	result, st := tc.admin.ReassignPartitions(context.Background(), map[TopicPartition][]string{tp: target})
	require.Nil(t, st)
	require.Equal(t, ReassignmentInProgress, result)

	waitFor(t, 5*time.Second, func() bool {
		check, st := tc.admin.CheckReassignment(tp, target)
		return st == nil && check == ReassignmentCompleted
	}, "reassignment completed")
	waitFor(t, 5*time.Second, func() bool {
		return !tc.agent("a").HasLog("foo", 0) && tc.agent("c").HasLog("foo", 0)
	}, "replica moved")
	require.False(t, tc.exists(metadata.ReassignPartitionsPath))

	state, _, err := metadata.ReadPartitionState(tc.store, "foo", 0)
	require.NoError(t, err)
	require.Contains(t, target, state.Leader)

	// Reassigning to the current replicas completes immediately.
	result, st = tc.admin.ReassignPartitions(context.Background(), map[TopicPartition][]string{tp: target})
	require.Nil(t, st)
	require.Equal(t, ReassignmentCompleted, result)
}

// Ensure a second reassignment is rejected while one is pending.
func TestReassignPartitionsInProgress(t *testing.T) {
	tc := newTestCluster(t, "a", "b", "c")
	tc.createTopic("foo", map[int32][]string{0: {"a", "b"}, 1: {"b", "a"}})

	// No controller is running so the first request stays pending.
	tp0 := TopicPartition{Topic: "foo", Partition: 0}
	tp1 := TopicPartition{Topic: "foo", Partition: 1}
	result, st := tc.admin.ReassignPartitions(context.Background(), map[TopicPartition][]string{tp0: {"c"}})
	require.Nil(t, st)
	require.Equal(t, ReassignmentInProgress, result)

	result, st = tc.admin.ReassignPartitions(context.Background(), map[TopicPartition][]string{tp1: {"c"}})
	require.Equal(t, ReassignmentFailed, result)
	require.Equal(t, codes.FailedPrecondition, st.Code())

	check, st := tc.admin.CheckReassignment(tp0, []string{"c"})
	require.Nil(t, st)
	require.Equal(t, ReassignmentInProgress, check)
}

// Ensure deleting a topic already queued for deletion reports it.
func TestDeleteTopicAlreadyMarked(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	tc.setDown(true, "b")
	tc.deleteTopic("foo")
	tc.waitForStatus(c, "foo", DeletionIneligible)

	st := tc.admin.DeleteTopic(context.Background(), "foo")
	require.Equal(t, codes.AlreadyExists, st.Code())
}

// Ensure deleting an unknown topic fails and removes a stray marker without
// touching other topics.
func TestDeleteUnknownTopic(t *testing.T) {
	tc := newTestCluster(t, "a")
	tc.createTopic("bar", map[int32][]string{0: {"a"}})

	st := tc.admin.DeleteTopic(context.Background(), "foo")
	require.Equal(t, codes.NotFound, st.Code())

	err := tc.store.Commit(context.Background(), metadata.NewTxn(metadata.NoEpoch,
		metadata.Create(metadata.DeleteTopicPath("foo"), nil)))
	require.NoError(t, err)

	st = tc.admin.DeleteTopic(context.Background(), "foo")
	require.Equal(t, codes.NotFound, st.Code())
	require.False(t, tc.exists(metadata.DeleteTopicPath("foo")))
	require.True(t, tc.exists(metadata.TopicPath("bar")))
}

// Ensure the controller removes markers for topics that do not exist.
func TestControllerRemovesStrayMarker(t *testing.T) {
	tc := newTestCluster(t, "a")
	assignment := map[int32][]string{0: {"a"}}
	tc.createTopic("bar", assignment)

	// A marker present at election is removed during resume.
	err := tc.store.Commit(context.Background(), metadata.NewTxn(metadata.NoEpoch,
		metadata.Create(metadata.DeleteTopicPath("foo"), nil)))
	require.NoError(t, err)

	c := tc.startController("a")
	require.False(t, tc.exists(metadata.DeleteTopicPath("foo")))
	tc.waitForOnline(c, "bar", assignment)

	// So is one written while active.
	err = tc.store.Commit(context.Background(), metadata.NewTxn(metadata.NoEpoch,
		metadata.Create(metadata.DeleteTopicPath("baz"), nil)))
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool {
		return !tc.exists(metadata.DeleteTopicPath("baz"))
	}, "stray marker removed")
	require.True(t, tc.exists(metadata.TopicPath("bar")))
	require.True(t, tc.agent("a").HasLog("bar", 0))
}

// Ensure a controller with no topics elected with deletion disabled seeds
// the flag and a malformed flag is treated as disabled.
func TestControllerDeletionFlag(t *testing.T) {
	tc := newTestCluster(t, "a")
	config := testControllerConfig("a")
	config.DeletionEnabled = false
	tc.startControllerWithConfig(config)

	enabled, err := metadata.ReadDeletionEnabled(tc.store)
	require.NoError(t, err)
	require.False(t, enabled)

	err = tc.store.Commit(context.Background(), metadata.NewTxn(metadata.NoEpoch,
		metadata.Put(metadata.DeleteTopicsEnabledPath, []byte("yes please"))))
	require.NoError(t, err)
	enabled, err = metadata.ReadDeletionEnabled(tc.store)
	require.NoError(t, err)
	require.False(t, enabled)
}

// Ensure a preferred replica election moves leadership back to the first
// assigned replica.
func TestPreferredReplicaElection(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	leader := func() string {
		state, _, err := metadata.ReadPartitionState(tc.store, "foo", 0)
		require.NoError(t, err)
		return state.Leader
	}
	require.Equal(t, "a", leader())

	tc.setDown(true, "a")
	waitFor(t, 5*time.Second, func() bool { return leader() == "b" }, "leader moved to b")
	tc.setDown(false, "a")
	tc.waitForOnline(c, "foo", assignment)
	require.Equal(t, "b", leader())

	st := tc.admin.PreferredReplicaElection(context.Background(), []TopicPartition{{Topic: "foo", Partition: 0}})
	require.Nil(t, st)
	waitFor(t, 5*time.Second, func() bool {
		return leader() == "a" && !tc.exists(metadata.PreferredReplicaElectionPath)
	}, "preferred leader elected")

	st = tc.admin.PreferredReplicaElection(context.Background(), []TopicPartition{{Topic: "bar", Partition: 0}})
	require.Equal(t, codes.NotFound, st.Code())
}

// Ensure queries fail once the controller resigns and completions from the
// old epoch are ignored by a re-elected controller.
func TestControllerResign(t *testing.T) {
	tc := newTestCluster(t, "a")
	c := tc.startController("a")
	require.True(t, c.IsActive())

	c.Resign()
	require.False(t, c.IsActive())
	_, err := c.Epoch()
	require.Equal(t, ErrControllerNotActive, err)

	require.NoError(t, c.Elect())
	epoch, err := c.Epoch()
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch)
}

// Ensure a controller whose epoch was superseded resigns on its next write.
func TestControllerFencedByNewerEpoch(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	c := tc.startController("a")

	// Another controller claims a newer epoch behind this one's back.
	_, err := metadata.ClaimEpoch(context.Background(), tc.store)
	require.NoError(t, err)

	tc.createTopic("foo", map[int32][]string{0: {"a", "b"}})
	waitFor(t, 5*time.Second, func() bool { return !c.IsActive() }, "controller resigned")
	require.False(t, tc.exists(metadata.PartitionStatePath("foo", 0)))
}

// Ensure a controller fenced while writing its controller record during
// election stays inactive and can be elected again.
func TestControllerFencedDuringElection(t *testing.T) {
	tc := newTestCluster(t, "a")
	store := &hookStore{
		MemStore: tc.store,
		match: func(txn *metadata.Txn) bool {
			return touches(txn, metadata.ControllerPath)
		},
		before: func() {
			// Another controller claims a newer epoch first.
			if _, err := metadata.ClaimEpoch(context.Background(), tc.store); err != nil {
				t.Errorf("failed to claim epoch: %v", err)
			}
		},
	}
	c := tc.newController(testControllerConfig("a"), store)

	err := c.Elect()
	require.Error(t, err)
	require.Equal(t, metadata.ErrStaleEpoch, errors.Cause(err))
	require.False(t, c.IsActive())
	_, err = c.Epoch()
	require.Equal(t, ErrControllerNotActive, err)

	// The event loop is still running.
	require.NoError(t, c.Elect())
	epoch, err := c.Epoch()
	require.NoError(t, err)
	require.Equal(t, uint64(3), epoch)
}

// Ensure a stop-replica completion from an earlier epoch is ignored after
// the controller is re-elected.
func TestStaleStopReplicaCompletionIgnored(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	c.Resign()
	require.NoError(t, c.Elect())
	epoch, err := c.Epoch()
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch)

	release := tc.brokers.holdDeletes("b")
	t.Cleanup(release)
	tc.deleteTopic("foo")

	replica := PartitionReplica{Topic: "foo", Partition: 0, Replica: "b"}
	waitFor(t, 5*time.Second, func() bool {
		state, err := c.ReplicaState(replica)
		return err == nil && state == ReplicaDeletionStarted && !tc.agent("a").HasLog("foo", 0)
	}, "deletion of b in flight")

	// A failed response to a request sent under epoch 1.
	c.post(&stopReplicaCompletedEvent{
		epoch:    1,
		broker:   "b",
		deleted:  true,
		replicas: []PartitionReplica{replica},
		err:      errBrokerDown,
	})
	state, err := c.ReplicaState(replica)
	require.NoError(t, err)
	require.Equal(t, ReplicaDeletionStarted, state)
	status, err := c.TopicDeletionStatus("foo")
	require.NoError(t, err)
	require.Equal(t, DeletionStarted, status)

	release()
	tc.waitForDeleted("foo", 0)
}

// Ensure deletion requested after the capability is turned back on runs to
// completion.
func TestReenableDeletion(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	c := tc.startController("a")

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)

	require.Nil(t, tc.admin.SetTopicDeletionEnabled(context.Background(), false))
	tc.deleteTopic("foo")
	waitFor(t, 5*time.Second, func() bool {
		return !tc.exists(metadata.DeleteTopicPath("foo"))
	}, "marker removed")
	require.True(t, tc.exists(metadata.TopicPath("foo")))

	require.Nil(t, tc.admin.SetTopicDeletionEnabled(context.Background(), true))
	tc.deleteTopic("foo")
	tc.waitForDeleted("foo", 0)
	waitFor(t, 5*time.Second, func() bool {
		return tc.stats.Snapshot().Completed == 1
	}, "deletion recorded")
}

// Ensure partitions added while a deletion is completing are deleted before
// the topic is removed.
func TestDeleteTopicCompletionRacesAddPartitions(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	store := &hookStore{
		MemStore: tc.store,
		match: func(txn *metadata.Txn) bool {
			return touches(txn, metadata.TopicPath("foo")) && touches(txn, metadata.DeleteTopicPath("foo"))
		},
		before: func() {
			st := tc.admin.AddPartitions(context.Background(), "foo", 2, map[int32][]string{1: {"b", "a"}})
			if st != nil {
				t.Errorf("failed to add partitions: %v", st.Err())
			}
		},
	}
	c := tc.newController(testControllerConfig("a"), store)
	require.NoError(t, c.Elect())

	assignment := map[int32][]string{0: {"a", "b"}}
	tc.createTopic("foo", assignment)
	tc.waitForOnline(c, "foo", assignment)
	tc.deleteTopic("foo")

	waitFor(t, 5*time.Second, func() bool {
		done, _ := store.hookedResult()
		return done
	}, "completion attempted")
	_, err := store.hookedResult()
	require.True(t, metadata.IsBadVersion(err), "unexpected result %v", err)

	tc.waitForDeleted("foo", 0, 1)
	require.True(t, tc.brokers.requestCount("delete") >= 4)
}
