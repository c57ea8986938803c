package server

import "github.com/liftbridge-io/topicd/server/protocol"

// Events processed by the controller's event loop.

type electedEvent struct {
	done chan error
}

type resignedEvent struct {
	done chan struct{}
}

// topicsChangedEvent signals a change below topics/. Handlers re-read the
// store rather than trusting the changed paths.
type topicsChangedEvent struct{}

type deletionMarkersChangedEvent struct{}

type deletionFlagChangedEvent struct{}

type reassignmentChangedEvent struct{}

type preferredElectionChangedEvent struct{}

type brokersChangedEvent struct{}

type retrySweepEvent struct{}

type leaderAndISRCompletedEvent struct {
	epoch    uint64
	broker   string
	replicas []PartitionReplica
	resp     *protocol.LeaderAndISRResponse
	err      error
}

type stopReplicaCompletedEvent struct {
	epoch    uint64
	broker   string
	deleted  bool
	replicas []PartitionReplica
	resp     *protocol.StopReplicaResponse
	err      error
}

// queryEvent runs fn on the event loop. fn receives nil if the controller
// is not active.
type queryEvent struct {
	fn   func(ctx *controllerContext)
	done chan struct{}
}
