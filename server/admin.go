package server

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/liftbridge-io/topicd/server/logger"
	"github.com/liftbridge-io/topicd/server/metadata"
)

// adminAPI implements administrative metadata operations as store
// transactions. The controller reacts to the resulting store changes. Admin
// writes are not fenced with a controller epoch.
type adminAPI struct {
	store metadata.Store
	log   logger.Logger
}

// CreateTopic creates a topic with an explicit assignment of partitions
// 0..n-1 to replicas.
func (a *adminAPI) CreateTopic(ctx context.Context, name string, assignment map[int32][]string) *status.Status {
	if err := validateTopicName(name); err != nil {
		return status.New(codes.InvalidArgument, err.Error())
	}
	if err := validateAssignment(assignment, 0, int32(len(assignment))); err != nil {
		return status.New(codes.InvalidArgument, err.Error())
	}
	record := &metadata.TopicAssignment{Partitions: assignment}
	err := a.store.Commit(ctx, metadata.NewTxn(metadata.NoEpoch,
		metadata.Create(metadata.TopicPath(name), metadata.Encode(record))))
	if metadata.IsNodeExists(err) {
		return statusFromError(ErrTopicExists)
	}
	if err != nil {
		a.log.Errorf("Failed to create topic %s: %v", name, err)
		return statusFromError(err)
	}
	a.log.Infof("Created topic %s with %d partitions", name, len(assignment))
	return nil
}

// DeleteTopic marks a topic for deletion. A marker left behind for a topic
// that does not exist is removed and reported as an unknown topic.
func (a *adminAPI) DeleteTopic(ctx context.Context, name string) *status.Status {
	marked, err := metadata.Exists(a.store, metadata.DeleteTopicPath(name))
	if err != nil {
		return statusFromError(err)
	}
	_, version, err := metadata.ReadTopicAssignment(a.store, name)
	if metadata.IsNoNode(err) {
		if marked {
			a.log.Warnf("Removing deletion marker for unknown topic %s", name)
			if err := a.store.Commit(ctx, metadata.NewTxn(metadata.NoEpoch,
				metadata.DeleteTree(metadata.DeleteTopicPath(name)))); err != nil {
				return statusFromError(err)
			}
		}
		return statusFromError(ErrUnknownTopicOrPartition)
	}
	if err != nil {
		return statusFromError(err)
	}
	if marked {
		return statusFromError(ErrAlreadyMarkedForDeletion)
	}

	err = a.store.Commit(ctx, metadata.NewTxn(metadata.NoEpoch,
		metadata.CheckVersion(metadata.TopicPath(name), version),
		metadata.Create(metadata.DeleteTopicPath(name), nil)))
	if err != nil {
		op, ok := metadata.FailedOp(err)
		switch {
		case ok && op.Type == metadata.OpCreate:
			return statusFromError(ErrAlreadyMarkedForDeletion)
		case ok && metadata.IsNoNode(err):
			return statusFromError(ErrUnknownTopicOrPartition)
		case ok && metadata.IsBadVersion(err):
			return status.New(codes.Aborted, "topic was modified concurrently")
		}
		a.log.Errorf("Failed to mark topic %s for deletion: %v", name, err)
		return statusFromError(err)
	}
	a.log.Infof("Marked topic %s for deletion", name)
	return nil
}

// AddPartitions grows a topic to newCount partitions. assignment must cover
// exactly the new partition indexes.
func (a *adminAPI) AddPartitions(ctx context.Context, name string, newCount int32,
	assignment map[int32][]string) *status.Status {

	current, version, err := metadata.ReadTopicAssignment(a.store, name)
	if metadata.IsNoNode(err) {
		return statusFromError(ErrUnknownTopicOrPartition)
	}
	if err != nil {
		return statusFromError(err)
	}
	existing := int32(len(current.Partitions))
	if newCount <= existing {
		return status.Newf(codes.InvalidArgument, "topic %s already has %d partitions", name, existing)
	}
	if err := validateAssignment(assignment, existing, newCount); err != nil {
		return status.New(codes.InvalidArgument, err.Error())
	}
	for id, replicas := range assignment {
		current.Partitions[id] = replicas
	}
	err = a.store.Commit(ctx, metadata.NewTxn(metadata.NoEpoch,
		metadata.Set(metadata.TopicPath(name), metadata.Encode(current), version)))
	switch {
	case metadata.IsBadVersion(err):
		return status.New(codes.Aborted, "topic was modified concurrently")
	case metadata.IsNoNode(err):
		return statusFromError(ErrUnknownTopicOrPartition)
	case err != nil:
		return statusFromError(err)
	}
	a.log.Infof("Added %d partitions to topic %s", newCount-existing, name)
	return nil
}

// ReassignPartitions submits a partition reassignment.
func (a *adminAPI) ReassignPartitions(ctx context.Context,
	targets map[TopicPartition][]string) (ReassignmentStatus, *status.Status) {

	result, err := reassignPartitions(ctx, a.store, targets)
	if err != nil {
		return result, statusFromError(err)
	}
	a.log.Infof("Submitted reassignment of %d partitions: %s", len(targets), result)
	return result, nil
}

// CheckReassignment reports the state of a partition's reassignment to
// target from the store.
func (a *adminAPI) CheckReassignment(tp TopicPartition, target []string) (ReassignmentStatus, *status.Status) {
	result, err := checkIfPartitionReassignmentSucceeded(a.store, tp, target)
	return result, statusFromError(err)
}

// SetTopicDeletionEnabled writes the deletion capability flag.
func (a *adminAPI) SetTopicDeletionEnabled(ctx context.Context, enabled bool) *status.Status {
	value := "false"
	if enabled {
		value = "true"
	}
	if err := a.store.Commit(ctx, metadata.NewTxn(metadata.NoEpoch,
		metadata.Put(metadata.DeleteTopicsEnabledPath, []byte(value)))); err != nil {
		return statusFromError(err)
	}
	a.log.Infof("Set topic deletion enabled to %t", enabled)
	return nil
}

// PreferredReplicaElection requests that the given partitions elect their
// preferred replica as leader.
func (a *adminAPI) PreferredReplicaElection(ctx context.Context, partitions []TopicPartition) *status.Status {
	if len(partitions) == 0 {
		return status.New(codes.InvalidArgument, "no partitions given")
	}
	for _, tp := range partitions {
		assignment, _, err := metadata.ReadTopicAssignment(a.store, tp.Topic)
		if metadata.IsNoNode(err) {
			return statusFromError(ErrUnknownTopicOrPartition)
		}
		if err != nil {
			return statusFromError(err)
		}
		if _, ok := assignment.Partitions[tp.Partition]; !ok {
			return statusFromError(ErrUnknownTopicOrPartition)
		}
	}
	request := &metadata.PreferredElection{Partitions: partitions}
	err := a.store.Commit(ctx, metadata.NewTxn(metadata.NoEpoch,
		metadata.Create(metadata.PreferredReplicaElectionPath, metadata.Encode(request))))
	if metadata.IsNodeExists(err) {
		return status.New(codes.FailedPrecondition, "preferred replica election already in progress")
	}
	return statusFromError(err)
}

func validateTopicName(name string) error {
	if name == "" {
		return errors.New("no topic name provided")
	}
	if strings.ContainsAny(name, "/ \t\n") || name == "." || name == ".." {
		return errors.Errorf("invalid topic name %q", name)
	}
	return nil
}

// validateAssignment checks that assignment covers exactly partitions
// [from, to) with valid replica lists.
func validateAssignment(assignment map[int32][]string, from, to int32) error {
	if len(assignment) == 0 {
		return errors.New("empty assignment")
	}
	if int32(len(assignment)) != to-from {
		return errors.Errorf("assignment must cover partitions %d to %d", from, to-1)
	}
	for id := from; id < to; id++ {
		replicas, ok := assignment[id]
		if !ok {
			return errors.Errorf("missing assignment for partition %d", id)
		}
		if err := validateReplicas(replicas); err != nil {
			return errors.Wrapf(err, "invalid assignment for partition %d", id)
		}
	}
	return nil
}
