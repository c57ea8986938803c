package server

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/liftbridge-io/topicd/server/metadata"
)

// ReassignmentStatus is the outcome of a partition reassignment.
type ReassignmentStatus uint8

const (
	ReassignmentCompleted ReassignmentStatus = iota
	ReassignmentInProgress
	ReassignmentFailed
)

func (s ReassignmentStatus) String() string {
	switch s {
	case ReassignmentCompleted:
		return "Completed"
	case ReassignmentInProgress:
		return "InProgress"
	case ReassignmentFailed:
		return "Failed"
	default:
		return fmt.Sprintf("ReassignmentStatus(%d)", uint8(s))
	}
}

// reassignPartitions validates a reassignment and writes it to the store for
// the controller to carry out. The request is rejected without mutating
// anything if any of its topics is marked for deletion or another
// reassignment is pending. Partitions already on their target replicas are
// left out of the request.
func reassignPartitions(ctx context.Context, store metadata.Store,
	targets map[TopicPartition][]string) (ReassignmentStatus, error) {

	if len(targets) == 0 {
		return ReassignmentFailed, status.Error(codes.InvalidArgument, "no partitions to reassign")
	}
	var (
		pending = make(map[TopicPartition][]string, len(targets))
		topics  = make(map[string]*metadata.TopicAssignment)
	)
	for tp, replicas := range targets {
		if err := validateReplicas(replicas); err != nil {
			return ReassignmentFailed, status.Errorf(codes.InvalidArgument,
				"invalid target for [topic=%s, partition=%d]: %v", tp.Topic, tp.Partition, err)
		}
		assignment, ok := topics[tp.Topic]
		if !ok {
			var err error
			assignment, _, err = metadata.ReadTopicAssignment(store, tp.Topic)
			if metadata.IsNoNode(err) {
				return ReassignmentFailed, ErrUnknownTopicOrPartition
			}
			if err != nil {
				return ReassignmentFailed, err
			}
			topics[tp.Topic] = assignment
		}
		current, ok := assignment.Partitions[tp.Partition]
		if !ok {
			return ReassignmentFailed, ErrUnknownTopicOrPartition
		}
		if !sameReplicas(current, replicas) {
			pending[tp] = replicas
		}
	}

	// The marker checks and the request write commit together so a topic
	// cannot be marked for deletion between the check and the write.
	ops := make([]metadata.Op, 0, len(topics)+1)
	for topic := range topics {
		ops = append(ops, metadata.CheckAbsent(metadata.DeleteTopicPath(topic)))
	}
	if len(pending) > 0 {
		ops = append(ops, metadata.Create(metadata.ReassignPartitionsPath,
			metadata.Encode(metadata.NewReassignment(pending))))
	}
	if err := store.Commit(ctx, metadata.NewTxn(metadata.NoEpoch, ops...)); err != nil {
		op, ok := metadata.FailedOp(err)
		switch {
		case ok && op.Path == metadata.ReassignPartitionsPath:
			return ReassignmentFailed, ErrReassignmentInProgress
		case ok:
			return ReassignmentFailed, ErrReassignmentConflict
		default:
			return ReassignmentFailed, err
		}
	}
	if len(pending) == 0 {
		return ReassignmentCompleted, nil
	}
	return ReassignmentInProgress, nil
}

// checkIfPartitionReassignmentSucceeded evaluates a partition's
// reassignment against the current store contents.
func checkIfPartitionReassignmentSucceeded(store metadata.Store, tp TopicPartition,
	target []string) (ReassignmentStatus, error) {

	marked, err := metadata.Exists(store, metadata.DeleteTopicPath(tp.Topic))
	if err != nil {
		return ReassignmentFailed, err
	}
	if marked {
		return ReassignmentFailed, nil
	}
	assignment, _, err := metadata.ReadTopicAssignment(store, tp.Topic)
	if metadata.IsNoNode(err) {
		return ReassignmentFailed, nil
	}
	if err != nil {
		return ReassignmentFailed, err
	}
	request, _, err := metadata.ReadReassignment(store)
	if err != nil {
		return ReassignmentFailed, err
	}
	if _, ok := request.Targets()[tp]; ok {
		return ReassignmentInProgress, nil
	}
	if sameReplicas(assignment.Partitions[tp.Partition], target) {
		return ReassignmentCompleted, nil
	}
	return ReassignmentFailed, nil
}

func validateReplicas(replicas []string) error {
	if len(replicas) == 0 {
		return errors.New("empty replica list")
	}
	seen := make(map[string]struct{}, len(replicas))
	for _, r := range replicas {
		if r == "" {
			return errors.New("empty replica id")
		}
		if _, ok := seen[r]; ok {
			return errors.Errorf("duplicate replica %s", r)
		}
		seen[r] = struct{}{}
	}
	return nil
}

// reassignmentCoordinator moves partitions to their target replicas. For a
// partition with original replicas OAR and target RAR it:
//  1. assigns OAR+RAR and starts the new replicas,
//  2. waits until every RAR replica is online,
//  3. assigns RAR and elects a leader from RAR,
//  4. deletes the replicas in OAR-RAR and drops the partition from the
//     request.
//
// Deletion of a topic waits while any of its partitions is being
// reassigned. It runs only on the controller's event loop.
type reassignmentCoordinator struct {
	c *Controller
}

// resume picks up the pending request after this controller became active.
// Partitions whose first phase already ran have OAR+RAR assigned, which the
// remaining phases handle unchanged.
func (r *reassignmentCoordinator) resume() {
	r.onRequestChanged()
}

// onRequestChanged starts tracking new entries of the pending request.
// Entries for unknown topics or topics queued for deletion are dropped.
func (r *reassignmentCoordinator) onRequestChanged() {
	ctx := r.c.ctx
	request, version, err := metadata.ReadReassignment(r.c.store)
	if err != nil {
		r.c.logger.Errorf("reassignment: failed to read request: %v", err)
		return
	}
	if version < 0 {
		return
	}
	var (
		drop    []TopicPartition
		started []TopicPartition
	)
	for _, entry := range request.Partitions {
		tp := TopicPartition{Topic: entry.Topic, Partition: entry.Partition}
		if _, ok := ctx.reassignments[tp]; ok {
			continue
		}
		assigned, ok := ctx.assignments[tp.Topic][tp.Partition]
		switch {
		case !ok:
			r.c.logger.Warnf("reassignment: dropping unknown [topic=%s, partition=%d]", tp.Topic, tp.Partition)
			drop = append(drop, tp)
			continue
		case ctx.isQueuedForDeletion(tp.Topic):
			r.c.logger.Warnf("reassignment: dropping [topic=%s, partition=%d], topic is queued for deletion",
				tp.Topic, tp.Partition)
			drop = append(drop, tp)
			continue
		case sameReplicas(assigned, entry.Replicas):
			drop = append(drop, tp)
			continue
		}
		ctx.reassignments[tp] = &reassignmentContext{
			original: append([]string{}, assigned...),
			target:   entry.Replicas,
		}
		started = append(started, tp)
	}
	if len(drop) > 0 {
		r.removeFromRequest(drop)
	}
	for _, tp := range started {
		r.startReassignment(tp)
	}
}

// startReassignment assigns OAR+RAR and starts the new replicas.
func (r *reassignmentCoordinator) startReassignment(tp TopicPartition) {
	ctx := r.c.ctx
	rc := ctx.reassignments[tp]
	union := unionReplicas(rc.original, rc.target)
	r.c.logger.Infof("reassignment: moving [topic=%s, partition=%d] from %v to %v",
		tp.Topic, tp.Partition, rc.original, rc.target)

	if !sameReplicas(union, rc.original) {
		if err := r.c.writeAssignment(tp.Topic, withPartition(ctx.assignments[tp.Topic], tp.Partition, union)); err != nil {
			r.c.logger.Errorf("reassignment: failed to extend assignment of [topic=%s, partition=%d]: %v",
				tp.Topic, tp.Partition, err)
			delete(ctx.reassignments, tp)
			return
		}
	}
	var added []PartitionReplica
	for _, replica := range subtractReplicas(rc.target, rc.original) {
		added = append(added, PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: replica})
	}
	r.c.replicas.handleStateChanges(added, NewReplica)
	r.c.sendLeaderAndISR(tp, union)
	r.maybeComplete(tp)
}

// onReplicasOnline checks the reassignments of partitions whose replicas
// just came online.
func (r *reassignmentCoordinator) onReplicasOnline(replicas []PartitionReplica) {
	seen := make(map[TopicPartition]struct{})
	for _, replica := range replicas {
		tp := replica.TopicPartition()
		if _, ok := seen[tp]; ok {
			continue
		}
		seen[tp] = struct{}{}
		if _, ok := r.c.ctx.reassignments[tp]; ok {
			r.maybeComplete(tp)
		}
	}
}

// onBrokerStartup retries deleting dropped replicas and re-checks every
// in-flight reassignment.
func (r *reassignmentCoordinator) onBrokerStartup() {
	r.retryDroppedReplicas()
	for tp := range r.c.ctx.reassignments {
		r.maybeComplete(tp)
	}
}

func (r *reassignmentCoordinator) maybeComplete(tp TopicPartition) {
	ctx := r.c.ctx
	rc, ok := ctx.reassignments[tp]
	if !ok {
		return
	}
	for _, replica := range rc.target {
		pr := PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: replica}
		if ctx.replicaState(pr) != OnlineReplica {
			return
		}
	}
	r.completeReassignment(tp, rc)
}

// completeReassignment assigns RAR, moves leadership into RAR and deletes
// the replicas that were dropped.
func (r *reassignmentCoordinator) completeReassignment(tp TopicPartition, rc *reassignmentContext) {
	ctx := r.c.ctx
	assigned := ctx.replicasFor(tp)
	if err := r.c.writeAssignment(tp.Topic, withPartition(ctx.assignments[tp.Topic], tp.Partition, rc.target)); err != nil {
		r.c.logger.Errorf("reassignment: failed to assign %v to [topic=%s, partition=%d]: %v",
			rc.target, tp.Topic, tp.Partition, err)
		return
	}

	leadership := ctx.leadership[tp]
	if leadership == nil || !containsReplica(rc.target, leadership.Leader) ||
		len(subtractReplicas(leadership.ISR, rc.target)) > 0 {
		r.c.partitions.handleStateChangesWithSelector([]TopicPartition{tp}, OnlinePartition,
			r.c.partitions.reassignedLeaderSelector(rc.target))
	} else {
		r.c.sendLeaderAndISR(tp, rc.target)
	}

	var dropped []PartitionReplica
	for _, replica := range subtractReplicas(assigned, rc.target) {
		dropped = append(dropped, PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: replica})
	}
	r.deleteDroppedReplicas(dropped)

	delete(ctx.reassignments, tp)
	r.removeFromRequest([]TopicPartition{tp})
	r.c.logger.Infof("reassignment: completed [topic=%s, partition=%d] on %v", tp.Topic, tp.Partition, rc.target)

	if ctx.isQueuedForDeletion(tp.Topic) && !ctx.isReassigning(tp.Topic) {
		r.c.deletion.retry()
	}
}

// deleteDroppedReplicas takes replicas that are no longer assigned offline
// and deletes the ones on live brokers. The rest are retried when their
// broker returns.
func (r *reassignmentCoordinator) deleteDroppedReplicas(replicas []PartitionReplica) {
	sm := r.c.replicas
	sm.handleStateChanges(sm.replicasInState(replicas, NewReplica, OnlineReplica, ReplicaDeletionIneligible), OfflineReplica)
	var live []PartitionReplica
	for _, replica := range sm.replicasInState(replicas, OfflineReplica) {
		if r.c.ctx.isLive(replica.Replica) {
			live = append(live, replica)
		}
	}
	sm.handleStateChanges(live, ReplicaDeletionStarted)
}

// retryDroppedReplicas re-attempts deleting replicas that a reassignment
// dropped but whose deletion did not finish.
func (r *reassignmentCoordinator) retryDroppedReplicas() {
	ctx := r.c.ctx
	var dropped []PartitionReplica
	for replica, state := range ctx.replicaStates {
		if state != OfflineReplica && state != ReplicaDeletionIneligible {
			continue
		}
		if ctx.isQueuedForDeletion(replica.Topic) || !ctx.isLive(replica.Replica) {
			continue
		}
		if containsReplica(ctx.replicasFor(replica.TopicPartition()), replica.Replica) {
			continue
		}
		dropped = append(dropped, replica)
	}
	if len(dropped) > 0 {
		r.deleteDroppedReplicas(dropped)
	}
}

// removeFromRequest removes partitions from the stored request, deleting the
// node once it is empty.
func (r *reassignmentCoordinator) removeFromRequest(partitions []TopicPartition) {
	request, version, err := metadata.ReadReassignment(r.c.store)
	if err != nil {
		r.c.logger.Errorf("reassignment: failed to read request: %v", err)
		return
	}
	if version < 0 {
		return
	}
	targets := request.Targets()
	for _, tp := range partitions {
		delete(targets, tp)
	}
	var op metadata.Op
	if len(targets) == 0 {
		op = metadata.Delete(metadata.ReassignPartitionsPath, version)
	} else {
		op = metadata.Set(metadata.ReassignPartitionsPath, metadata.Encode(metadata.NewReassignment(targets)), version)
	}
	if err := r.c.commit(op); err != nil {
		r.c.logger.Errorf("reassignment: failed to update request: %v", err)
	}
}

// withPartition returns a copy of partitions with id assigned replicas.
func withPartition(partitions map[int32][]string, id int32, replicas []string) map[int32][]string {
	updated := make(map[int32][]string, len(partitions))
	for p, rs := range partitions {
		updated[p] = rs
	}
	updated[id] = replicas
	return updated
}
