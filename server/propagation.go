package server

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	proto "github.com/liftbridge-io/topicd/server/protocol"
)

// getPropagateInbox returns the NATS subject used for handling propagated
// admin operations. The server subscribes to this when it is the metadata
// leader. Followers can then forward operations for the leader to apply.
func (s *Server) getPropagateInbox() string {
	return fmt.Sprintf("%s.propagate", s.baseMetadataRaftSubject())
}

// handlePropagatedRequest is a NATS handler used to process admin operations
// forwarded by followers. If the server loses leadership while handling one,
// the store write fails with a not-leader error which is returned to the
// follower.
func (s *Server) handlePropagatedRequest(m *nats.Msg) {
	req, err := proto.UnmarshalPropagatedRequest(m.Data)
	if err != nil {
		s.logger.Warnf("Invalid propagated request: %v", err)
		return
	}
	resp := &proto.PropagatedResponse{Op: req.Op}
	ctx := context.Background()
	var st *status.Status
	switch {
	case req.Op == proto.OpCreateTopic && req.CreateTopicOp != nil:
		st = s.admin.CreateTopic(ctx, req.CreateTopicOp.Topic, req.CreateTopicOp.Assignment)
	case req.Op == proto.OpDeleteTopic && req.DeleteTopicOp != nil:
		st = s.admin.DeleteTopic(ctx, req.DeleteTopicOp.Topic)
	case req.Op == proto.OpAddPartitions && req.AddPartitionsOp != nil:
		op := req.AddPartitionsOp
		st = s.admin.AddPartitions(ctx, op.Topic, op.Count, op.Assignment)
	case req.Op == proto.OpReassignPartitions && req.ReassignPartitionsOp != nil:
		var result ReassignmentStatus
		result, st = s.admin.ReassignPartitions(ctx, targetsFromProto(req.ReassignPartitionsOp.Targets))
		resp.ReassignmentStatus = uint8(result)
	case req.Op == proto.OpSetTopicDeletionEnabled && req.SetTopicDeletionEnabledOp != nil:
		st = s.admin.SetTopicDeletionEnabled(ctx, req.SetTopicDeletionEnabledOp.Enabled)
	case req.Op == proto.OpPreferredReplicaElection && req.PreferredReplicaElectionOp != nil:
		st = s.admin.PreferredReplicaElection(ctx, partitionsFromProto(req.PreferredReplicaElectionOp.Partitions))
	default:
		s.logger.Warnf("Unknown propagated request operation: %s", req.Op)
		return
	}
	if st != nil {
		resp.Error = &proto.Error{Code: uint32(st.Code()), Msg: st.Message()}
	}
	data, err := proto.MarshalPropagatedResponse(resp)
	if err != nil {
		panic(err)
	}
	if err := m.Respond(data); err != nil {
		s.logger.Errorf("Failed to respond to propagated request: %v", err)
	}
}

// propagateRequest forwards an admin operation to the metadata leader and
// returns its response. A leader-side failure is returned as a status error.
func (s *Server) propagateRequest(ctx context.Context, req *proto.PropagatedRequest) (*proto.PropagatedResponse, error) {
	data, err := proto.MarshalPropagatedRequest(req)
	if err != nil {
		panic(err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Clustering.RaftApplyTimeout)
		defer cancel()
	}
	msg, err := s.nc.RequestWithContext(ctx, s.getPropagateInbox(), data)
	if err != nil {
		return nil, status.Error(codes.Unavailable, errors.Wrap(err, "failed to reach metadata leader").Error())
	}
	resp, err := proto.UnmarshalPropagatedResponse(msg.Data)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if resp.Error != nil {
		return resp, status.Error(codes.Code(resp.Error.Code), resp.Error.Msg)
	}
	return resp, nil
}

// CreateTopic creates a topic with an explicit assignment of partitions
// 0..n-1 to broker ids.
func (s *Server) CreateTopic(ctx context.Context, name string, assignment map[int32][]string) error {
	if s.isLeader() {
		return s.admin.CreateTopic(ctx, name, assignment).Err()
	}
	_, err := s.propagateRequest(ctx, &proto.PropagatedRequest{
		Op:            proto.OpCreateTopic,
		CreateTopicOp: &proto.CreateTopicOp{Topic: name, Assignment: assignment},
	})
	return err
}

// DeleteTopic marks a topic for deletion. The controller removes it once
// every replica has deleted its log.
func (s *Server) DeleteTopic(ctx context.Context, name string) error {
	if s.isLeader() {
		return s.admin.DeleteTopic(ctx, name).Err()
	}
	_, err := s.propagateRequest(ctx, &proto.PropagatedRequest{
		Op:            proto.OpDeleteTopic,
		DeleteTopicOp: &proto.DeleteTopicOp{Topic: name},
	})
	return err
}

// AddPartitions grows a topic to newCount partitions. assignment must cover
// exactly the new partition indexes.
func (s *Server) AddPartitions(ctx context.Context, name string, newCount int32, assignment map[int32][]string) error {
	if s.isLeader() {
		return s.admin.AddPartitions(ctx, name, newCount, assignment).Err()
	}
	_, err := s.propagateRequest(ctx, &proto.PropagatedRequest{
		Op:              proto.OpAddPartitions,
		AddPartitionsOp: &proto.AddPartitionsOp{Topic: name, Count: newCount, Assignment: assignment},
	})
	return err
}

// ReassignPartitions submits a partition reassignment.
func (s *Server) ReassignPartitions(ctx context.Context, targets map[TopicPartition][]string) (ReassignmentStatus, error) {
	if s.isLeader() {
		result, st := s.admin.ReassignPartitions(ctx, targets)
		return result, st.Err()
	}
	resp, err := s.propagateRequest(ctx, &proto.PropagatedRequest{
		Op:                   proto.OpReassignPartitions,
		ReassignPartitionsOp: &proto.ReassignPartitionsOp{Targets: targetsToProto(targets)},
	})
	if resp == nil {
		return ReassignmentFailed, err
	}
	return ReassignmentStatus(resp.ReassignmentStatus), err
}

// CheckReassignment reports the state of a partition's reassignment to
// target. It reads this server's replica of the metadata.
func (s *Server) CheckReassignment(tp TopicPartition, target []string) (ReassignmentStatus, error) {
	result, st := s.admin.CheckReassignment(tp, target)
	return result, st.Err()
}

// SetTopicDeletionEnabled turns the topic deletion capability on or off.
func (s *Server) SetTopicDeletionEnabled(ctx context.Context, enabled bool) error {
	if s.isLeader() {
		return s.admin.SetTopicDeletionEnabled(ctx, enabled).Err()
	}
	_, err := s.propagateRequest(ctx, &proto.PropagatedRequest{
		Op:                        proto.OpSetTopicDeletionEnabled,
		SetTopicDeletionEnabledOp: &proto.SetTopicDeletionEnabledOp{Enabled: enabled},
	})
	return err
}

// PreferredReplicaElection requests that the given partitions move
// leadership to their first assigned replica.
func (s *Server) PreferredReplicaElection(ctx context.Context, partitions []TopicPartition) error {
	if s.isLeader() {
		return s.admin.PreferredReplicaElection(ctx, partitions).Err()
	}
	_, err := s.propagateRequest(ctx, &proto.PropagatedRequest{
		Op:                         proto.OpPreferredReplicaElection,
		PreferredReplicaElectionOp: &proto.PreferredReplicaElectionOp{Partitions: partitionsToProto(partitions)},
	})
	return err
}

func targetsToProto(targets map[TopicPartition][]string) []*proto.ReassignmentTarget {
	out := make([]*proto.ReassignmentTarget, 0, len(targets))
	for tp, replicas := range targets {
		out = append(out, &proto.ReassignmentTarget{Topic: tp.Topic, Partition: tp.Partition, Replicas: replicas})
	}
	return out
}

func targetsFromProto(targets []*proto.ReassignmentTarget) map[TopicPartition][]string {
	out := make(map[TopicPartition][]string, len(targets))
	for _, t := range targets {
		out[TopicPartition{Topic: t.Topic, Partition: t.Partition}] = t.Replicas
	}
	return out
}

func partitionsToProto(partitions []TopicPartition) []*proto.TopicPartition {
	out := make([]*proto.TopicPartition, len(partitions))
	for i, tp := range partitions {
		out[i] = &proto.TopicPartition{Topic: tp.Topic, Partition: tp.Partition}
	}
	return out
}

func partitionsFromProto(partitions []*proto.TopicPartition) []TopicPartition {
	out := make([]TopicPartition, len(partitions))
	for i, tp := range partitions {
		out[i] = TopicPartition{Topic: tp.Topic, Partition: tp.Partition}
	}
	return out
}
