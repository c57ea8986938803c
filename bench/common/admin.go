package common

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	proto "github.com/liftbridge-io/topicd/server/protocol"
)

// AdminClient sends admin operations to the metadata leader of a cluster
// over its propagation subject.
type AdminClient struct {
	nc      *nats.Conn
	subject string
}

// NewAdminClient returns a client for the cluster running under namespace.
func NewAdminClient(nc *nats.Conn, namespace string) *AdminClient {
	return &AdminClient{
		nc:      nc,
		subject: fmt.Sprintf("%s.raft.metadata.propagate", namespace),
	}
}

// CreateTopic creates a topic with the given assignment.
func (a *AdminClient) CreateTopic(ctx context.Context, topic string, assignment map[int32][]string) error {
	return a.request(ctx, &proto.PropagatedRequest{
		Op:            proto.OpCreateTopic,
		CreateTopicOp: &proto.CreateTopicOp{Topic: topic, Assignment: assignment},
	})
}

// DeleteTopic marks a topic for deletion.
func (a *AdminClient) DeleteTopic(ctx context.Context, topic string) error {
	return a.request(ctx, &proto.PropagatedRequest{
		Op:            proto.OpDeleteTopic,
		DeleteTopicOp: &proto.DeleteTopicOp{Topic: topic},
	})
}

// SetTopicDeletionEnabled toggles topic deletion on the cluster.
func (a *AdminClient) SetTopicDeletionEnabled(ctx context.Context, enabled bool) error {
	return a.request(ctx, &proto.PropagatedRequest{
		Op:                        proto.OpSetTopicDeletionEnabled,
		SetTopicDeletionEnabledOp: &proto.SetTopicDeletionEnabledOp{Enabled: enabled},
	})
}

func (a *AdminClient) request(ctx context.Context, req *proto.PropagatedRequest) error {
	data, err := proto.MarshalPropagatedRequest(req)
	if err != nil {
		return err
	}
	msg, err := a.nc.RequestWithContext(ctx, a.subject, data)
	if err != nil {
		return errors.Wrapf(err, "failed to send %s request", req.Op)
	}
	resp, err := proto.UnmarshalPropagatedResponse(msg.Data)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.Errorf("%s failed (code %d): %s", req.Op, resp.Error.Code, resp.Error.Msg)
	}
	return nil
}
