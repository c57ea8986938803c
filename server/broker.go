package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/topicd/server/protocol"
)

// brokerChannel delivers controller requests to brokers. Implementations
// must be safe for concurrent use.
type brokerChannel interface {
	LeaderAndISR(ctx context.Context, broker string, req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error)
	StopReplica(ctx context.Context, broker string, req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error)
}

func leaderAndISRSubject(namespace, broker string) string {
	return fmt.Sprintf("%s.broker.%s.leader_and_isr", namespace, broker)
}

func stopReplicaSubject(namespace, broker string) string {
	return fmt.Sprintf("%s.broker.%s.stop_replica", namespace, broker)
}

// natsBrokerChannel sends controller requests over NATS request/reply.
type natsBrokerChannel struct {
	nc        *nats.Conn
	namespace string
}

func newNATSBrokerChannel(nc *nats.Conn, namespace string) *natsBrokerChannel {
	return &natsBrokerChannel{nc: nc, namespace: namespace}
}

func (n *natsBrokerChannel) LeaderAndISR(ctx context.Context, broker string,
	req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {

	data, err := protocol.MarshalLeaderAndISRRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := n.nc.RequestWithContext(ctx, leaderAndISRSubject(n.namespace, broker), data)
	if err != nil {
		return nil, errors.Wrapf(err, "leader-and-isr request to %s failed", broker)
	}
	return protocol.UnmarshalLeaderAndISRResponse(msg.Data)
}

func (n *natsBrokerChannel) StopReplica(ctx context.Context, broker string,
	req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error) {

	data, err := protocol.MarshalStopReplicaRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := n.nc.RequestWithContext(ctx, stopReplicaSubject(n.namespace, broker), data)
	if err != nil {
		return nil, errors.Wrapf(err, "stop-replica request to %s failed", broker)
	}
	return protocol.UnmarshalStopReplicaResponse(msg.Data)
}

// requestBatch collects broker requests produced while handling one event so
// each broker receives at most one request of each kind per event.
type requestBatch struct {
	leaderAndISR map[string]map[TopicPartition]struct{}
	stopReplica  map[string][]PartitionReplica
	deletes      map[string][]PartitionReplica
}

func newRequestBatch() *requestBatch {
	return &requestBatch{
		leaderAndISR: make(map[string]map[TopicPartition]struct{}),
		stopReplica:  make(map[string][]PartitionReplica),
		deletes:      make(map[string][]PartitionReplica),
	}
}

func (b *requestBatch) empty() bool {
	return len(b.leaderAndISR) == 0 && len(b.stopReplica) == 0 && len(b.deletes) == 0
}

// sendLeaderAndISR queues a leader-and-isr request for tp to each live
// broker in brokers. The request carries the leadership current at flush
// time.
func (c *Controller) sendLeaderAndISR(tp TopicPartition, brokers []string) {
	for _, broker := range brokers {
		if !c.ctx.isLive(broker) {
			continue
		}
		partitions, ok := c.batch.leaderAndISR[broker]
		if !ok {
			partitions = make(map[TopicPartition]struct{})
			c.batch.leaderAndISR[broker] = partitions
		}
		partitions[tp] = struct{}{}
	}
}

// sendStopReplica queues a stop-replica request to broker.
func (c *Controller) sendStopReplica(broker string, replicas []PartitionReplica, deletePartitions bool) {
	if deletePartitions {
		c.batch.deletes[broker] = append(c.batch.deletes[broker], replicas...)
	} else {
		c.batch.stopReplica[broker] = append(c.batch.stopReplica[broker], replicas...)
	}
}

// flushBatch dispatches queued requests. Each request runs on its own
// goroutine and posts its completion back to the event loop tagged with the
// epoch it was sent under.
func (c *Controller) flushBatch() {
	batch := c.batch
	if batch.empty() {
		return
	}
	c.batch = newRequestBatch()

	for _, broker := range sortedKeys(batch.leaderAndISR) {
		req := &protocol.LeaderAndISRRequest{
			ControllerID:    c.config.ID,
			ControllerEpoch: c.ctx.epoch,
		}
		var replicas []PartitionReplica
		for _, tp := range sortedPartitions(batch.leaderAndISR[broker]) {
			leadership := c.ctx.leadership[tp]
			if leadership == nil {
				continue
			}
			req.Partitions = append(req.Partitions, &protocol.PartitionLeaderState{
				Topic:       tp.Topic,
				Partition:   tp.Partition,
				Leader:      leadership.Leader,
				LeaderEpoch: leadership.LeaderEpoch,
				ISR:         leadership.ISR,
				Replicas:    c.ctx.replicasFor(tp),
			})
			replicas = append(replicas, PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: broker})
		}
		if len(req.Partitions) == 0 {
			continue
		}
		c.dispatchLeaderAndISR(broker, req, replicas)
	}
	for broker, replicas := range batch.stopReplica {
		c.dispatchStopReplica(broker, replicas, false)
	}
	for broker, replicas := range batch.deletes {
		c.dispatchStopReplica(broker, replicas, true)
	}
}

func (c *Controller) dispatchLeaderAndISR(broker string, req *protocol.LeaderAndISRRequest,
	replicas []PartitionReplica) {

	epoch := c.ctx.epoch
	c.logger.Debugf("controller: sending leader-and-isr for %d partitions to %s", len(req.Partitions), broker)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		defer cancel()
		resp, err := c.brokers.LeaderAndISR(ctx, broker, req)
		c.post(&leaderAndISRCompletedEvent{
			epoch:    epoch,
			broker:   broker,
			replicas: replicas,
			resp:     resp,
			err:      err,
		})
	}()
}

func (c *Controller) dispatchStopReplica(broker string, replicas []PartitionReplica, deletePartitions bool) {
	req := &protocol.StopReplicaRequest{
		ControllerID:    c.config.ID,
		ControllerEpoch: c.ctx.epoch,
		Delete:          deletePartitions,
		Partitions:      make([]*protocol.TopicPartition, len(replicas)),
	}
	for i, r := range replicas {
		req.Partitions[i] = &protocol.TopicPartition{Topic: r.Topic, Partition: r.Partition}
	}
	epoch := c.ctx.epoch
	c.logger.Debugf("controller: sending stop-replica (delete=%t) for %d partitions to %s",
		deletePartitions, len(replicas), broker)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		defer cancel()
		resp, err := c.brokers.StopReplica(ctx, broker, req)
		c.post(&stopReplicaCompletedEvent{
			epoch:    epoch,
			broker:   broker,
			deleted:  deletePartitions,
			replicas: replicas,
			resp:     resp,
			err:      err,
		})
	}()
}

func sortedKeys(m map[string]map[TopicPartition]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPartitions(m map[TopicPartition]struct{}) []TopicPartition {
	tps := make([]TopicPartition, 0, len(m))
	for tp := range m {
		tps = append(tps, tp)
	}
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
	return tps
}
