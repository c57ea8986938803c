package server

import (
	"fmt"
	"sort"
	"time"

	"github.com/liftbridge-io/topicd/server/metadata"
)

// TopicPartition identifies a partition of a topic.
type TopicPartition = metadata.TopicPartition

// PartitionReplica identifies one replica of a partition.
type PartitionReplica struct {
	Topic     string
	Partition int32
	Replica   string
}

// TopicPartition returns the partition the replica belongs to.
func (r PartitionReplica) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

func (r PartitionReplica) String() string {
	return fmt.Sprintf("[topic=%s, partition=%d, replica=%s]", r.Topic, r.Partition, r.Replica)
}

// TopicDeletionStatus is a topic's position in the deletion protocol.
type TopicDeletionStatus uint8

const (
	DeletionNone TopicDeletionStatus = iota
	MarkedForDeletion
	DeletionStarted
	DeletionIneligible
)

func (s TopicDeletionStatus) String() string {
	switch s {
	case DeletionNone:
		return "None"
	case MarkedForDeletion:
		return "MarkedForDeletion"
	case DeletionStarted:
		return "DeletionStarted"
	case DeletionIneligible:
		return "Ineligible"
	default:
		return fmt.Sprintf("TopicDeletionStatus(%d)", uint8(s))
	}
}

// reassignmentContext tracks an in-flight partition reassignment.
type reassignmentContext struct {
	original []string
	target   []string
}

// controllerContext is the controller's cache of cluster metadata. It is
// owned by the controller's event loop and must not be touched from any
// other goroutine.
type controllerContext struct {
	epoch       uint64
	liveBrokers map[string]struct{}

	assignments map[string]map[int32][]string
	leadership  map[TopicPartition]*metadata.PartitionState

	replicaStates   map[PartitionReplica]ReplicaState
	partitionStates map[TopicPartition]PartitionState

	deletionEnabled       bool
	topicsToDelete        map[string]struct{}
	topicsIneligible      map[string]struct{}
	topicsDeletionStarted map[string]struct{}
	deletionQueuedAt      map[string]time.Time

	reassignments     map[TopicPartition]*reassignmentContext
	preferredElection map[TopicPartition]struct{}
}

func newControllerContext(epoch uint64) *controllerContext {
	return &controllerContext{
		epoch:                 epoch,
		liveBrokers:           make(map[string]struct{}),
		assignments:           make(map[string]map[int32][]string),
		leadership:            make(map[TopicPartition]*metadata.PartitionState),
		replicaStates:         make(map[PartitionReplica]ReplicaState),
		partitionStates:       make(map[TopicPartition]PartitionState),
		topicsToDelete:        make(map[string]struct{}),
		topicsIneligible:      make(map[string]struct{}),
		topicsDeletionStarted: make(map[string]struct{}),
		deletionQueuedAt:      make(map[string]time.Time),
		reassignments:         make(map[TopicPartition]*reassignmentContext),
		preferredElection:     make(map[TopicPartition]struct{}),
	}
}

func (c *controllerContext) isLive(broker string) bool {
	_, ok := c.liveBrokers[broker]
	return ok
}

func (c *controllerContext) topicExists(topic string) bool {
	_, ok := c.assignments[topic]
	return ok
}

// topics returns all known topics in sorted order.
func (c *controllerContext) topics() []string {
	topics := make([]string, 0, len(c.assignments))
	for topic := range c.assignments {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// replicasFor returns the assigned replicas of a partition.
func (c *controllerContext) replicasFor(tp TopicPartition) []string {
	return c.assignments[tp.Topic][tp.Partition]
}

// partitionsForTopic returns the partitions of a topic in index order.
func (c *controllerContext) partitionsForTopic(topic string) []TopicPartition {
	partitions := c.assignments[topic]
	ids := make([]int32, 0, len(partitions))
	for id := range partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	tps := make([]TopicPartition, len(ids))
	for i, id := range ids {
		tps[i] = TopicPartition{Topic: topic, Partition: id}
	}
	return tps
}

// replicasForTopic returns every assigned replica of a topic.
func (c *controllerContext) replicasForTopic(topic string) []PartitionReplica {
	var replicas []PartitionReplica
	for _, tp := range c.partitionsForTopic(topic) {
		replicas = append(replicas, c.replicasForPartition(tp)...)
	}
	return replicas
}

func (c *controllerContext) replicasForPartition(tp TopicPartition) []PartitionReplica {
	assigned := c.replicasFor(tp)
	replicas := make([]PartitionReplica, len(assigned))
	for i, r := range assigned {
		replicas[i] = PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r}
	}
	return replicas
}

// replicasOnBroker returns every assigned replica hosted by broker.
func (c *controllerContext) replicasOnBroker(broker string) []PartitionReplica {
	var replicas []PartitionReplica
	for _, topic := range c.topics() {
		for _, r := range c.replicasForTopic(topic) {
			if r.Replica == broker {
				replicas = append(replicas, r)
			}
		}
	}
	return replicas
}

func (c *controllerContext) replicaState(r PartitionReplica) ReplicaState {
	return c.replicaStates[r]
}

func (c *controllerContext) partitionState(tp TopicPartition) PartitionState {
	return c.partitionStates[tp]
}

func (c *controllerContext) isQueuedForDeletion(topic string) bool {
	_, ok := c.topicsToDelete[topic]
	return ok
}

func (c *controllerContext) isTopicIneligible(topic string) bool {
	_, ok := c.topicsIneligible[topic]
	return ok
}

// deletionStatus derives a topic's deletion status from the deletion sets.
func (c *controllerContext) deletionStatus(topic string) TopicDeletionStatus {
	if !c.isQueuedForDeletion(topic) {
		return DeletionNone
	}
	if c.isTopicIneligible(topic) {
		return DeletionIneligible
	}
	if _, ok := c.topicsDeletionStarted[topic]; ok {
		return DeletionStarted
	}
	return MarkedForDeletion
}

func (c *controllerContext) isReassigning(topic string) bool {
	for tp := range c.reassignments {
		if tp.Topic == topic {
			return true
		}
	}
	return false
}

func (c *controllerContext) isElectingPreferred(topic string) bool {
	for tp := range c.preferredElection {
		if tp.Topic == topic {
			return true
		}
	}
	return false
}

// removeTopic purges a topic from every map.
func (c *controllerContext) removeTopic(topic string) {
	for _, tp := range c.partitionsForTopic(topic) {
		delete(c.leadership, tp)
		delete(c.partitionStates, tp)
		delete(c.reassignments, tp)
		delete(c.preferredElection, tp)
	}
	for r := range c.replicaStates {
		if r.Topic == topic {
			delete(c.replicaStates, r)
		}
	}
	delete(c.assignments, topic)
	delete(c.topicsToDelete, topic)
	delete(c.topicsIneligible, topic)
	delete(c.topicsDeletionStarted, topic)
	delete(c.deletionQueuedAt, topic)
}

func containsReplica(replicas []string, replica string) bool {
	for _, r := range replicas {
		if r == replica {
			return true
		}
	}
	return false
}

// sameReplicas reports whether a and b hold the same replicas in the same
// order.
func sameReplicas(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// unionReplicas returns a followed by the members of b not in a.
func unionReplicas(a, b []string) []string {
	union := append([]string{}, a...)
	for _, r := range b {
		if !containsReplica(union, r) {
			union = append(union, r)
		}
	}
	return union
}

// subtractReplicas returns the members of a not in b.
func subtractReplicas(a, b []string) []string {
	var diff []string
	for _, r := range a {
		if !containsReplica(b, r) {
			diff = append(diff, r)
		}
	}
	return diff
}
