package metadata

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// TopicPartition identifies a partition of a topic.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

// TopicAssignment is stored at topics/{topic} and maps each partition index
// to its ordered replica list. The first replica is the preferred leader.
type TopicAssignment struct {
	Partitions map[int32][]string `json:"partitions"`
}

// PartitionIDs returns the partition indexes in ascending order.
func (t *TopicAssignment) PartitionIDs() []int32 {
	ids := make([]int32, 0, len(t.Partitions))
	for id := range t.Partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PartitionState is stored at topics/{topic}/partitions/{p}/state.
type PartitionState struct {
	Leader          string   `json:"leader"`
	LeaderEpoch     uint64   `json:"leader_epoch"`
	ISR             []string `json:"isr"`
	ControllerEpoch uint64   `json:"controller_epoch"`
}

// ReassignmentEntry is one partition's target replica list.
type ReassignmentEntry struct {
	Topic     string   `json:"topic"`
	Partition int32    `json:"partition"`
	Replicas  []string `json:"replicas"`
}

// Reassignment is stored at admin/reassign_partitions.
type Reassignment struct {
	Partitions []ReassignmentEntry `json:"partitions"`
}

// Targets returns the reassignment as a map.
func (r *Reassignment) Targets() map[TopicPartition][]string {
	targets := make(map[TopicPartition][]string, len(r.Partitions))
	for _, e := range r.Partitions {
		targets[TopicPartition{Topic: e.Topic, Partition: e.Partition}] = e.Replicas
	}
	return targets
}

// NewReassignment builds a Reassignment from a target map with a
// deterministic entry order.
func NewReassignment(targets map[TopicPartition][]string) *Reassignment {
	r := &Reassignment{Partitions: make([]ReassignmentEntry, 0, len(targets))}
	for tp, replicas := range targets {
		r.Partitions = append(r.Partitions, ReassignmentEntry{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Replicas:  replicas,
		})
	}
	sort.Slice(r.Partitions, func(i, j int) bool {
		a, b := r.Partitions[i], r.Partitions[j]
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		return a.Partition < b.Partition
	})
	return r
}

// PreferredElection is stored at admin/preferred_replica_election.
type PreferredElection struct {
	Partitions []TopicPartition `json:"partitions"`
}

// ControllerRecord is stored at controller.
type ControllerRecord struct {
	ID    string `json:"id"`
	Epoch uint64 `json:"epoch"`
}

// Encode marshals a record to its stored JSON form.
func Encode(record interface{}) []byte {
	data, err := json.Marshal(record)
	if err != nil {
		// Records are plain structs, so this can only be a programming error.
		panic(err)
	}
	return data
}

// Decode unmarshals stored JSON into record.
func Decode(data []byte, record interface{}) error {
	return errors.Wrap(json.Unmarshal(data, record), "failed to decode record")
}

// ReadTopicAssignment reads a topic's assignment record and its version.
func ReadTopicAssignment(s Store, topic string) (*TopicAssignment, int64, error) {
	node, err := s.Get(TopicPath(topic))
	if err != nil {
		return nil, 0, err
	}
	assignment := &TopicAssignment{}
	if err := Decode(node.Data, assignment); err != nil {
		return nil, 0, err
	}
	if assignment.Partitions == nil {
		assignment.Partitions = map[int32][]string{}
	}
	return assignment, node.Version, nil
}

// ReadPartitionState reads a partition's leader/ISR record. The returned
// version is -1 with a nil state if the record does not exist.
func ReadPartitionState(s Store, topic string, partition int32) (*PartitionState, int64, error) {
	node, err := s.Get(PartitionStatePath(topic, partition))
	if IsNoNode(err) {
		return nil, -1, nil
	}
	if err != nil {
		return nil, 0, err
	}
	state := &PartitionState{}
	if err := Decode(node.Data, state); err != nil {
		return nil, 0, err
	}
	return state, node.Version, nil
}

// ReadReassignment reads the pending reassignment request. A missing node
// yields an empty request with version -1.
func ReadReassignment(s Store) (*Reassignment, int64, error) {
	node, err := s.Get(ReassignPartitionsPath)
	if IsNoNode(err) {
		return &Reassignment{}, -1, nil
	}
	if err != nil {
		return nil, 0, err
	}
	r := &Reassignment{}
	if err := Decode(node.Data, r); err != nil {
		return nil, 0, err
	}
	return r, node.Version, nil
}

// ReadPreferredElection reads the pending preferred replica election request.
// A missing node yields an empty request with version -1.
func ReadPreferredElection(s Store) (*PreferredElection, int64, error) {
	node, err := s.Get(PreferredReplicaElectionPath)
	if IsNoNode(err) {
		return &PreferredElection{}, -1, nil
	}
	if err != nil {
		return nil, 0, err
	}
	p := &PreferredElection{}
	if err := Decode(node.Data, p); err != nil {
		return nil, 0, err
	}
	return p, node.Version, nil
}

// ReadDeletionEnabled reports whether topic deletion is enabled. Only the
// literal "true" enables it; any other value or a missing node disables it.
func ReadDeletionEnabled(s Store) (bool, error) {
	node, err := s.Get(DeleteTopicsEnabledPath)
	if IsNoNode(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(node.Data) == "true", nil
}
