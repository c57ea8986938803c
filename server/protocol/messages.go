package protocol

// TopicPartition identifies a partition of a topic.
type TopicPartition struct {
	Topic     string `codec:"topic"`
	Partition int32  `codec:"partition"`
}

// PartitionLeaderState is the leadership the controller assigns to a
// partition replica.
type PartitionLeaderState struct {
	Topic       string   `codec:"topic"`
	Partition   int32    `codec:"partition"`
	Leader      string   `codec:"leader"`
	LeaderEpoch uint64   `codec:"leaderEpoch"`
	ISR         []string `codec:"isr"`
	Replicas    []string `codec:"replicas"`
}

// PartitionResult is a broker's per-partition outcome. An empty Error means
// success.
type PartitionResult struct {
	Topic     string `codec:"topic"`
	Partition int32  `codec:"partition"`
	Error     string `codec:"error"`
}

// LeaderAndISRRequest asks a broker to host (and create if needed) the given
// partition replicas.
type LeaderAndISRRequest struct {
	ControllerID    string                  `codec:"controllerId"`
	ControllerEpoch uint64                  `codec:"controllerEpoch"`
	Partitions      []*PartitionLeaderState `codec:"partitions"`
}

// LeaderAndISRResponse is a broker's reply to a LeaderAndISRRequest.
type LeaderAndISRResponse struct {
	BrokerID   string             `codec:"brokerId"`
	Error      string             `codec:"error"`
	Partitions []*PartitionResult `codec:"partitions"`
}

// StopReplicaRequest asks a broker to stop hosting the given replicas and,
// when Delete is set, remove their logs.
type StopReplicaRequest struct {
	ControllerID    string            `codec:"controllerId"`
	ControllerEpoch uint64            `codec:"controllerEpoch"`
	Delete          bool              `codec:"delete"`
	Partitions      []*TopicPartition `codec:"partitions"`
}

// StopReplicaResponse is a broker's reply to a StopReplicaRequest.
type StopReplicaResponse struct {
	BrokerID   string             `codec:"brokerId"`
	Error      string             `codec:"error"`
	Partitions []*PartitionResult `codec:"partitions"`
}

// Heartbeat is published periodically by every broker.
type Heartbeat struct {
	BrokerID  string `codec:"brokerId"`
	Timestamp int64  `codec:"timestamp"`
}

// Op is a metadata operation forwarded to the metadata leader.
type Op uint8

const (
	OpCreateTopic Op = iota
	OpDeleteTopic
	OpAddPartitions
	OpReassignPartitions
	OpSetTopicDeletionEnabled
	OpPreferredReplicaElection
)

func (o Op) String() string {
	switch o {
	case OpCreateTopic:
		return "CreateTopic"
	case OpDeleteTopic:
		return "DeleteTopic"
	case OpAddPartitions:
		return "AddPartitions"
	case OpReassignPartitions:
		return "ReassignPartitions"
	case OpSetTopicDeletionEnabled:
		return "SetTopicDeletionEnabled"
	case OpPreferredReplicaElection:
		return "PreferredReplicaElection"
	default:
		return "Unknown"
	}
}

// CreateTopicOp creates a topic with an explicit assignment.
type CreateTopicOp struct {
	Topic      string             `codec:"topic"`
	Assignment map[int32][]string `codec:"assignment"`
}

// DeleteTopicOp marks a topic for deletion.
type DeleteTopicOp struct {
	Topic string `codec:"topic"`
}

// AddPartitionsOp grows a topic to Count partitions.
type AddPartitionsOp struct {
	Topic      string             `codec:"topic"`
	Count      int32              `codec:"count"`
	Assignment map[int32][]string `codec:"assignment"`
}

// ReassignmentTarget is one partition's target replica list.
type ReassignmentTarget struct {
	Topic     string   `codec:"topic"`
	Partition int32    `codec:"partition"`
	Replicas  []string `codec:"replicas"`
}

// ReassignPartitionsOp submits a reassignment.
type ReassignPartitionsOp struct {
	Targets []*ReassignmentTarget `codec:"targets"`
}

// SetTopicDeletionEnabledOp toggles the deletion capability flag.
type SetTopicDeletionEnabledOp struct {
	Enabled bool `codec:"enabled"`
}

// PreferredReplicaElectionOp requests preferred leader election.
type PreferredReplicaElectionOp struct {
	Partitions []*TopicPartition `codec:"partitions"`
}

// PropagatedRequest is a metadata operation forwarded from a follower to the
// metadata leader. Exactly one op field matching Op is set.
type PropagatedRequest struct {
	Op                         Op                          `codec:"op"`
	CreateTopicOp              *CreateTopicOp              `codec:"createTopicOp"`
	DeleteTopicOp              *DeleteTopicOp              `codec:"deleteTopicOp"`
	AddPartitionsOp            *AddPartitionsOp            `codec:"addPartitionsOp"`
	ReassignPartitionsOp       *ReassignPartitionsOp       `codec:"reassignPartitionsOp"`
	SetTopicDeletionEnabledOp  *SetTopicDeletionEnabledOp  `codec:"setTopicDeletionEnabledOp"`
	PreferredReplicaElectionOp *PreferredReplicaElectionOp `codec:"preferredReplicaElectionOp"`
}

// Error carries a gRPC status code and message across the wire.
type Error struct {
	Code uint32 `codec:"code"`
	Msg  string `codec:"msg"`
}

// PropagatedResponse is the metadata leader's reply to a PropagatedRequest.
type PropagatedResponse struct {
	Op                 Op     `codec:"op"`
	Error              *Error `codec:"error"`
	ReassignmentStatus uint8  `codec:"reassignmentStatus"`
}

// RaftJoinRequest asks the metadata leader to add a server to the raft
// configuration.
type RaftJoinRequest struct {
	NodeID   string `codec:"nodeId"`
	NodeAddr string `codec:"nodeAddr"`
}

// RaftJoinResponse is the metadata leader's reply to a RaftJoinRequest.
type RaftJoinResponse struct {
	Error string `codec:"error"`
}

// MarshalLeaderAndISRRequest serializes a LeaderAndISRRequest into an
// envelope.
func MarshalLeaderAndISRRequest(req *LeaderAndISRRequest) ([]byte, error) {
	return marshalEnvelope(req, msgTypeLeaderAndISRRequest)
}

// UnmarshalLeaderAndISRRequest deserializes a LeaderAndISRRequest envelope.
func UnmarshalLeaderAndISRRequest(data []byte) (*LeaderAndISRRequest, error) {
	req := new(LeaderAndISRRequest)
	return req, unmarshalEnvelope(data, req, msgTypeLeaderAndISRRequest)
}

// MarshalLeaderAndISRResponse serializes a LeaderAndISRResponse into an
// envelope.
func MarshalLeaderAndISRResponse(resp *LeaderAndISRResponse) ([]byte, error) {
	return marshalEnvelope(resp, msgTypeLeaderAndISRResponse)
}

// UnmarshalLeaderAndISRResponse deserializes a LeaderAndISRResponse envelope.
func UnmarshalLeaderAndISRResponse(data []byte) (*LeaderAndISRResponse, error) {
	resp := new(LeaderAndISRResponse)
	return resp, unmarshalEnvelope(data, resp, msgTypeLeaderAndISRResponse)
}

// MarshalStopReplicaRequest serializes a StopReplicaRequest into an envelope.
func MarshalStopReplicaRequest(req *StopReplicaRequest) ([]byte, error) {
	return marshalEnvelope(req, msgTypeStopReplicaRequest)
}

// UnmarshalStopReplicaRequest deserializes a StopReplicaRequest envelope.
func UnmarshalStopReplicaRequest(data []byte) (*StopReplicaRequest, error) {
	req := new(StopReplicaRequest)
	return req, unmarshalEnvelope(data, req, msgTypeStopReplicaRequest)
}

// MarshalStopReplicaResponse serializes a StopReplicaResponse into an
// envelope.
func MarshalStopReplicaResponse(resp *StopReplicaResponse) ([]byte, error) {
	return marshalEnvelope(resp, msgTypeStopReplicaResponse)
}

// UnmarshalStopReplicaResponse deserializes a StopReplicaResponse envelope.
func UnmarshalStopReplicaResponse(data []byte) (*StopReplicaResponse, error) {
	resp := new(StopReplicaResponse)
	return resp, unmarshalEnvelope(data, resp, msgTypeStopReplicaResponse)
}

// MarshalHeartbeat serializes a Heartbeat into an envelope.
func MarshalHeartbeat(hb *Heartbeat) ([]byte, error) {
	return marshalEnvelope(hb, msgTypeHeartbeat)
}

// UnmarshalHeartbeat deserializes a Heartbeat envelope.
func UnmarshalHeartbeat(data []byte) (*Heartbeat, error) {
	hb := new(Heartbeat)
	return hb, unmarshalEnvelope(data, hb, msgTypeHeartbeat)
}

// MarshalPropagatedRequest serializes a PropagatedRequest into an envelope.
func MarshalPropagatedRequest(req *PropagatedRequest) ([]byte, error) {
	return marshalEnvelope(req, msgTypePropagatedRequest)
}

// UnmarshalPropagatedRequest deserializes a PropagatedRequest envelope.
func UnmarshalPropagatedRequest(data []byte) (*PropagatedRequest, error) {
	req := new(PropagatedRequest)
	return req, unmarshalEnvelope(data, req, msgTypePropagatedRequest)
}

// MarshalPropagatedResponse serializes a PropagatedResponse into an envelope.
func MarshalPropagatedResponse(resp *PropagatedResponse) ([]byte, error) {
	return marshalEnvelope(resp, msgTypePropagatedResponse)
}

// UnmarshalPropagatedResponse deserializes a PropagatedResponse envelope.
func UnmarshalPropagatedResponse(data []byte) (*PropagatedResponse, error) {
	resp := new(PropagatedResponse)
	return resp, unmarshalEnvelope(data, resp, msgTypePropagatedResponse)
}

// MarshalRaftJoinRequest serializes a RaftJoinRequest into an envelope.
func MarshalRaftJoinRequest(req *RaftJoinRequest) ([]byte, error) {
	return marshalEnvelope(req, msgTypeRaftJoinRequest)
}

// UnmarshalRaftJoinRequest deserializes a RaftJoinRequest envelope.
func UnmarshalRaftJoinRequest(data []byte) (*RaftJoinRequest, error) {
	req := new(RaftJoinRequest)
	return req, unmarshalEnvelope(data, req, msgTypeRaftJoinRequest)
}

// MarshalRaftJoinResponse serializes a RaftJoinResponse into an envelope.
func MarshalRaftJoinResponse(resp *RaftJoinResponse) ([]byte, error) {
	return marshalEnvelope(resp, msgTypeRaftJoinResponse)
}

// UnmarshalRaftJoinResponse deserializes a RaftJoinResponse envelope.
func UnmarshalRaftJoinResponse(data []byte) (*RaftJoinResponse, error) {
	resp := new(RaftJoinResponse)
	return resp, unmarshalEnvelope(data, resp, msgTypeRaftJoinResponse)
}
