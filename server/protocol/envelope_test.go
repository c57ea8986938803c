package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Ensure we can marshal a LeaderAndISRRequest and then unmarshal it.
func TestMarshalUnmarshalLeaderAndISRRequest(t *testing.T) {
	req := &LeaderAndISRRequest{
		ControllerID:    "a",
		ControllerEpoch: 3,
		Partitions: []*PartitionLeaderState{{
			Topic:       "foo",
			Partition:   1,
			Leader:      "b",
			LeaderEpoch: 7,
			ISR:         []string{"b", "c"},
			Replicas:    []string{"a", "b", "c"},
		}},
	}
	envelope, err := MarshalLeaderAndISRRequest(req)
	require.NoError(t, err)

	unmarshaled, err := UnmarshalLeaderAndISRRequest(envelope)
	require.NoError(t, err)

	require.Equal(t, req, unmarshaled)
}

// Ensure we can marshal a LeaderAndISRResponse and then unmarshal it.
func TestMarshalUnmarshalLeaderAndISRResponse(t *testing.T) {
	resp := &LeaderAndISRResponse{
		BrokerID: "b",
		Partitions: []*PartitionResult{
			{Topic: "foo", Partition: 0},
			{Topic: "foo", Partition: 1, Error: "disk full"},
		},
	}
	envelope, err := MarshalLeaderAndISRResponse(resp)
	require.NoError(t, err)

	unmarshaled, err := UnmarshalLeaderAndISRResponse(envelope)
	require.NoError(t, err)

	require.Equal(t, resp, unmarshaled)
}

// Ensure we can marshal a StopReplicaRequest and then unmarshal it.
func TestMarshalUnmarshalStopReplicaRequest(t *testing.T) {
	req := &StopReplicaRequest{
		ControllerID:    "a",
		ControllerEpoch: 2,
		Delete:          true,
		Partitions:      []*TopicPartition{{Topic: "foo", Partition: 0}},
	}
	envelope, err := MarshalStopReplicaRequest(req)
	require.NoError(t, err)

	unmarshaled, err := UnmarshalStopReplicaRequest(envelope)
	require.NoError(t, err)

	require.Equal(t, req, unmarshaled)
}

// Ensure we can marshal a StopReplicaResponse and then unmarshal it.
func TestMarshalUnmarshalStopReplicaResponse(t *testing.T) {
	resp := &StopReplicaResponse{
		BrokerID:   "c",
		Error:      "stale controller epoch",
		Partitions: []*PartitionResult{{Topic: "foo", Partition: 2}},
	}
	envelope, err := MarshalStopReplicaResponse(resp)
	require.NoError(t, err)

	unmarshaled, err := UnmarshalStopReplicaResponse(envelope)
	require.NoError(t, err)

	require.Equal(t, resp, unmarshaled)
}

// Ensure we can marshal a Heartbeat and then unmarshal it.
func TestMarshalUnmarshalHeartbeat(t *testing.T) {
	hb := &Heartbeat{BrokerID: "a", Timestamp: time.Now().UnixNano()}
	envelope, err := MarshalHeartbeat(hb)
	require.NoError(t, err)

	unmarshaled, err := UnmarshalHeartbeat(envelope)
	require.NoError(t, err)

	require.Equal(t, hb, unmarshaled)
}

// Ensure we can marshal a PropagatedRequest and then unmarshal it.
func TestMarshalUnmarshalPropagatedRequest(t *testing.T) {
	req := &PropagatedRequest{
		Op: OpAddPartitions,
		AddPartitionsOp: &AddPartitionsOp{
			Topic:      "foo",
			Count:      3,
			Assignment: map[int32][]string{2: {"a", "b"}},
		},
	}
	envelope, err := MarshalPropagatedRequest(req)
	require.NoError(t, err)

	unmarshaled, err := UnmarshalPropagatedRequest(envelope)
	require.NoError(t, err)

	require.Equal(t, req, unmarshaled)
}

// Ensure we can marshal a PropagatedResponse and then unmarshal it.
func TestMarshalUnmarshalPropagatedResponse(t *testing.T) {
	resp := &PropagatedResponse{
		Op:    OpDeleteTopic,
		Error: &Error{Code: 5, Msg: "unknown topic"},
	}
	envelope, err := MarshalPropagatedResponse(resp)
	require.NoError(t, err)

	unmarshaled, err := UnmarshalPropagatedResponse(envelope)
	require.NoError(t, err)

	require.Equal(t, resp, unmarshaled)
}

// Ensure every envelope carries a valid CRC header.
func TestMarshalEnvelopeHeader(t *testing.T) {
	msg, err := MarshalHeartbeat(&Heartbeat{BrokerID: "a"})
	require.NoError(t, err)

	require.Equal(t, []byte{0xB9, 0x0E, 0x43, 0xB4}, msg[:4])
	require.Equal(t, byte(envelopeProtoV0), msg[4])
	require.Equal(t, byte(envelopeCRCHeaderLen), msg[5])
	require.True(t, hasBit(msg[6], flagCRC))
	require.Equal(t, byte(msgTypeHeartbeat), msg[7])
}

// Ensure unmarshalEnvelope returns an error if there is not enough data for an
// envelope.
func TestUnmarshalEnvelopeUnderflow(t *testing.T) {
	_, err := UnmarshalHeartbeat([]byte{})
	require.Error(t, err)
}

// Ensure unmarshalEnvelope returns an error if the magic number is different.
func TestUnmarshalEnvelopeUnexpectedMagicNumber(t *testing.T) {
	_, err := UnmarshalHeartbeat([]byte("foobarbaz"))
	require.Error(t, err)
}

// Ensure unmarshalEnvelope returns an error if the protocol version is
// unknown.
func TestUnmarshalEnvelopeUnexpectedProtoVersion(t *testing.T) {
	msg, err := MarshalHeartbeat(new(Heartbeat))
	require.NoError(t, err)
	msg[4] = 0x01
	_, err = UnmarshalHeartbeat(msg)
	require.Error(t, err)
}

// Ensure unmarshalEnvelope returns an error if the CRC flag is set but the
// header is too short to hold one.
func TestUnmarshalEnvelopeMissingCRC(t *testing.T) {
	msg, err := MarshalHeartbeat(new(Heartbeat))
	require.NoError(t, err)
	msg[5] = byte(envelopeMinHeaderLen)
	_, err = UnmarshalHeartbeat(msg)
	require.Error(t, err)
}

// Ensure unmarshalEnvelope returns an error if the payload does not match the
// CRC.
func TestUnmarshalEnvelopeMismatchedCRC(t *testing.T) {
	msg, err := MarshalStopReplicaRequest(&StopReplicaRequest{ControllerID: "a"})
	require.NoError(t, err)
	msg[envelopeCRCHeaderLen] ^= 0xFF
	_, err = UnmarshalStopReplicaRequest(msg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "crc mismatch")
}

// Ensure an envelope without the CRC flag is accepted.
func TestUnmarshalEnvelopeWithoutCRC(t *testing.T) {
	msg, err := MarshalHeartbeat(&Heartbeat{BrokerID: "a", Timestamp: 1})
	require.NoError(t, err)

	stripped := make([]byte, 0, len(msg)-4)
	stripped = append(stripped, msg[:envelopeMinHeaderLen]...)
	stripped = append(stripped, msg[envelopeCRCHeaderLen:]...)
	stripped[5] = byte(envelopeMinHeaderLen)
	stripped[6] = 0x00

	hb, err := UnmarshalHeartbeat(stripped)
	require.NoError(t, err)
	require.Equal(t, &Heartbeat{BrokerID: "a", Timestamp: 1}, hb)
}

// Ensure unmarshalEnvelope returns an error if the envelope's MsgType doesn't
// match the expected type.
func TestUnmarshalEnvelopeMismatchedType(t *testing.T) {
	msg, err := MarshalHeartbeat(new(Heartbeat))
	require.NoError(t, err)
	_, err = UnmarshalStopReplicaResponse(msg)
	require.Error(t, err)
}

// Ensure a header length beyond the data is rejected rather than panicking.
func TestUnmarshalEnvelopeHeaderOverflow(t *testing.T) {
	msg, err := MarshalHeartbeat(new(Heartbeat))
	require.NoError(t, err)
	msg = msg[:envelopeMinHeaderLen]
	_, err = UnmarshalHeartbeat(msg)
	require.Error(t, err)
}
