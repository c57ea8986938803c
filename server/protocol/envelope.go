// Package protocol defines the messages exchanged between topicd servers over
// NATS and the envelope they are framed in.
//
// An envelope is an 8-byte header followed by an optional CRC-32C and a
// msgpack payload:
//
//	0       4         5          6      7        8      12
//	| magic | version | headerLen | flags | msgType | crc? | payload
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
)

// msgType indicates the type of message contained by an envelope.
type msgType byte

const (
	msgTypeLeaderAndISRRequest msgType = iota
	msgTypeLeaderAndISRResponse

	msgTypeStopReplicaRequest
	msgTypeStopReplicaResponse

	msgTypeHeartbeat

	msgTypePropagatedRequest
	msgTypePropagatedResponse

	msgTypeRaftJoinRequest
	msgTypeRaftJoinResponse
)

func (m msgType) String() string {
	switch m {
	case msgTypeLeaderAndISRRequest:
		return "LeaderAndISRRequest"
	case msgTypeLeaderAndISRResponse:
		return "LeaderAndISRResponse"
	case msgTypeStopReplicaRequest:
		return "StopReplicaRequest"
	case msgTypeStopReplicaResponse:
		return "StopReplicaResponse"
	case msgTypeHeartbeat:
		return "Heartbeat"
	case msgTypePropagatedRequest:
		return "PropagatedRequest"
	case msgTypePropagatedResponse:
		return "PropagatedResponse"
	case msgTypeRaftJoinRequest:
		return "RaftJoinRequest"
	case msgTypeRaftJoinResponse:
		return "RaftJoinResponse"
	default:
		return fmt.Sprintf("msgType(%d)", byte(m))
	}
}

const (
	// envelopeProtoV0 is version 0 of the envelope protocol.
	envelopeProtoV0 = 0x00

	// envelopeMinHeaderLen is the minimum length of the envelope header, i.e.
	// without CRC-32C set.
	envelopeMinHeaderLen = 8

	// envelopeCRCHeaderLen is the header length with CRC-32C set.
	envelopeCRCHeaderLen = envelopeMinHeaderLen + 4

	flagCRC = 0
)

var (
	// Encoding is the byte order to use for protocol serialization.
	Encoding = binary.BigEndian

	// envelopeMagicNumber marks a NATS message as a topicd envelope. It is
	// restricted to invalid UTF-8 to reduce the chance of a collision.
	envelopeMagicNumber    = []byte{0xB9, 0x0E, 0x43, 0xB4}
	envelopeMagicNumberLen = len(envelopeMagicNumber)

	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	msgpackHandle = &codec.MsgpackHandle{WriteExt: true}
)

// marshalEnvelope serializes msg with msgpack and frames it in an envelope
// carrying a CRC-32C of the payload.
func marshalEnvelope(msg interface{}, msgType msgType) ([]byte, error) {
	var data []byte
	if err := codec.NewEncoderBytes(&data, msgpackHandle).Encode(msg); err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s", msgType)
	}

	var (
		buf       = make([]byte, envelopeCRCHeaderLen+len(data))
		pos       = 0
		headerLen = envelopeCRCHeaderLen
	)
	copy(buf[pos:], envelopeMagicNumber)
	pos += envelopeMagicNumberLen
	buf[pos] = envelopeProtoV0 // Version
	pos++
	buf[pos] = byte(headerLen) // HeaderLen
	pos++
	buf[pos] = setBit(0x00, flagCRC) // Flags
	pos++
	buf[pos] = byte(msgType) // MsgType
	pos++
	Encoding.PutUint32(buf[pos:], crc32.Checksum(data, crc32cTable))
	pos += 4
	if pos != headerLen {
		panic(fmt.Sprintf("Payload position (%d) does not match expected HeaderLen (%d)",
			pos, headerLen))
	}
	copy(buf[pos:], data)
	return buf, nil
}

// unmarshalEnvelope deserializes an envelope into msg.
func unmarshalEnvelope(data []byte, msg interface{}, msgType msgType) error {
	payload, err := checkEnvelope(data, msgType)
	if err != nil {
		return err
	}
	return errors.Wrapf(codec.NewDecoderBytes(payload, msgpackHandle).Decode(msg),
		"failed to decode %s", msgType)
}

func checkEnvelope(data []byte, expectedType msgType) ([]byte, error) {
	if len(data) < envelopeMinHeaderLen {
		return nil, errors.New("data missing envelope header")
	}
	if !bytes.Equal(data[:envelopeMagicNumberLen], envelopeMagicNumber) {
		return nil, errors.New("unexpected envelope magic number")
	}
	if data[4] != envelopeProtoV0 {
		return nil, fmt.Errorf("unknown envelope protocol: %v", data[4])
	}

	var (
		headerLen  = int(data[5])
		flags      = data[6]
		actualType = msgType(data[7])
	)
	if headerLen < envelopeMinHeaderLen || headerLen > len(data) {
		return nil, errors.New("incorrect envelope header size")
	}
	payload := data[headerLen:]

	if actualType != expectedType {
		return nil, fmt.Errorf("MsgType mismatch: expected %v, got %v", expectedType, actualType)
	}

	if hasBit(flags, flagCRC) {
		if headerLen != envelopeCRCHeaderLen {
			return nil, errors.New("incorrect envelope header size")
		}
		crc := Encoding.Uint32(data[envelopeMinHeaderLen:headerLen])
		if c := crc32.Checksum(payload, crc32cTable); c != crc {
			return nil, fmt.Errorf("crc mismatch: expected %d, got %d", crc, c)
		}
	}

	return payload, nil
}

func setBit(n byte, pos uint8) byte {
	return n | (1 << pos)
}

func hasBit(n byte, pos uint8) bool {
	return n&(1<<pos) > 0
}
