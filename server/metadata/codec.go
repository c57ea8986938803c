package metadata

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
)

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

// EncodeTxn serializes a transaction for the raft log.
func EncodeTxn(txn *Txn) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(txn); err != nil {
		return nil, errors.Wrap(err, "failed to encode txn")
	}
	return buf, nil
}

// DecodeTxn deserializes a transaction from the raft log.
func DecodeTxn(data []byte) (*Txn, error) {
	txn := &Txn{}
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(txn); err != nil {
		return nil, errors.Wrap(err, "failed to decode txn")
	}
	return txn, nil
}
