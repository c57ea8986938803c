// Package metadata implements the cluster metadata store: a hierarchical,
// versioned, watchable key-value tree with atomic multi-op transactions and
// controller-epoch fencing. The store is the source of truth for the
// controller; everything the controller holds in memory is a cache of it.
package metadata

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoNode is returned when an operation references a path that does not
	// exist.
	ErrNoNode = errors.New("node does not exist")

	// ErrNodeExists is returned when creating a path that already exists or
	// when a CheckAbsent condition fails.
	ErrNodeExists = errors.New("node already exists")

	// ErrBadVersion is returned when a conditional write names a version that
	// does not match the node's current version.
	ErrBadVersion = errors.New("version mismatch")

	// ErrStaleEpoch is returned when a fenced transaction carries a controller
	// epoch older than the one recorded in the store.
	ErrStaleEpoch = errors.New("stale controller epoch")

	// ErrNotLeader is returned by replicated stores when a write is attempted
	// on a node that is not the metadata leader.
	ErrNotLeader = errors.New("not metadata leader")
)

// AnyVersion disables the version check on Set and Delete.
const AnyVersion int64 = -1

// NoEpoch marks a transaction as an unfenced administrative write.
const NoEpoch uint64 = 0

// Node is a snapshot of a single path in the store.
type Node struct {
	Path    string
	Data    []byte
	Version int64
}

// OpType identifies a transaction operation.
type OpType uint8

const (
	// OpCreate creates a node, failing if it exists.
	OpCreate OpType = iota
	// OpSet overwrites an existing node, optionally checking its version.
	OpSet
	// OpPut creates or overwrites a node without conditions.
	OpPut
	// OpDelete removes a node, optionally checking its version.
	OpDelete
	// OpDeleteTree removes a node and all of its descendants. Missing nodes
	// are ignored.
	OpDeleteTree
	// OpCheckAbsent fails the transaction if the node exists.
	OpCheckAbsent
	// OpCheckVersion fails the transaction unless the node exists with the
	// given version.
	OpCheckVersion
)

func (o OpType) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpSet:
		return "set"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpDeleteTree:
		return "delete-tree"
	case OpCheckAbsent:
		return "check-absent"
	case OpCheckVersion:
		return "check-version"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Op is a single operation within a Txn.
type Op struct {
	Type    OpType `codec:"t"`
	Path    string `codec:"p"`
	Data    []byte `codec:"d"`
	Version int64  `codec:"v"`
}

// Txn is a set of operations applied atomically. A non-zero Epoch fences the
// transaction against the store's controller epoch.
type Txn struct {
	Epoch uint64 `codec:"e"`
	Ops   []Op   `codec:"o"`
}

// NewTxn returns a transaction fenced with the given controller epoch.
func NewTxn(epoch uint64, ops ...Op) *Txn {
	return &Txn{Epoch: epoch, Ops: ops}
}

// Create returns an OpCreate.
func Create(path string, data []byte) Op {
	return Op{Type: OpCreate, Path: path, Data: data}
}

// Set returns an OpSet. Use AnyVersion to skip the version check.
func Set(path string, data []byte, version int64) Op {
	return Op{Type: OpSet, Path: path, Data: data, Version: version}
}

// Put returns an OpPut.
func Put(path string, data []byte) Op {
	return Op{Type: OpPut, Path: path, Data: data}
}

// Delete returns an OpDelete. Use AnyVersion to skip the version check.
func Delete(path string, version int64) Op {
	return Op{Type: OpDelete, Path: path, Version: version}
}

// DeleteTree returns an OpDeleteTree.
func DeleteTree(path string) Op {
	return Op{Type: OpDeleteTree, Path: path}
}

// CheckAbsent returns an OpCheckAbsent.
func CheckAbsent(path string) Op {
	return Op{Type: OpCheckAbsent, Path: path}
}

// CheckVersion returns an OpCheckVersion.
func CheckVersion(path string, version int64) Op {
	return Op{Type: OpCheckVersion, Path: path, Version: version}
}

// WatchFunc receives the paths under a watched prefix that changed in a
// single committed transaction. Delivery is not exactly-once; receivers are
// expected to re-read the store rather than trust the notification. A
// WatchFunc must not block.
type WatchFunc func(paths []string)

// Store is the metadata store capability used by the controller and the
// admin API.
type Store interface {
	// Get returns the node at path or ErrNoNode.
	Get(path string) (*Node, error)

	// Children returns the sorted names of the direct children of path.
	Children(path string) ([]string, error)

	// Commit applies the transaction atomically.
	Commit(ctx context.Context, txn *Txn) error

	// Watch registers fn for changes at or below prefix. The returned
	// function cancels the watch.
	Watch(prefix string, fn WatchFunc) (cancel func())
}

// OpError reports which operation of a transaction failed.
type OpError struct {
	Op  Op
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op.Type, e.Op.Path, e.Err)
}

// Cause returns the underlying store error.
func (e *OpError) Cause() error { return e.Err }

// Unwrap returns the underlying store error.
func (e *OpError) Unwrap() error { return e.Err }

// FailedOp returns the operation that caused err, if any.
func FailedOp(err error) (Op, bool) {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Op, true
	}
	return Op{}, false
}

// IsNoNode indicates if err was caused by ErrNoNode.
func IsNoNode(err error) bool {
	return errors.Cause(err) == ErrNoNode
}

// IsNodeExists indicates if err was caused by ErrNodeExists.
func IsNodeExists(err error) bool {
	return errors.Cause(err) == ErrNodeExists
}

// IsBadVersion indicates if err was caused by ErrBadVersion.
func IsBadVersion(err error) bool {
	return errors.Cause(err) == ErrBadVersion
}

// IsStaleEpoch indicates if err was caused by ErrStaleEpoch.
func IsStaleEpoch(err error) bool {
	return errors.Cause(err) == ErrStaleEpoch
}

// Exists reports whether path exists in the store.
func Exists(s Store, path string) (bool, error) {
	_, err := s.Get(path)
	if err == nil {
		return true, nil
	}
	if IsNoNode(err) {
		return false, nil
	}
	return false, err
}
