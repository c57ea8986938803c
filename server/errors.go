package server

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/liftbridge-io/topicd/server/metadata"
)

var (
	// ErrUnknownTopicOrPartition is returned when an operation names a topic
	// or partition that does not exist.
	ErrUnknownTopicOrPartition = errors.New("unknown topic or partition")

	// ErrAlreadyMarkedForDeletion is returned when deleting a topic whose
	// deletion is already pending.
	ErrAlreadyMarkedForDeletion = errors.New("topic already marked for deletion")

	// ErrReassignmentConflict is returned when reassigning partitions of a
	// topic that is pending deletion.
	ErrReassignmentConflict = errors.New("topic is pending deletion")

	// ErrReassignmentInProgress is returned when a reassignment is submitted
	// while another one is still running.
	ErrReassignmentInProgress = errors.New("partition reassignment already in progress")

	// ErrTopicExists is returned when creating a topic that already exists.
	ErrTopicExists = errors.New("topic already exists")

	// ErrReplicaUnreachable marks a replica whose broker could not be reached
	// during deletion. It is never returned to callers.
	ErrReplicaUnreachable = errors.New("replica unreachable")

	// ErrControllerNotActive is returned by controller queries when this
	// server is not the active controller.
	ErrControllerNotActive = errors.New("controller not active")
)

// statusFromError maps an error to the gRPC status returned to admin
// callers.
func statusFromError(err error) *status.Status {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	var code codes.Code
	switch errors.Cause(err) {
	case ErrUnknownTopicOrPartition:
		code = codes.NotFound
	case ErrAlreadyMarkedForDeletion, ErrTopicExists:
		code = codes.AlreadyExists
	case ErrReassignmentConflict, ErrReassignmentInProgress:
		code = codes.FailedPrecondition
	case metadata.ErrNotLeader:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.New(code, err.Error())
}
