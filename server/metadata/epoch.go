package metadata

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// CurrentEpoch returns the controller epoch recorded in the store, or 0 if
// no controller has been elected yet.
func CurrentEpoch(s Store) (uint64, error) {
	node, err := s.Get(ControllerEpochPath)
	if IsNoNode(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	epoch, err := strconv.ParseUint(string(node.Data), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "malformed controller epoch")
	}
	return epoch, nil
}

// ClaimEpoch increments the controller epoch with a compare-and-swap on the
// epoch node and returns the new epoch. It fails with ErrBadVersion or
// ErrNodeExists if another controller claimed an epoch concurrently.
func ClaimEpoch(ctx context.Context, s Store) (uint64, error) {
	node, err := s.Get(ControllerEpochPath)
	if err != nil && !IsNoNode(err) {
		return 0, err
	}
	var op Op
	next := uint64(1)
	if node == nil {
		op = Create(ControllerEpochPath, []byte(strconv.FormatUint(next, 10)))
	} else {
		current, err := strconv.ParseUint(string(node.Data), 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, "malformed controller epoch")
		}
		next = current + 1
		op = Set(ControllerEpochPath, []byte(strconv.FormatUint(next, 10)), node.Version)
	}
	if err := s.Commit(ctx, NewTxn(NoEpoch, op)); err != nil {
		return 0, errors.Wrap(err, "failed to claim controller epoch")
	}
	return next, nil
}
