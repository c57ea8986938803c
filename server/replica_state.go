package server

import (
	"fmt"
)

// ReplicaState is the lifecycle state of a single partition replica.
type ReplicaState uint8

const (
	NonExistentReplica ReplicaState = iota
	NewReplica
	OnlineReplica
	OfflineReplica
	ReplicaDeletionStarted
	ReplicaDeletionSuccessful
	ReplicaDeletionIneligible
)

func (s ReplicaState) String() string {
	switch s {
	case NonExistentReplica:
		return "NonExistentReplica"
	case NewReplica:
		return "NewReplica"
	case OnlineReplica:
		return "OnlineReplica"
	case OfflineReplica:
		return "OfflineReplica"
	case ReplicaDeletionStarted:
		return "ReplicaDeletionStarted"
	case ReplicaDeletionSuccessful:
		return "ReplicaDeletionSuccessful"
	case ReplicaDeletionIneligible:
		return "ReplicaDeletionIneligible"
	default:
		return fmt.Sprintf("ReplicaState(%d)", uint8(s))
	}
}

// validReplicaPreviousStates lists, for each target state, the states a
// replica may move from. NonExistentReplica may be entered from any state.
var validReplicaPreviousStates = map[ReplicaState][]ReplicaState{
	NewReplica:                {NonExistentReplica},
	OnlineReplica:             {NewReplica, OfflineReplica, ReplicaDeletionIneligible},
	OfflineReplica:            {NewReplica, OnlineReplica, ReplicaDeletionIneligible},
	ReplicaDeletionStarted:    {OfflineReplica},
	ReplicaDeletionSuccessful: {ReplicaDeletionStarted},
	ReplicaDeletionIneligible: {ReplicaDeletionStarted},
}

func isValidReplicaTransition(from, to ReplicaState) bool {
	if to == NonExistentReplica {
		return true
	}
	for _, s := range validReplicaPreviousStates[to] {
		if s == from {
			return true
		}
	}
	return false
}

// illegalTransitionError is logged when a transition is rejected.
type illegalTransitionError struct {
	entity   string
	from, to fmt.Stringer
}

func (e *illegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %s from %s to %s", e.entity, e.from, e.to)
}

// replicaStateMachine tracks the state of every replica the controller
// knows about and applies the side effects of state changes. It runs only
// on the controller's event loop.
type replicaStateMachine struct {
	c *Controller
}

// startup seeds replica states after election: replicas on live brokers are
// online, the rest offline.
func (r *replicaStateMachine) startup() {
	ctx := r.c.ctx
	for _, topic := range ctx.topics() {
		for _, replica := range ctx.replicasForTopic(topic) {
			if ctx.isLive(replica.Replica) {
				ctx.replicaStates[replica] = OnlineReplica
			} else {
				ctx.replicaStates[replica] = OfflineReplica
			}
		}
	}
	r.c.logger.Debugf("replica state: initialized %d replicas", len(ctx.replicaStates))
}

// handleStateChanges moves each replica to target. Replicas whose current
// state does not permit the transition are logged and left unchanged. It
// returns the replicas that did transition.
func (r *replicaStateMachine) handleStateChanges(replicas []PartitionReplica, target ReplicaState) []PartitionReplica {
	var (
		ctx     = r.c.ctx
		changed = make([]PartitionReplica, 0, len(replicas))
		stop    = make(map[string][]PartitionReplica)
		offline = make(map[string][]PartitionReplica)
	)
	for _, replica := range replicas {
		current := ctx.replicaState(replica)
		if !isValidReplicaTransition(current, target) {
			r.c.logger.Warnf("replica state: %v", &illegalTransitionError{
				entity: replica.String(), from: current, to: target,
			})
			continue
		}
		if target == NonExistentReplica {
			delete(ctx.replicaStates, replica)
		} else {
			ctx.replicaStates[replica] = target
		}
		r.c.logger.Debugf("replica state: %s %s -> %s", replica, current, target)
		changed = append(changed, replica)

		switch target {
		case OfflineReplica:
			if ctx.isLive(replica.Replica) {
				offline[replica.Replica] = append(offline[replica.Replica], replica)
			}
		case ReplicaDeletionStarted:
			stop[replica.Replica] = append(stop[replica.Replica], replica)
		}
	}

	for broker, rs := range offline {
		r.c.sendStopReplica(broker, rs, false)
	}
	for broker, rs := range stop {
		r.c.sendStopReplica(broker, rs, true)
	}
	return changed
}

// replicasInState filters replicas by their current state.
func (r *replicaStateMachine) replicasInState(replicas []PartitionReplica, states ...ReplicaState) []PartitionReplica {
	var filtered []PartitionReplica
	for _, replica := range replicas {
		current := r.c.ctx.replicaState(replica)
		for _, s := range states {
			if current == s {
				filtered = append(filtered, replica)
				break
			}
		}
	}
	return filtered
}

// areAllReplicasInState reports whether every replica is in state. An empty
// list is trivially true.
func (r *replicaStateMachine) areAllReplicasInState(replicas []PartitionReplica, state ReplicaState) bool {
	for _, replica := range replicas {
		if r.c.ctx.replicaState(replica) != state {
			return false
		}
	}
	return true
}

// isAnyReplicaInState reports whether at least one replica is in state.
func (r *replicaStateMachine) isAnyReplicaInState(replicas []PartitionReplica, state ReplicaState) bool {
	for _, replica := range replicas {
		if r.c.ctx.replicaState(replica) == state {
			return true
		}
	}
	return false
}
