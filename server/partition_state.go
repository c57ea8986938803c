package server

import (
	"fmt"

	"github.com/liftbridge-io/topicd/server/metadata"
)

// PartitionState is the lifecycle state of a partition.
type PartitionState uint8

const (
	NonExistentPartition PartitionState = iota
	NewPartition
	OnlinePartition
	OfflinePartition
)

func (s PartitionState) String() string {
	switch s {
	case NonExistentPartition:
		return "NonExistentPartition"
	case NewPartition:
		return "NewPartition"
	case OnlinePartition:
		return "OnlinePartition"
	case OfflinePartition:
		return "OfflinePartition"
	default:
		return fmt.Sprintf("PartitionState(%d)", uint8(s))
	}
}

var validPartitionPreviousStates = map[PartitionState][]PartitionState{
	NewPartition:         {NonExistentPartition},
	OnlinePartition:      {NewPartition, OnlinePartition, OfflinePartition},
	OfflinePartition:     {NewPartition, OnlinePartition},
	NonExistentPartition: {OfflinePartition},
}

func isValidPartitionTransition(from, to PartitionState) bool {
	for _, s := range validPartitionPreviousStates[to] {
		if s == from {
			return true
		}
	}
	return false
}

// leaderSelector picks a leader and ISR for a partition coming online. It
// returns an empty leader if no replica is eligible.
type leaderSelector func(tp TopicPartition, assigned []string, current *metadata.PartitionState) (string, []string)

// partitionStateMachine tracks partition states, elects leaders when
// partitions come online and clears leadership when they are taken offline
// for deletion. It runs only on the controller's event loop.
type partitionStateMachine struct {
	c *Controller
}

// startup seeds partition states after election from the stored leadership:
// partitions with a live leader are online, partitions without a state
// record are new, and the rest are offline.
func (p *partitionStateMachine) startup() {
	ctx := p.c.ctx
	for _, topic := range ctx.topics() {
		for _, tp := range ctx.partitionsForTopic(topic) {
			leadership, ok := ctx.leadership[tp]
			switch {
			case !ok:
				ctx.partitionStates[tp] = NewPartition
			case leadership.Leader != "" && ctx.isLive(leadership.Leader):
				ctx.partitionStates[tp] = OnlinePartition
			default:
				ctx.partitionStates[tp] = OfflinePartition
			}
		}
	}
	p.c.logger.Debugf("partition state: initialized %d partitions", len(ctx.partitionStates))
}

// handleStateChanges moves each partition to target using the default
// leader selector for online transitions.
func (p *partitionStateMachine) handleStateChanges(partitions []TopicPartition, target PartitionState) []TopicPartition {
	return p.handleStateChangesWithSelector(partitions, target, p.offlineLeaderSelector)
}

// handleStateChangesWithSelector moves each partition to target. Partitions
// whose current state does not permit the transition are logged and left
// unchanged. It returns the partitions that did transition.
func (p *partitionStateMachine) handleStateChangesWithSelector(partitions []TopicPartition,
	target PartitionState, selector leaderSelector) []TopicPartition {

	var (
		ctx     = p.c.ctx
		changed = make([]TopicPartition, 0, len(partitions))
	)
	for _, tp := range partitions {
		current := ctx.partitionState(tp)
		if !isValidPartitionTransition(current, target) {
			p.c.logger.Warnf("partition state: %v", &illegalTransitionError{
				entity: fmt.Sprintf("[topic=%s, partition=%d]", tp.Topic, tp.Partition),
				from:   current, to: target,
			})
			continue
		}
		switch target {
		case NewPartition:
			ctx.partitionStates[tp] = NewPartition
		case OnlinePartition:
			if !p.electLeader(tp, selector) {
				// No eligible replica. The partition keeps its state until
				// a replica's broker returns.
				continue
			}
			ctx.partitionStates[tp] = OnlinePartition
		case OfflinePartition:
			ctx.partitionStates[tp] = OfflinePartition
		case NonExistentPartition:
			delete(ctx.partitionStates, tp)
			delete(ctx.leadership, tp)
		}
		p.c.logger.Debugf("partition state: [topic=%s, partition=%d] %s -> %s",
			tp.Topic, tp.Partition, current, target)
		changed = append(changed, tp)
	}
	return changed
}

// triggerOnlinePartitionStateChange tries to bring every new or offline
// partition online, skipping topics queued for deletion.
func (p *partitionStateMachine) triggerOnlinePartitionStateChange() {
	ctx := p.c.ctx
	var partitions []TopicPartition
	for _, topic := range ctx.topics() {
		if ctx.isQueuedForDeletion(topic) {
			continue
		}
		for _, tp := range ctx.partitionsForTopic(topic) {
			switch ctx.partitionState(tp) {
			case NewPartition, OfflinePartition:
				partitions = append(partitions, tp)
			}
		}
	}
	p.handleStateChanges(partitions, OnlinePartition)
}

// offlinePartitionsForDeletion takes new and online partitions offline and
// clears the stored leader and ISR of every given partition so no replica
// serves them while they are torn down.
func (p *partitionStateMachine) offlinePartitionsForDeletion(partitions []TopicPartition) {
	ctx := p.c.ctx
	var active []TopicPartition
	for _, tp := range partitions {
		switch ctx.partitionState(tp) {
		case NewPartition, OnlinePartition:
			active = append(active, tp)
		}
	}
	p.handleStateChanges(active, OfflinePartition)

	for _, tp := range partitions {
		current := ctx.leadership[tp]
		if current != nil && current.Leader == "" && len(current.ISR) == 0 {
			continue
		}
		state := &metadata.PartitionState{ControllerEpoch: ctx.epoch}
		if current != nil {
			state.LeaderEpoch = current.LeaderEpoch + 1
		}
		if err := p.c.writePartitionState(tp, state); err != nil {
			p.c.logger.Errorf("partition state: failed to clear leadership for [topic=%s, partition=%d]: %v",
				tp.Topic, tp.Partition, err)
		}
	}
}

// electLeader selects a leader, writes the new leadership record and
// notifies the replicas. It returns false if no leader could be chosen or
// the write failed.
func (p *partitionStateMachine) electLeader(tp TopicPartition, selector leaderSelector) bool {
	var (
		ctx      = p.c.ctx
		assigned = ctx.replicasFor(tp)
		current  = ctx.leadership[tp]
	)
	leader, isr := selector(tp, assigned, current)
	if leader == "" {
		p.c.logger.Warnf("partition state: no live replica to lead [topic=%s, partition=%d] (replicas=%v)",
			tp.Topic, tp.Partition, assigned)
		return false
	}
	state := &metadata.PartitionState{
		Leader:          leader,
		ISR:             isr,
		ControllerEpoch: ctx.epoch,
	}
	if current != nil {
		state.LeaderEpoch = current.LeaderEpoch + 1
	}
	if err := p.c.writePartitionState(tp, state); err != nil {
		p.c.logger.Errorf("partition state: failed to write leadership for [topic=%s, partition=%d]: %v",
			tp.Topic, tp.Partition, err)
		return false
	}
	p.c.logger.Infof("partition state: elected %s leader for [topic=%s, partition=%d] (epoch=%d, isr=%v)",
		leader, tp.Topic, tp.Partition, state.LeaderEpoch, isr)
	p.c.sendLeaderAndISR(tp, assigned)
	return true
}

// offlineLeaderSelector prefers the first live replica in ISR order, then
// the first live assigned replica. The new ISR is the live part of the old
// ISR, or every live assigned replica if that is empty.
func (p *partitionStateMachine) offlineLeaderSelector(tp TopicPartition, assigned []string,
	current *metadata.PartitionState) (string, []string) {

	ctx := p.c.ctx
	var isr []string
	if current != nil {
		for _, r := range current.ISR {
			if ctx.isLive(r) && containsReplica(assigned, r) {
				isr = append(isr, r)
			}
		}
	}
	if len(isr) > 0 {
		return isr[0], isr
	}
	for _, r := range assigned {
		if ctx.isLive(r) {
			isr = append(isr, r)
		}
	}
	if len(isr) == 0 {
		return "", nil
	}
	return isr[0], isr
}

// preferredLeaderSelector elects the first assigned replica if it is live.
func (p *partitionStateMachine) preferredLeaderSelector(tp TopicPartition, assigned []string,
	current *metadata.PartitionState) (string, []string) {

	if len(assigned) == 0 || !p.c.ctx.isLive(assigned[0]) {
		return "", nil
	}
	preferred := assigned[0]
	isr := []string{preferred}
	if current != nil {
		for _, r := range current.ISR {
			if r != preferred && p.c.ctx.isLive(r) && containsReplica(assigned, r) {
				isr = append(isr, r)
			}
		}
	}
	return preferred, isr
}

// reassignedLeaderSelector restricts leadership and ISR to the target
// replicas of a reassignment.
func (p *partitionStateMachine) reassignedLeaderSelector(target []string) leaderSelector {
	return func(tp TopicPartition, _ []string, current *metadata.PartitionState) (string, []string) {
		var isr []string
		for _, r := range target {
			if p.c.ctx.isLive(r) {
				isr = append(isr, r)
			}
		}
		if len(isr) == 0 {
			return "", nil
		}
		if current != nil && containsReplica(isr, current.Leader) {
			return current.Leader, isr
		}
		return isr[0], isr
	}
}
