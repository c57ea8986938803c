package server

import (
	"sort"
	"time"

	"github.com/liftbridge-io/topicd/server/metadata"
)

// topicDeletionManager drives topics queued for deletion through the
// partition and replica state machines. A topic's metadata and marker are
// removed only once every replica of every partition has been deleted.
// Deletion halts, rather than fails, while a replica's broker is down or the
// topic is being reassigned, and resumes on membership changes and on the
// periodic retry sweep. It runs only on the controller's event loop.
type topicDeletionManager struct {
	c *Controller
}

// MarkTopicsForDeletion queues topics for deletion and starts deleting the
// eligible ones. It returns the topics that were already queued. Unknown
// topics have their marker removed. If deletion is disabled, the markers of
// the given topics are removed instead.
func (d *topicDeletionManager) MarkTopicsForDeletion(topics []string) []string {
	var (
		ctx     = d.c.ctx
		already []string
		added   []string
	)
	for _, topic := range topics {
		switch {
		case ctx.isQueuedForDeletion(topic):
			already = append(already, topic)
		case !ctx.topicExists(topic):
			d.removeStrayMarker(topic)
		default:
			added = append(added, topic)
		}
	}
	if len(added) == 0 {
		return already
	}
	if !ctx.deletionEnabled {
		d.c.logger.Warnf("deletion: topic deletion is disabled, removing markers for %v", added)
		d.removeMarkers(added)
		return already
	}
	now := time.Now()
	for _, topic := range added {
		ctx.topicsToDelete[topic] = struct{}{}
		ctx.deletionQueuedAt[topic] = now
		d.c.logger.Infof("deletion: topic %s marked for deletion", topic)
	}
	d.ResumeDeletionForTopics(added)
	return already
}

// onMarkersChanged reconciles the queued set with the markers in the store.
// New markers are queued and markers removed from outside the controller
// cancel their topic's deletion.
func (d *topicDeletionManager) onMarkersChanged() {
	ctx := d.c.ctx
	markers, err := d.c.store.Children(metadata.DeleteTopicsPath)
	if err != nil {
		d.c.logger.Errorf("deletion: failed to list deletion markers: %v", err)
		return
	}
	marked := make(map[string]struct{}, len(markers))
	var unknown bool
	for _, topic := range markers {
		marked[topic] = struct{}{}
		if !ctx.topicExists(topic) {
			unknown = true
		}
	}
	if unknown {
		// A topic created just before its marker may not have been seen yet.
		d.c.onTopicsChanged()
	}

	var cancelled []string
	for topic := range ctx.topicsToDelete {
		if _, ok := marked[topic]; !ok {
			cancelled = append(cancelled, topic)
		}
	}
	if len(cancelled) > 0 {
		sort.Strings(cancelled)
		d.c.logger.Infof("deletion: markers for %v were removed, cancelling deletion", cancelled)
		d.cancelDeletions(cancelled)
	}

	var fresh []string
	for _, topic := range markers {
		if !ctx.isQueuedForDeletion(topic) {
			fresh = append(fresh, topic)
		}
	}
	if len(fresh) > 0 {
		d.MarkTopicsForDeletion(fresh)
	}
}

// ResumeDeletions rebuilds the queued set from the markers in the store. It
// is called when this controller becomes active and when deletion is
// re-enabled.
func (d *topicDeletionManager) ResumeDeletions() {
	ctx := d.c.ctx
	ctx.topicsToDelete = make(map[string]struct{})
	ctx.topicsIneligible = make(map[string]struct{})
	ctx.topicsDeletionStarted = make(map[string]struct{})
	ctx.deletionQueuedAt = make(map[string]time.Time)

	markers, err := d.c.store.Children(metadata.DeleteTopicsPath)
	if err != nil {
		d.c.logger.Errorf("deletion: failed to list deletion markers: %v", err)
		return
	}
	var queued []string
	for _, topic := range markers {
		if !ctx.topicExists(topic) {
			d.removeStrayMarker(topic)
			continue
		}
		queued = append(queued, topic)
	}
	if len(queued) == 0 {
		return
	}
	if !ctx.deletionEnabled {
		d.c.logger.Warnf("deletion: topic deletion is disabled, removing markers for %v", queued)
		d.removeMarkers(queued)
		return
	}

	now := time.Now()
	for _, topic := range queued {
		ctx.topicsToDelete[topic] = struct{}{}
		ctx.deletionQueuedAt[topic] = now
		if ctx.isReassigning(topic) || ctx.isElectingPreferred(topic) {
			d.markIneligible(topic, "partition reassignment or preferred replica election in progress")
		}
	}
	d.c.logger.Infof("deletion: resuming deletion of %v", queued)
	d.ResumeDeletionForTopics(queued)
}

// IsTopicEligibleForDeletion reports whether deletion of a queued topic may
// proceed.
func (d *topicDeletionManager) IsTopicEligibleForDeletion(topic string) bool {
	ctx := d.c.ctx
	return ctx.isQueuedForDeletion(topic) &&
		ctx.deletionEnabled &&
		!ctx.isReassigning(topic) &&
		!ctx.isElectingPreferred(topic)
}

// ResumeDeletionForTopics starts or continues deleting the given topics.
// Topics marked ineligible are skipped until a retry clears them.
func (d *topicDeletionManager) ResumeDeletionForTopics(topics []string) {
	ctx := d.c.ctx
	for _, topic := range topics {
		if !ctx.isQueuedForDeletion(topic) || ctx.isTopicIneligible(topic) {
			continue
		}
		if !d.IsTopicEligibleForDeletion(topic) {
			d.markIneligible(topic, "partition reassignment or preferred replica election in progress")
			continue
		}
		d.onTopicDeletion(topic)
	}
}

// HaltTopicDeletion marks a topic ineligible because a broker hosting one of
// its replicas is down.
func (d *topicDeletionManager) HaltTopicDeletion(topic string) {
	d.markIneligible(topic, ErrReplicaUnreachable.Error())
}

// OnDeletionCapabilityChanged reacts to the deletion capability flag
// flipping. Disabling cancels every queued deletion without deleting any
// more data. Enabling restarts the protocol from the markers in the store.
func (d *topicDeletionManager) OnDeletionCapabilityChanged(enabled bool) {
	if enabled {
		d.c.logger.Infof("deletion: topic deletion enabled")
		d.ResumeDeletions()
		return
	}
	queued := make([]string, 0, len(d.c.ctx.topicsToDelete))
	for topic := range d.c.ctx.topicsToDelete {
		queued = append(queued, topic)
	}
	sort.Strings(queued)
	d.c.logger.Infof("deletion: topic deletion disabled, cancelling deletion of %v", queued)
	if len(queued) > 0 {
		d.removeMarkers(queued)
		d.cancelDeletions(queued)
	}
}

// retry clears the ineligible mark of every queued topic that can make
// progress again and resumes it.
func (d *topicDeletionManager) retry() {
	ctx := d.c.ctx
	var topics []string
	for topic := range ctx.topicsToDelete {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if ctx.isTopicIneligible(topic) && d.canResume(topic) {
			d.c.logger.Infof("deletion: retrying deletion of topic %s", topic)
			delete(ctx.topicsIneligible, topic)
		}
	}
	d.ResumeDeletionForTopics(topics)
}

// canResume reports whether an ineligible topic could make progress: it is
// eligible and every replica not yet deleted is on a live broker.
func (d *topicDeletionManager) canResume(topic string) bool {
	if !d.IsTopicEligibleForDeletion(topic) {
		return false
	}
	ctx := d.c.ctx
	for _, replica := range ctx.replicasForTopic(topic) {
		if ctx.replicaState(replica) != ReplicaDeletionSuccessful && !ctx.isLive(replica.Replica) {
			return false
		}
	}
	return true
}

func (d *topicDeletionManager) markIneligible(topic, reason string) {
	ctx := d.c.ctx
	if !ctx.isQueuedForDeletion(topic) || ctx.isTopicIneligible(topic) {
		return
	}
	ctx.topicsIneligible[topic] = struct{}{}
	d.c.logger.Warnf("deletion: halting deletion of topic %s: %s", topic, reason)
}

// onTopicDeletion takes the topic's partitions offline and dispatches
// deletes to every replica on a live broker. Replicas on down brokers halt
// the topic.
func (d *topicDeletionManager) onTopicDeletion(topic string) {
	ctx := d.c.ctx
	if _, ok := d.refreshAssignment(topic); !ok {
		return
	}
	if _, ok := ctx.topicsDeletionStarted[topic]; !ok {
		ctx.topicsDeletionStarted[topic] = struct{}{}
		d.c.logger.Infof("deletion: starting deletion of topic %s", topic)
	}

	d.c.partitions.offlinePartitionsForDeletion(ctx.partitionsForTopic(topic))

	var live, dead []PartitionReplica
	for _, replica := range ctx.replicasForTopic(topic) {
		switch ctx.replicaState(replica) {
		case ReplicaDeletionSuccessful, ReplicaDeletionStarted:
			continue
		}
		if ctx.isLive(replica.Replica) {
			live = append(live, replica)
		} else {
			dead = append(dead, replica)
		}
	}

	movable := []ReplicaState{NewReplica, OnlineReplica, ReplicaDeletionIneligible}
	d.c.replicas.handleStateChanges(d.c.replicas.replicasInState(dead, movable...), OfflineReplica)
	d.c.replicas.handleStateChanges(d.c.replicas.replicasInState(live, movable...), OfflineReplica)
	d.c.replicas.handleStateChanges(d.c.replicas.replicasInState(live, OfflineReplica), ReplicaDeletionStarted)

	if len(dead) > 0 {
		d.HaltTopicDeletion(topic)
	}
	d.completeIfDone(topic)
}

// refreshAssignment re-reads a queued topic's assignment from the store so
// partitions added after it was queued are deleted too. It returns the
// version of the assignment read, and false if the topic no longer exists
// or could not be read.
func (d *topicDeletionManager) refreshAssignment(topic string) (int64, bool) {
	ctx := d.c.ctx
	assignment, version, err := metadata.ReadTopicAssignment(d.c.store, topic)
	if metadata.IsNoNode(err) {
		d.c.logger.Warnf("deletion: topic %s disappeared from the store", topic)
		d.removeMarkers([]string{topic})
		ctx.removeTopic(topic)
		return 0, false
	}
	if err != nil {
		d.c.logger.Errorf("deletion: failed to read assignment for topic %s: %v", topic, err)
		return 0, false
	}
	existing := ctx.assignments[topic]
	var added []TopicPartition
	for _, id := range assignment.PartitionIDs() {
		if _, ok := existing[id]; ok {
			continue
		}
		existing[id] = assignment.Partitions[id]
		added = append(added, TopicPartition{Topic: topic, Partition: id})
	}
	if len(added) > 0 {
		d.c.logger.Infof("deletion: topic %s gained %d partitions while queued for deletion", topic, len(added))
		var replicas []PartitionReplica
		for _, tp := range added {
			replicas = append(replicas, ctx.replicasForPartition(tp)...)
		}
		d.c.partitions.handleStateChanges(added, NewPartition)
		d.c.replicas.handleStateChanges(replicas, NewReplica)
	}
	return version, true
}

// onReplicaDeletionCompleted records stop-replica outcomes for replicas that
// were in ReplicaDeletionStarted. Replicas of topics that are not queued
// were dropped by a reassignment.
func (d *topicDeletionManager) onReplicaDeletionCompleted(succeeded, failed []PartitionReplica) {
	ctx := d.c.ctx
	topics := make(map[string]struct{})
	var dropped []PartitionReplica
	for _, replica := range succeeded {
		if !ctx.isQueuedForDeletion(replica.Topic) {
			dropped = append(dropped, replica)
			continue
		}
		topics[replica.Topic] = struct{}{}
	}
	d.c.replicas.handleStateChanges(dropped, NonExistentReplica)

	for _, replica := range failed {
		if ctx.isQueuedForDeletion(replica.Topic) {
			d.markIneligible(replica.Topic, ErrReplicaUnreachable.Error())
		}
	}

	sorted := make([]string, 0, len(topics))
	for topic := range topics {
		sorted = append(sorted, topic)
	}
	sort.Strings(sorted)
	for _, topic := range sorted {
		d.completeIfDone(topic)
	}
}

func (d *topicDeletionManager) completeIfDone(topic string) {
	ctx := d.c.ctx
	if !ctx.isQueuedForDeletion(topic) {
		return
	}
	if d.c.replicas.areAllReplicasInState(ctx.replicasForTopic(topic), ReplicaDeletionSuccessful) {
		d.completeDeleteTopic(topic)
	}
}

// completeDeleteTopic removes the topic's metadata and its marker in a
// single transaction and purges it from the context. The transaction is
// conditional on the assignment the deletion last saw, so partitions added
// concurrently are never removed undeleted. If the commit fails, the topic
// stays queued and the retry sweep completes it later.
func (d *topicDeletionManager) completeDeleteTopic(topic string) {
	ctx := d.c.ctx
	version, ok := d.refreshAssignment(topic)
	if !ok {
		return
	}
	if !d.c.replicas.areAllReplicasInState(ctx.replicasForTopic(topic), ReplicaDeletionSuccessful) {
		d.ResumeDeletionForTopics([]string{topic})
		return
	}
	err := d.c.commit(
		metadata.CheckVersion(metadata.TopicPath(topic), version),
		metadata.DeleteTree(metadata.TopicPath(topic)),
		metadata.DeleteTree(metadata.DeleteTopicPath(topic)),
	)
	if metadata.IsBadVersion(err) {
		d.c.logger.Infof("deletion: assignment of topic %s changed, deferring completion", topic)
		return
	}
	if err != nil {
		d.c.logger.Errorf("deletion: failed to remove metadata of topic %s: %v", topic, err)
		return
	}
	d.c.replicas.handleStateChanges(ctx.replicasForTopic(topic), NonExistentReplica)
	d.c.partitions.handleStateChanges(ctx.partitionsForTopic(topic), NonExistentPartition)
	if queuedAt, ok := ctx.deletionQueuedAt[topic]; ok {
		d.c.stats.RecordCompletion(time.Since(queuedAt))
	}
	ctx.removeTopic(topic)
	d.c.logger.Infof("deletion: deleted topic %s", topic)
}

// cancelDeletions drops topics from the deletion sets and restores their
// replicas and partitions. Replicas on live brokers go back online and
// leader-and-isr requests recreate any logs that were already deleted.
// Completions of stop-replica requests already in flight are ignored since
// the replicas are no longer in ReplicaDeletionStarted.
func (d *topicDeletionManager) cancelDeletions(topics []string) {
	ctx := d.c.ctx
	for _, topic := range topics {
		delete(ctx.topicsToDelete, topic)
		delete(ctx.topicsIneligible, topic)
		delete(ctx.topicsDeletionStarted, topic)
		delete(ctx.deletionQueuedAt, topic)
		d.restoreReplicas(ctx.replicasForTopic(topic))
		for _, tp := range ctx.partitionsForTopic(topic) {
			if ctx.partitionState(tp) == OnlinePartition {
				d.c.sendLeaderAndISR(tp, ctx.replicasFor(tp))
			}
		}
	}
	d.c.partitions.triggerOnlinePartitionStateChange()
}

// restoreReplicas brings the replicas of a cancelled deletion back to
// OnlineReplica, or OfflineReplica on down brokers. Replicas whose deletion
// is in flight become ineligible first and deleted ones are recreated as new.
func (d *topicDeletionManager) restoreReplicas(replicas []PartitionReplica) {
	rsm := d.c.replicas
	rsm.handleStateChanges(rsm.replicasInState(replicas, ReplicaDeletionStarted), ReplicaDeletionIneligible)
	deleted := rsm.replicasInState(replicas, ReplicaDeletionSuccessful)
	rsm.handleStateChanges(deleted, NonExistentReplica)
	rsm.handleStateChanges(deleted, NewReplica)

	var live, dead []PartitionReplica
	for _, replica := range replicas {
		if d.c.ctx.isLive(replica.Replica) {
			live = append(live, replica)
		} else {
			dead = append(dead, replica)
		}
	}
	rsm.handleStateChanges(rsm.replicasInState(live, NewReplica, OfflineReplica, ReplicaDeletionIneligible), OnlineReplica)
	rsm.handleStateChanges(rsm.replicasInState(dead, NewReplica, OnlineReplica, ReplicaDeletionIneligible), OfflineReplica)
}

func (d *topicDeletionManager) removeMarkers(topics []string) {
	ops := make([]metadata.Op, len(topics))
	for i, topic := range topics {
		ops[i] = metadata.DeleteTree(metadata.DeleteTopicPath(topic))
	}
	if err := d.c.commit(ops...); err != nil {
		d.c.logger.Errorf("deletion: failed to remove deletion markers for %v: %v", topics, err)
	}
}

// removeStrayMarker removes the marker of a topic that does not exist.
func (d *topicDeletionManager) removeStrayMarker(topic string) {
	d.c.logger.Warnf("deletion: removing marker for topic %s: %v", topic, ErrUnknownTopicOrPartition)
	d.removeMarkers([]string{topic})
}
