package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/topicd/server/logger"
	"github.com/liftbridge-io/topicd/server/metadata"
	"github.com/liftbridge-io/topicd/server/protocol"
)

// ControllerConfig contains settings for the Controller.
type ControllerConfig struct {
	// ID is this server's id, recorded in the controller node.
	ID string

	// RequestTimeout bounds leader-and-isr and stop-replica requests.
	RequestTimeout time.Duration

	// StoreTimeout bounds metadata store commits made by the controller.
	StoreTimeout time.Duration

	// DeletionRetryInterval is the period of the deletion retry sweep.
	DeletionRetryInterval time.Duration

	// DeletionEnabled seeds the deletion capability flag when it is absent.
	DeletionEnabled bool
}

// Controller is the single active coordinator of cluster metadata changes.
// All of its state lives in a controllerContext owned by one event loop
// goroutine. Watches, broker changes, admin requests and RPC completions are
// posted to the loop as events and handled one at a time.
type Controller struct {
	config      ControllerConfig
	store       metadata.Store
	brokers     brokerChannel
	liveBrokers func() []string
	logger      logger.Logger
	stats       *DeletionStats

	events *queue.Queue
	ctx    *controllerContext
	active int32
	fenced bool
	batch  *requestBatch

	replicas     *replicaStateMachine
	partitions   *partitionStateMachine
	deletion     *topicDeletionManager
	reassignment *reassignmentCoordinator

	cancelWatches []func()
	stopOnce      sync.Once
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewController creates a Controller. It does nothing until Start is called
// and is inactive until Elect is called.
func NewController(config ControllerConfig, store metadata.Store, brokers brokerChannel,
	liveBrokers func() []string, log logger.Logger, stats *DeletionStats) *Controller {

	if stats == nil {
		stats = NewDeletionStats()
	}
	c := &Controller{
		config:      config,
		store:       store,
		brokers:     brokers,
		liveBrokers: liveBrokers,
		logger:      log,
		stats:       stats,
		events:      queue.New(64),
		stopCh:      make(chan struct{}),
	}
	c.replicas = &replicaStateMachine{c: c}
	c.partitions = &partitionStateMachine{c: c}
	c.deletion = &topicDeletionManager{c: c}
	c.reassignment = &reassignmentCoordinator{c: c}
	return c
}

// Start registers store watches and starts the event loop and the deletion
// retry sweep.
func (c *Controller) Start() {
	c.cancelWatches = []func(){
		c.store.Watch(metadata.TopicsPath, func(paths []string) {
			for _, p := range paths {
				if strings.Count(p, "/") == 1 {
					c.post(&topicsChangedEvent{})
					return
				}
			}
		}),
		c.store.Watch(metadata.DeleteTopicsPath, func([]string) {
			c.post(&deletionMarkersChangedEvent{})
		}),
		c.store.Watch(metadata.DeleteTopicsEnabledPath, func([]string) {
			c.post(&deletionFlagChangedEvent{})
		}),
		c.store.Watch(metadata.ReassignPartitionsPath, func([]string) {
			c.post(&reassignmentChangedEvent{})
		}),
		c.store.Watch(metadata.PreferredReplicaElectionPath, func([]string) {
			c.post(&preferredElectionChangedEvent{})
		}),
	}

	c.wg.Add(2)
	go c.loop()
	go c.retryLoop()
}

// Stop stops consuming events. Requests already dispatched to brokers are
// not cancelled; their completions are dropped.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		for _, cancel := range c.cancelWatches {
			cancel()
		}
		close(c.stopCh)
		c.events.Dispose()
		c.wg.Wait()
		atomic.StoreInt32(&c.active, 0)
	})
}

// Elect makes this controller active: it claims a new epoch and rebuilds
// all state from the store.
func (c *Controller) Elect() error {
	done := make(chan error, 1)
	if err := c.events.Put(&electedEvent{done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.stopCh:
		return errors.New("controller stopped")
	}
}

// Resign drops all controller state. Completions of requests sent under the
// old epoch are ignored.
func (c *Controller) Resign() {
	done := make(chan struct{})
	if err := c.events.Put(&resignedEvent{done: done}); err != nil {
		return
	}
	select {
	case <-done:
	case <-c.stopCh:
	}
}

// BrokersChanged notifies the controller that the live broker set changed.
func (c *Controller) BrokersChanged() {
	c.post(&brokersChangedEvent{})
}

// IsActive indicates if this controller is the active controller.
func (c *Controller) IsActive() bool {
	return atomic.LoadInt32(&c.active) == 1
}

// Epoch returns the active controller epoch.
func (c *Controller) Epoch() (uint64, error) {
	var epoch uint64
	err := c.query(func(ctx *controllerContext) { epoch = ctx.epoch })
	return epoch, err
}

// TopicDeletionStatus returns the deletion status of a topic.
func (c *Controller) TopicDeletionStatus(topic string) (TopicDeletionStatus, error) {
	var status TopicDeletionStatus
	err := c.query(func(ctx *controllerContext) { status = ctx.deletionStatus(topic) })
	return status, err
}

// ReplicaState returns the state of a replica.
func (c *Controller) ReplicaState(replica PartitionReplica) (ReplicaState, error) {
	var state ReplicaState
	err := c.query(func(ctx *controllerContext) { state = ctx.replicaState(replica) })
	return state, err
}

// PartitionState returns the state of a partition.
func (c *Controller) PartitionState(tp TopicPartition) (PartitionState, error) {
	var state PartitionState
	err := c.query(func(ctx *controllerContext) { state = ctx.partitionState(tp) })
	return state, err
}

// query runs fn on the event loop and waits for it.
func (c *Controller) query(fn func(ctx *controllerContext)) error {
	var (
		active bool
		done   = make(chan struct{})
	)
	ev := &queryEvent{
		fn: func(ctx *controllerContext) {
			if ctx == nil {
				return
			}
			active = true
			fn(ctx)
		},
		done: done,
	}
	if err := c.events.Put(ev); err != nil {
		return ErrControllerNotActive
	}
	select {
	case <-done:
	case <-c.stopCh:
		return ErrControllerNotActive
	}
	if !active {
		return ErrControllerNotActive
	}
	return nil
}

// post enqueues an event. Events posted after Stop are dropped.
func (c *Controller) post(ev interface{}) {
	if err := c.events.Put(ev); err != nil {
		c.logger.Debugf("controller: dropping %T: %v", ev, err)
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		items, err := c.events.Get(1)
		if err != nil {
			// Queue disposed.
			return
		}
		for _, item := range items {
			c.handleEvent(item)
		}
	}
}

func (c *Controller) retryLoop() {
	defer c.wg.Done()
	if c.config.DeletionRetryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.DeletionRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.post(&retrySweepEvent{})
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) handleEvent(item interface{}) {
	switch ev := item.(type) {
	case *electedEvent:
		err := c.onElected()
		if err != nil {
			c.logger.Errorf("controller: election failed: %v", err)
			c.resign()
		}
		ev.done <- err
	case *resignedEvent:
		c.resign()
		close(ev.done)
	case *queryEvent:
		ev.fn(c.ctx)
		close(ev.done)
	default:
		if c.ctx == nil {
			return
		}
		c.handleActiveEvent(item)
	}

	if c.ctx != nil && c.batch != nil {
		c.flushBatch()
	}
	if c.fenced && c.ctx != nil {
		c.logger.Errorf("controller: epoch %d was fenced by a newer controller, resigning", c.ctx.epoch)
		c.resign()
	}
	c.fenced = false
}

func (c *Controller) handleActiveEvent(item interface{}) {
	switch ev := item.(type) {
	case *topicsChangedEvent:
		c.onTopicsChanged()
	case *deletionMarkersChangedEvent:
		c.deletion.onMarkersChanged()
	case *deletionFlagChangedEvent:
		c.onDeletionFlagChanged()
	case *reassignmentChangedEvent:
		c.reassignment.onRequestChanged()
	case *preferredElectionChangedEvent:
		c.onPreferredElectionChanged()
	case *brokersChangedEvent:
		c.onBrokersChanged()
	case *retrySweepEvent:
		c.deletion.retry()
		c.reassignment.retryDroppedReplicas()
	case *leaderAndISRCompletedEvent:
		c.onLeaderAndISRCompleted(ev)
	case *stopReplicaCompletedEvent:
		c.onStopReplicaCompleted(ev)
	default:
		c.logger.Warnf("controller: unknown event %T", item)
	}
}

func (c *Controller) onElected() error {
	if c.ctx != nil {
		c.logger.Warnf("controller: already active at epoch %d", c.ctx.epoch)
		return nil
	}
	storeCtx, cancel := context.WithTimeout(context.Background(), c.config.StoreTimeout)
	defer cancel()
	epoch, err := metadata.ClaimEpoch(storeCtx, c.store)
	if err != nil {
		return errors.Wrap(err, "failed to claim controller epoch")
	}

	c.ctx = newControllerContext(epoch)
	c.batch = newRequestBatch()
	c.fenced = false
	record := &metadata.ControllerRecord{ID: c.config.ID, Epoch: epoch}
	if err := c.commit(metadata.Put(metadata.ControllerPath, metadata.Encode(record))); err != nil {
		return errors.Wrap(err, "failed to write controller record")
	}
	if err := c.seedDeletionFlag(); err != nil {
		return err
	}
	if err := c.loadContext(); err != nil {
		return err
	}

	c.replicas.startup()
	c.partitions.startup()
	c.deletion.ResumeDeletions()
	c.reassignment.resume()
	c.onPreferredElectionChanged()
	c.partitions.triggerOnlinePartitionStateChange()
	c.sendLeaderAndISRForOnlinePartitions(nil)

	atomic.StoreInt32(&c.active, 1)
	c.logger.Infof("controller: became active controller at epoch %d with %d topics and live brokers %v",
		epoch, len(c.ctx.assignments), c.sortedLiveBrokers())
	return nil
}

func (c *Controller) resign() {
	if c.ctx != nil {
		c.logger.Infof("controller: resigning at epoch %d", c.ctx.epoch)
	}
	c.ctx = nil
	c.batch = nil
	c.fenced = false
	atomic.StoreInt32(&c.active, 0)
}

// seedDeletionFlag writes the configured deletion capability if the flag is
// absent. An existing flag, valid or not, is left alone.
func (c *Controller) seedDeletionFlag() error {
	exists, err := metadata.Exists(c.store, metadata.DeleteTopicsEnabledPath)
	if err != nil || exists {
		return err
	}
	value := "false"
	if c.config.DeletionEnabled {
		value = "true"
	}
	err = c.commit(metadata.Create(metadata.DeleteTopicsEnabledPath, []byte(value)))
	if err != nil && !metadata.IsNodeExists(err) {
		return errors.Wrap(err, "failed to seed deletion flag")
	}
	return nil
}

// loadContext reads assignments, leadership, the deletion flag and the
// live broker set into the freshly created context.
func (c *Controller) loadContext() error {
	ctx := c.ctx
	enabled, err := metadata.ReadDeletionEnabled(c.store)
	if err != nil {
		return errors.Wrap(err, "failed to read deletion flag")
	}
	ctx.deletionEnabled = enabled

	for _, broker := range c.liveBrokers() {
		ctx.liveBrokers[broker] = struct{}{}
	}

	topics, err := c.store.Children(metadata.TopicsPath)
	if err != nil {
		return errors.Wrap(err, "failed to list topics")
	}
	for _, topic := range topics {
		if err := c.loadTopic(topic); err != nil {
			return err
		}
	}
	return nil
}

// loadTopic reads a topic's assignment and partition leadership from the
// store into the context.
func (c *Controller) loadTopic(topic string) error {
	assignment, _, err := metadata.ReadTopicAssignment(c.store, topic)
	if err != nil {
		return errors.Wrapf(err, "failed to read assignment for topic %s", topic)
	}
	c.ctx.assignments[topic] = assignment.Partitions
	for _, id := range assignment.PartitionIDs() {
		state, _, err := metadata.ReadPartitionState(c.store, topic, id)
		if err != nil {
			return errors.Wrapf(err, "failed to read state for topic %s partition %d", topic, id)
		}
		if state != nil {
			c.ctx.leadership[TopicPartition{Topic: topic, Partition: id}] = state
		}
	}
	return nil
}

// commit applies ops in a transaction fenced with the current epoch. A
// stale-epoch or not-leader failure marks the controller fenced; it resigns
// once the current event is handled.
func (c *Controller) commit(ops ...metadata.Op) error {
	storeCtx, cancel := context.WithTimeout(context.Background(), c.config.StoreTimeout)
	defer cancel()
	err := c.store.Commit(storeCtx, metadata.NewTxn(c.ctx.epoch, ops...))
	switch errors.Cause(err) {
	case metadata.ErrStaleEpoch, metadata.ErrNotLeader:
		c.fenced = true
	}
	return err
}

// writePartitionState conditionally writes a partition's leadership record
// and caches it on success.
func (c *Controller) writePartitionState(tp TopicPartition, state *metadata.PartitionState) error {
	_, version, err := metadata.ReadPartitionState(c.store, tp.Topic, tp.Partition)
	if err != nil {
		return err
	}
	var (
		path = metadata.PartitionStatePath(tp.Topic, tp.Partition)
		op   metadata.Op
	)
	if version < 0 {
		op = metadata.Create(path, metadata.Encode(state))
	} else {
		op = metadata.Set(path, metadata.Encode(state), version)
	}
	if err := c.commit(op); err != nil {
		return err
	}
	c.ctx.leadership[tp] = state
	return nil
}

// writeAssignment replaces a topic's partition assignment in the store and
// the context.
func (c *Controller) writeAssignment(topic string, partitions map[int32][]string) error {
	_, version, err := metadata.ReadTopicAssignment(c.store, topic)
	if err != nil {
		return err
	}
	assignment := &metadata.TopicAssignment{Partitions: partitions}
	if err := c.commit(metadata.Set(metadata.TopicPath(topic), metadata.Encode(assignment), version)); err != nil {
		return err
	}
	c.ctx.assignments[topic] = partitions
	return nil
}

func (c *Controller) sortedLiveBrokers() []string {
	brokers := make([]string, 0, len(c.ctx.liveBrokers))
	for b := range c.ctx.liveBrokers {
		brokers = append(brokers, b)
	}
	sort.Strings(brokers)
	return brokers
}

// onTopicsChanged reconciles the context with the topics in the store. New
// topics and new partitions of existing topics are created.
func (c *Controller) onTopicsChanged() {
	ctx := c.ctx
	topics, err := c.store.Children(metadata.TopicsPath)
	if err != nil {
		c.logger.Errorf("controller: failed to list topics: %v", err)
		return
	}
	inStore := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		inStore[topic] = struct{}{}
	}
	for _, topic := range ctx.topics() {
		if _, ok := inStore[topic]; !ok {
			c.logger.Warnf("controller: topic %s was removed from the store externally", topic)
			ctx.removeTopic(topic)
		}
	}

	for _, topic := range topics {
		assignment, _, err := metadata.ReadTopicAssignment(c.store, topic)
		if err != nil {
			c.logger.Errorf("controller: failed to read assignment for topic %s: %v", topic, err)
			continue
		}
		existing, known := ctx.assignments[topic]
		if !known {
			existing = make(map[int32][]string)
			ctx.assignments[topic] = existing
		}
		var added []TopicPartition
		for _, id := range assignment.PartitionIDs() {
			if _, ok := existing[id]; ok {
				continue
			}
			existing[id] = assignment.Partitions[id]
			added = append(added, TopicPartition{Topic: topic, Partition: id})
		}
		if len(added) == 0 {
			continue
		}
		if known {
			c.logger.Infof("controller: topic %s grew by %d partitions", topic, len(added))
		} else {
			c.logger.Infof("controller: new topic %s with %d partitions", topic, len(added))
		}
		c.onNewPartitions(topic, added)
	}
}

// onNewPartitions creates partitions and their replicas. Partitions of a
// topic queued for deletion are handed to the deletion manager instead of
// being brought online.
func (c *Controller) onNewPartitions(topic string, partitions []TopicPartition) {
	var replicas []PartitionReplica
	for _, tp := range partitions {
		replicas = append(replicas, c.ctx.replicasForPartition(tp)...)
	}
	c.partitions.handleStateChanges(partitions, NewPartition)
	c.replicas.handleStateChanges(replicas, NewReplica)

	if c.ctx.isQueuedForDeletion(topic) {
		c.deletion.ResumeDeletionForTopics([]string{topic})
		return
	}
	c.partitions.handleStateChanges(partitions, OnlinePartition)
}

// onDeletionFlagChanged re-reads the deletion capability flag and reacts if
// it flipped.
func (c *Controller) onDeletionFlagChanged() {
	enabled, err := metadata.ReadDeletionEnabled(c.store)
	if err != nil {
		c.logger.Errorf("controller: failed to read deletion flag: %v", err)
		return
	}
	if enabled == c.ctx.deletionEnabled {
		return
	}
	c.ctx.deletionEnabled = enabled
	c.deletion.OnDeletionCapabilityChanged(enabled)
}

// onBrokersChanged diffs the live broker set against the context.
func (c *Controller) onBrokersChanged() {
	ctx := c.ctx
	live := make(map[string]struct{})
	for _, broker := range c.liveBrokers() {
		live[broker] = struct{}{}
	}
	var up, down []string
	for broker := range live {
		if !ctx.isLive(broker) {
			up = append(up, broker)
		}
	}
	for broker := range ctx.liveBrokers {
		if _, ok := live[broker]; !ok {
			down = append(down, broker)
		}
	}
	sort.Strings(up)
	sort.Strings(down)
	ctx.liveBrokers = live

	if len(down) > 0 {
		c.logger.Infof("controller: brokers %v went down", down)
		c.onBrokerFailure(down)
	}
	if len(up) > 0 {
		c.logger.Infof("controller: brokers %v came up", up)
		c.onBrokerStartup(up)
	}
}

// onBrokerFailure takes the failed brokers' replicas offline, re-elects
// leaders they held and halts deletions that need them.
func (c *Controller) onBrokerFailure(dead []string) {
	ctx := c.ctx
	var (
		offline    []PartitionReplica
		halted     = make(map[string]struct{})
		leaderless []TopicPartition
	)
	for _, broker := range dead {
		for _, replica := range ctx.replicasOnBroker(broker) {
			if ctx.isQueuedForDeletion(replica.Topic) {
				if ctx.replicaState(replica) != ReplicaDeletionSuccessful {
					halted[replica.Topic] = struct{}{}
				}
				continue
			}
			offline = append(offline, replica)
		}
	}
	c.replicas.handleStateChanges(c.replicas.replicasInState(offline, NewReplica, OnlineReplica), OfflineReplica)

	for _, topic := range ctx.topics() {
		if ctx.isQueuedForDeletion(topic) {
			continue
		}
		for _, tp := range ctx.partitionsForTopic(topic) {
			leadership := ctx.leadership[tp]
			if leadership == nil {
				continue
			}
			if ctx.partitionState(tp) == OnlinePartition && !ctx.isLive(leadership.Leader) {
				leaderless = append(leaderless, tp)
				continue
			}
			c.shrinkISR(tp, dead)
		}
	}
	c.partitions.handleStateChanges(leaderless, OfflinePartition)
	c.partitions.triggerOnlinePartitionStateChange()

	for topic := range halted {
		c.deletion.HaltTopicDeletion(topic)
	}
}

// shrinkISR removes dead brokers from a partition's ISR.
func (c *Controller) shrinkISR(tp TopicPartition, dead []string) {
	current := c.ctx.leadership[tp]
	isr := subtractReplicas(current.ISR, dead)
	if len(isr) == len(current.ISR) || len(isr) == 0 {
		return
	}
	state := *current
	state.ISR = isr
	state.ControllerEpoch = c.ctx.epoch
	if err := c.writePartitionState(tp, &state); err != nil {
		c.logger.Errorf("controller: failed to shrink ISR for [topic=%s, partition=%d]: %v",
			tp.Topic, tp.Partition, err)
		return
	}
	c.sendLeaderAndISR(tp, c.ctx.replicasFor(tp))
}

// onBrokerStartup brings the returning brokers' replicas online, elects
// leaders for partitions that had none and retries work that was waiting on
// these brokers.
func (c *Controller) onBrokerStartup(brokers []string) {
	ctx := c.ctx
	var online []PartitionReplica
	for _, broker := range brokers {
		for _, replica := range ctx.replicasOnBroker(broker) {
			if ctx.isQueuedForDeletion(replica.Topic) {
				continue
			}
			online = append(online, replica)
		}
	}
	c.replicas.handleStateChanges(
		c.replicas.replicasInState(online, OfflineReplica, ReplicaDeletionIneligible), OnlineReplica)

	started := make(map[string]struct{}, len(brokers))
	for _, b := range brokers {
		started[b] = struct{}{}
	}
	c.sendLeaderAndISRForOnlinePartitions(started)
	c.partitions.triggerOnlinePartitionStateChange()
	c.reassignment.onBrokerStartup()
	c.deletion.retry()
}

// sendLeaderAndISRForOnlinePartitions queues leader-and-isr requests for
// every online partition, limited to replicas on the given brokers if
// brokers is non-nil.
func (c *Controller) sendLeaderAndISRForOnlinePartitions(brokers map[string]struct{}) {
	ctx := c.ctx
	for _, topic := range ctx.topics() {
		if ctx.isQueuedForDeletion(topic) {
			continue
		}
		for _, tp := range ctx.partitionsForTopic(topic) {
			if ctx.partitionState(tp) != OnlinePartition {
				continue
			}
			var targets []string
			for _, r := range ctx.replicasFor(tp) {
				if _, ok := brokers[r]; brokers == nil || ok {
					targets = append(targets, r)
				}
			}
			c.sendLeaderAndISR(tp, targets)
		}
	}
}

// onPreferredElectionChanged elects the preferred replica for every
// partition in the request and then removes the request.
func (c *Controller) onPreferredElectionChanged() {
	ctx := c.ctx
	request, version, err := metadata.ReadPreferredElection(c.store)
	if err != nil {
		c.logger.Errorf("controller: failed to read preferred replica election: %v", err)
		return
	}
	if version < 0 {
		return
	}
	for _, tp := range request.Partitions {
		ctx.preferredElection[tp] = struct{}{}
	}
	for _, tp := range request.Partitions {
		if ctx.isQueuedForDeletion(tp.Topic) {
			c.logger.Warnf("controller: skipping preferred replica election for [topic=%s, partition=%d], topic is queued for deletion",
				tp.Topic, tp.Partition)
			continue
		}
		if _, ok := ctx.assignments[tp.Topic][tp.Partition]; !ok {
			c.logger.Warnf("controller: skipping preferred replica election for unknown [topic=%s, partition=%d]",
				tp.Topic, tp.Partition)
			continue
		}
		leadership := ctx.leadership[tp]
		assigned := ctx.replicasFor(tp)
		if leadership != nil && len(assigned) > 0 && leadership.Leader == assigned[0] {
			continue
		}
		c.partitions.handleStateChangesWithSelector([]TopicPartition{tp}, OnlinePartition,
			c.partitions.preferredLeaderSelector)
	}
	if err := c.commit(metadata.Delete(metadata.PreferredReplicaElectionPath, version)); err != nil &&
		!metadata.IsNoNode(err) {
		c.logger.Errorf("controller: failed to remove preferred replica election request: %v", err)
	}
	for _, tp := range request.Partitions {
		delete(ctx.preferredElection, tp)
	}
	for _, tp := range request.Partitions {
		if ctx.isQueuedForDeletion(tp.Topic) {
			c.deletion.ResumeDeletionForTopics([]string{tp.Topic})
		}
	}
}

// onLeaderAndISRCompleted moves new replicas online once their broker has
// acknowledged them.
func (c *Controller) onLeaderAndISRCompleted(ev *leaderAndISRCompletedEvent) {
	if ev.epoch != c.ctx.epoch {
		c.logger.Debugf("controller: ignoring leader-and-isr response from %s for epoch %d (current %d)",
			ev.broker, ev.epoch, c.ctx.epoch)
		return
	}
	failed := responseErrors(ev.err, ev.resp)
	var caughtUp []PartitionReplica
	for _, replica := range ev.replicas {
		if err, ok := failed.lookup(replica); ok {
			c.logger.Warnf("controller: leader-and-isr for %s failed: %s", replica, err)
			continue
		}
		if c.ctx.replicaState(replica) == NewReplica {
			caughtUp = append(caughtUp, replica)
		}
	}
	c.replicas.handleStateChanges(caughtUp, OnlineReplica)
	c.reassignment.onReplicasOnline(caughtUp)
}

// onStopReplicaCompleted records the outcome of replica deletions. Replicas
// that are no longer in ReplicaDeletionStarted, for instance because
// deletion was disabled, are ignored.
func (c *Controller) onStopReplicaCompleted(ev *stopReplicaCompletedEvent) {
	if ev.epoch != c.ctx.epoch {
		c.logger.Debugf("controller: ignoring stop-replica response from %s for epoch %d (current %d)",
			ev.broker, ev.epoch, c.ctx.epoch)
		return
	}
	failures := responseErrors(ev.err, ev.resp)
	if !ev.deleted {
		for _, replica := range ev.replicas {
			if err, ok := failures.lookup(replica); ok {
				c.logger.Debugf("controller: stop-replica for %s failed: %s", replica, err)
			}
		}
		return
	}
	var succeeded, failed []PartitionReplica
	for _, replica := range ev.replicas {
		if c.ctx.replicaState(replica) != ReplicaDeletionStarted {
			c.logger.Debugf("controller: ignoring stop-replica response for %s in state %s",
				replica, c.ctx.replicaState(replica))
			continue
		}
		if err, ok := failures.lookup(replica); ok {
			c.logger.Warnf("controller: deletion of %s failed: %s", replica, err)
			failed = append(failed, replica)
			continue
		}
		succeeded = append(succeeded, replica)
	}
	c.replicas.handleStateChanges(succeeded, ReplicaDeletionSuccessful)
	c.replicas.handleStateChanges(failed, ReplicaDeletionIneligible)
	c.deletion.onReplicaDeletionCompleted(succeeded, failed)
}

// partitionErrors holds per-partition failures from a broker response. A
// request-level error applies to every partition.
type partitionErrors struct {
	all        string
	partitions map[TopicPartition]string
}

func responseErrors(err error, resp interface{}) partitionErrors {
	errs := partitionErrors{partitions: make(map[TopicPartition]string)}
	if err != nil {
		errs.all = err.Error()
		return errs
	}
	var (
		reqErr  string
		results []*protocol.PartitionResult
	)
	switch r := resp.(type) {
	case *protocol.LeaderAndISRResponse:
		if r == nil {
			errs.all = "empty response"
			return errs
		}
		reqErr, results = r.Error, r.Partitions
	case *protocol.StopReplicaResponse:
		if r == nil {
			errs.all = "empty response"
			return errs
		}
		reqErr, results = r.Error, r.Partitions
	}
	errs.all = reqErr
	for _, result := range results {
		if result.Error != "" {
			errs.partitions[TopicPartition{Topic: result.Topic, Partition: result.Partition}] = result.Error
		}
	}
	return errs
}

func (p partitionErrors) lookup(replica PartitionReplica) (string, bool) {
	if p.all != "" {
		return p.all, true
	}
	err, ok := p.partitions[replica.TopicPartition()]
	return err, ok
}
