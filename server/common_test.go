package server

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/topicd/server/logger"
	"github.com/liftbridge-io/topicd/server/metadata"
	"github.com/liftbridge-io/topicd/server/protocol"
)

// Used by both testing.B and testing.T so need to use
// a common interface: tLogger
type tLogger interface {
	Fatalf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

func stackFatalf(t tLogger, f string, args ...interface{}) {
	lines := make([]string, 0, 32)
	msg := fmt.Sprintf(f, args...)
	lines = append(lines, msg)

	// Generate the Stack of callers:
	for i := 1; true; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		msg := fmt.Sprintf("%d - %s:%d", i, file, line)
		lines = append(lines, msg)
	}

	t.Fatalf("%s", strings.Join(lines, "\n"))
}

func noopLogger() logger.Logger {
	log := logger.NewLogger(0)
	log.Silent(true)
	return log
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, f string, args ...interface{}) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	stackFatalf(t, "Timed out waiting: "+f, args...)
}

var errBrokerDown = errors.New("broker unreachable")

// fakeBrokers is a brokerChannel that calls replica agents directly.
// Requests to brokers marked down fail without reaching the agent. Calls
// still running when the test ends are waited for by close.
type fakeBrokers struct {
	mu       sync.Mutex
	agents   map[string]*replicaAgent
	down     map[string]bool
	requests map[string]int
	held     map[string]chan struct{}
	closed   bool
	inflight sync.WaitGroup
}

// acquire returns the broker's agent and registers an in-flight call which
// the caller must finish with f.inflight.Done.
func (f *fakeBrokers) acquire(broker string) (*replicaAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.down[broker] {
		return nil, errBrokerDown
	}
	agent, ok := f.agents[broker]
	if !ok {
		return nil, errors.Errorf("no broker %s", broker)
	}
	f.inflight.Add(1)
	return agent, nil
}

// holdDeletes blocks deleting stop-replica requests to broker until the
// returned function is called.
func (f *fakeBrokers) holdDeletes(broker string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.held[broker] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.held, broker)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// close rejects further calls and waits for the ones in flight.
func (f *fakeBrokers) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.inflight.Wait()
}

func (f *fakeBrokers) count(kind string) {
	f.mu.Lock()
	f.requests[kind]++
	f.mu.Unlock()
}

func (f *fakeBrokers) requestCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[kind]
}

func (f *fakeBrokers) LeaderAndISR(ctx context.Context, broker string,
	req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {

	f.count("leader_and_isr")
	agent, err := f.acquire(broker)
	if err != nil {
		return nil, err
	}
	defer f.inflight.Done()
	return agent.LeaderAndISR(req), nil
}

func (f *fakeBrokers) StopReplica(ctx context.Context, broker string,
	req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error) {

	if req.Delete {
		f.count("delete")
	} else {
		f.count("stop_replica")
	}
	agent, err := f.acquire(broker)
	if err != nil {
		return nil, err
	}
	defer f.inflight.Done()
	if req.Delete {
		f.mu.Lock()
		held := f.held[broker]
		f.mu.Unlock()
		if held != nil {
			<-held
		}
	}
	return agent.StopReplica(req), nil
}

func (f *fakeBrokers) liveBrokers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var live []string
	for broker := range f.agents {
		if !f.down[broker] {
			live = append(live, broker)
		}
	}
	sort.Strings(live)
	return live
}

// testCluster is a set of brokers sharing an in-memory store, driven by
// controllers created with startController.
type testCluster struct {
	t           *testing.T
	store       *metadata.MemStore
	brokers     *fakeBrokers
	admin       *adminAPI
	stats       *DeletionStats
	controllers []*Controller
}

func newTestCluster(t *testing.T, brokers ...string) *testCluster {
	fake := &fakeBrokers{
		agents:   make(map[string]*replicaAgent),
		down:     make(map[string]bool),
		requests: make(map[string]int),
		held:     make(map[string]chan struct{}),
	}
	dir := t.TempDir()
	for _, broker := range brokers {
		agent, err := newReplicaAgent(broker, filepath.Join(dir, broker), noopLogger())
		require.NoError(t, err)
		fake.agents[broker] = agent
	}
	store := metadata.NewMemStore()
	tc := &testCluster{
		t:       t,
		store:   store,
		brokers: fake,
		admin:   &adminAPI{store: store, log: noopLogger()},
		stats:   NewDeletionStats(),
	}
	t.Cleanup(func() {
		for _, c := range tc.controllers {
			c.Stop()
		}
		fake.close()
	})
	return tc
}

func testControllerConfig(id string) ControllerConfig {
	return ControllerConfig{
		ID:                    id,
		RequestTimeout:        time.Second,
		StoreTimeout:          time.Second,
		DeletionRetryInterval: 50 * time.Millisecond,
		DeletionEnabled:       true,
	}
}

// startController starts a controller and makes it active.
func (tc *testCluster) startController(id string) *Controller {
	return tc.startControllerWithConfig(testControllerConfig(id))
}

func (tc *testCluster) startControllerWithConfig(config ControllerConfig) *Controller {
	c := tc.newController(config, tc.store)
	require.NoError(tc.t, c.Elect())
	return c
}

// newController starts a controller over store without electing it.
func (tc *testCluster) newController(config ControllerConfig, store metadata.Store) *Controller {
	c := NewController(config, store, tc.brokers, tc.brokers.liveBrokers, noopLogger(), tc.stats)
	c.Start()
	tc.controllers = append(tc.controllers, c)
	return c
}

// hookStore runs before ahead of the first commit accepted by match and
// records that commit's result.
type hookStore struct {
	*metadata.MemStore
	match  func(txn *metadata.Txn) bool
	before func()

	mu     sync.Mutex
	fired  bool
	done   bool
	result error
}

func (h *hookStore) Commit(ctx context.Context, txn *metadata.Txn) error {
	h.mu.Lock()
	fire := !h.fired && h.match(txn)
	if fire {
		h.fired = true
	}
	h.mu.Unlock()
	if !fire {
		return h.MemStore.Commit(ctx, txn)
	}
	h.before()
	err := h.MemStore.Commit(ctx, txn)
	h.mu.Lock()
	h.done = true
	h.result = err
	h.mu.Unlock()
	return err
}

// hookedResult returns the result of the hooked commit once it happened.
func (h *hookStore) hookedResult() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done, h.result
}

// touches indicates if any op of txn is on path.
func touches(txn *metadata.Txn, path string) bool {
	for _, op := range txn.Ops {
		if op.Path == path {
			return true
		}
	}
	return false
}

// setDown marks brokers down or up and notifies the controllers.
func (tc *testCluster) setDown(down bool, brokers ...string) {
	tc.brokers.mu.Lock()
	for _, b := range brokers {
		tc.brokers.down[b] = down
	}
	tc.brokers.mu.Unlock()
	for _, c := range tc.controllers {
		c.BrokersChanged()
	}
}

func (tc *testCluster) agent(broker string) *replicaAgent {
	return tc.brokers.agents[broker]
}

func (tc *testCluster) createTopic(name string, assignment map[int32][]string) {
	require.Nil(tc.t, tc.admin.CreateTopic(context.Background(), name, assignment))
}

func (tc *testCluster) deleteTopic(name string) {
	require.Nil(tc.t, tc.admin.DeleteTopic(context.Background(), name))
}

func (tc *testCluster) exists(path string) bool {
	exists, err := metadata.Exists(tc.store, path)
	require.NoError(tc.t, err)
	return exists
}

// waitForOnline waits until every replica of the topic is online and has a
// log on its broker.
func (tc *testCluster) waitForOnline(c *Controller, topic string, assignment map[int32][]string) {
	waitFor(tc.t, 5*time.Second, func() bool {
		for id, replicas := range assignment {
			tp := TopicPartition{Topic: topic, Partition: id}
			if state, err := c.PartitionState(tp); err != nil || state != OnlinePartition {
				return false
			}
			for _, r := range replicas {
				state, err := c.ReplicaState(PartitionReplica{Topic: topic, Partition: id, Replica: r})
				if err != nil || state != OnlineReplica || !tc.agent(r).HasLog(topic, id) {
					return false
				}
			}
		}
		return true
	}, "topic %s online", topic)
}

// waitForDeleted waits until the topic's metadata and marker are gone and no
// broker holds a log for any of the given partitions.
func (tc *testCluster) waitForDeleted(topic string, partitions ...int32) {
	waitFor(tc.t, 5*time.Second, func() bool {
		if tc.exists(metadata.TopicPath(topic)) || tc.exists(metadata.DeleteTopicPath(topic)) {
			return false
		}
		for _, agent := range tc.brokers.agents {
			for _, p := range partitions {
				if agent.HasLog(topic, p) {
					return false
				}
			}
		}
		return true
	}, "topic %s deleted", topic)
}

func (tc *testCluster) waitForStatus(c *Controller, topic string, expected TopicDeletionStatus) {
	waitFor(tc.t, 5*time.Second, func() bool {
		status, err := c.TopicDeletionStatus(topic)
		return err == nil && status == expected
	}, "topic %s status %s", topic, expected)
}

// dummyLogger records the level and text of the last message logged and
// counts warnings.
type dummyLogger struct {
	sync.Mutex
	level string
	msg   string
	warns int
}

func (d *dummyLogger) logf(level, format string, args ...interface{}) {
	d.log(level, fmt.Sprintf(format, args...))
}

func (d *dummyLogger) log(level string, args ...interface{}) {
	d.Lock()
	d.level = level
	d.msg = fmt.Sprint(args...)
	if level == "warn" {
		d.warns++
	}
	d.Unlock()
}

func (d *dummyLogger) warnings() int {
	d.Lock()
	defer d.Unlock()
	return d.warns
}

func (d *dummyLogger) last() (string, string) {
	d.Lock()
	defer d.Unlock()
	return d.level, d.msg
}

func (d *dummyLogger) Infof(format string, args ...interface{})  { d.logf("info", format, args...) }
func (d *dummyLogger) Debugf(format string, args ...interface{}) { d.logf("debug", format, args...) }
func (d *dummyLogger) Errorf(format string, args ...interface{}) { d.logf("error", format, args...) }
func (d *dummyLogger) Warnf(format string, args ...interface{})  { d.logf("warn", format, args...) }
func (d *dummyLogger) Fatalf(format string, args ...interface{}) { d.logf("fatal", format, args...) }
func (d *dummyLogger) Debug(args ...interface{})                 { d.log("debug", args...) }
func (d *dummyLogger) Warn(args ...interface{})                  { d.log("warn", args...) }
func (d *dummyLogger) Info(args ...interface{})                  { d.log("info", args...) }
func (d *dummyLogger) Error(args ...interface{})                 { d.log("error", args...) }
func (d *dummyLogger) Fatal(args ...interface{})                 { d.log("fatal", args...) }
func (d *dummyLogger) Silent(bool)                               {}
