package server

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	atomic_file "github.com/natefinch/atomic"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/topicd/server/logger"
	"github.com/liftbridge-io/topicd/server/protocol"
)

const (
	leaderStateFileName = "leader-state-checkpoint"
	leaderStateFileV0   = 0
)

// replicaAgent is the broker side of the controller protocol. It hosts one
// directory per partition replica under its data directory, creating it on
// leader-and-isr and removing it on stop-replica with delete set. Requests
// from a controller with an epoch older than one already seen are rejected.
type replicaAgent struct {
	id  string
	dir string
	log logger.Logger

	mu              sync.Mutex
	controllerEpoch uint64
	stopped         map[TopicPartition]struct{}
	subs            []*nats.Subscription
}

func newReplicaAgent(id, dir string, log logger.Logger) (*replicaAgent, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "failed to create replica log directory")
	}
	return &replicaAgent{
		id:      id,
		dir:     dir,
		log:     log,
		stopped: make(map[TopicPartition]struct{}),
	}, nil
}

// Subscribe starts serving controller requests addressed to this broker.
func (a *replicaAgent) Subscribe(nc *nats.Conn, namespace string) error {
	leaderSub, err := nc.Subscribe(leaderAndISRSubject(namespace, a.id), a.handleLeaderAndISR)
	if err != nil {
		return err
	}
	stopSub, err := nc.Subscribe(stopReplicaSubject(namespace, a.id), a.handleStopReplica)
	if err != nil {
		leaderSub.Unsubscribe()
		return err
	}
	a.mu.Lock()
	a.subs = append(a.subs, leaderSub, stopSub)
	a.mu.Unlock()
	return nil
}

// Close stops serving controller requests.
func (a *replicaAgent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.subs = nil
}

func (a *replicaAgent) handleLeaderAndISR(m *nats.Msg) {
	req, err := protocol.UnmarshalLeaderAndISRRequest(m.Data)
	if err != nil {
		a.log.Warnf("Invalid leader-and-isr request: %v", err)
		return
	}
	data, err := protocol.MarshalLeaderAndISRResponse(a.LeaderAndISR(req))
	if err != nil {
		panic(err)
	}
	if err := m.Respond(data); err != nil {
		a.log.Errorf("Failed to respond to leader-and-isr request: %v", err)
	}
}

func (a *replicaAgent) handleStopReplica(m *nats.Msg) {
	req, err := protocol.UnmarshalStopReplicaRequest(m.Data)
	if err != nil {
		a.log.Warnf("Invalid stop-replica request: %v", err)
		return
	}
	data, err := protocol.MarshalStopReplicaResponse(a.StopReplica(req))
	if err != nil {
		panic(err)
	}
	if err := m.Respond(data); err != nil {
		a.log.Errorf("Failed to respond to stop-replica request: %v", err)
	}
}

// checkEpoch fences requests from superseded controllers. It must be called
// with the lock held.
func (a *replicaAgent) checkEpoch(epoch uint64) error {
	if epoch < a.controllerEpoch {
		return errors.Errorf("stale controller epoch %d, current is %d", epoch, a.controllerEpoch)
	}
	a.controllerEpoch = epoch
	return nil
}

// LeaderAndISR creates the requested replica logs if needed and records
// their leadership.
func (a *replicaAgent) LeaderAndISR(req *protocol.LeaderAndISRRequest) *protocol.LeaderAndISRResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp := &protocol.LeaderAndISRResponse{BrokerID: a.id}
	if err := a.checkEpoch(req.ControllerEpoch); err != nil {
		resp.Error = err.Error()
		return resp
	}
	for _, p := range req.Partitions {
		result := &protocol.PartitionResult{Topic: p.Topic, Partition: p.Partition}
		if err := a.becomeReplica(p); err != nil {
			a.log.Errorf("Failed to host replica for [topic=%s, partition=%d]: %v", p.Topic, p.Partition, err)
			result.Error = err.Error()
		}
		resp.Partitions = append(resp.Partitions, result)
	}
	return resp
}

func (a *replicaAgent) becomeReplica(p *protocol.PartitionLeaderState) error {
	if !containsReplica(p.Replicas, a.id) {
		return errors.Errorf("broker %s is not a replica", a.id)
	}
	dir := a.partitionDir(p.Topic, p.Partition)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "failed to create replica log")
	}
	current, err := readLeaderState(filepath.Join(dir, leaderStateFileName))
	if err != nil {
		return err
	}
	if current != nil && p.LeaderEpoch < current.LeaderEpoch {
		return errors.Errorf("stale leader epoch %d, current is %d", p.LeaderEpoch, current.LeaderEpoch)
	}
	delete(a.stopped, TopicPartition{Topic: p.Topic, Partition: p.Partition})
	a.log.Debugf("Hosting replica for [topic=%s, partition=%d] with leader %s (epoch %d)",
		p.Topic, p.Partition, p.Leader, p.LeaderEpoch)
	return writeLeaderState(filepath.Join(dir, leaderStateFileName), &leaderState{
		LeaderEpoch: p.LeaderEpoch,
		Leader:      p.Leader,
		ISR:         p.ISR,
	})
}

// StopReplica stops serving the requested replicas and, if the request says
// so, deletes their logs. Deleting a log that does not exist succeeds.
func (a *replicaAgent) StopReplica(req *protocol.StopReplicaRequest) *protocol.StopReplicaResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp := &protocol.StopReplicaResponse{BrokerID: a.id}
	if err := a.checkEpoch(req.ControllerEpoch); err != nil {
		resp.Error = err.Error()
		return resp
	}
	for _, p := range req.Partitions {
		result := &protocol.PartitionResult{Topic: p.Topic, Partition: p.Partition}
		a.stopped[TopicPartition{Topic: p.Topic, Partition: p.Partition}] = struct{}{}
		if req.Delete {
			if err := a.deleteLog(p.Topic, p.Partition); err != nil {
				a.log.Errorf("Failed to delete log for [topic=%s, partition=%d]: %v", p.Topic, p.Partition, err)
				result.Error = err.Error()
			} else {
				a.log.Infof("Deleted log for [topic=%s, partition=%d]", p.Topic, p.Partition)
			}
		}
		resp.Partitions = append(resp.Partitions, result)
	}
	return resp
}

func (a *replicaAgent) deleteLog(topic string, partition int32) error {
	if err := os.RemoveAll(a.partitionDir(topic, partition)); err != nil {
		return err
	}
	// Remove the topic directory once its last partition is gone.
	topicDir := filepath.Join(a.dir, topic)
	entries, err := os.ReadDir(topicDir)
	if err != nil || len(entries) > 0 {
		return nil
	}
	return os.Remove(topicDir)
}

// HasLog indicates if this broker holds a log for the partition.
func (a *replicaAgent) HasLog(topic string, partition int32) bool {
	_, err := os.Stat(a.partitionDir(topic, partition))
	return err == nil
}

// IsServing indicates if this broker holds a log for the partition and has
// not been told to stop serving it.
func (a *replicaAgent) IsServing(topic string, partition int32) bool {
	a.mu.Lock()
	_, stopped := a.stopped[TopicPartition{Topic: topic, Partition: partition}]
	a.mu.Unlock()
	return !stopped && a.HasLog(topic, partition)
}

// ControllerEpoch returns the highest controller epoch seen.
func (a *replicaAgent) ControllerEpoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controllerEpoch
}

func (a *replicaAgent) partitionDir(topic string, partition int32) string {
	return filepath.Join(a.dir, topic, strconv.FormatInt(int64(partition), 10))
}

// leaderState is the leadership a replica last received.
type leaderState struct {
	LeaderEpoch uint64
	Leader      string
	ISR         []string
}

// writeLeaderState checkpoints leadership in the form:
//
//	version
//	leaderEpoch leader
//	isr...
func writeLeaderState(file string, state *leaderState) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d\n", leaderStateFileV0)
	fmt.Fprintf(&b, "%d %s\n", state.LeaderEpoch, state.Leader)
	fmt.Fprintf(&b, "%s\n", strings.Join(state.ISR, " "))
	return atomic_file.WriteFile(file, &b)
}

// readLeaderState reads a leadership checkpoint. It returns nil if the file
// does not exist.
func readLeaderState(file string) (*leaderState, error) {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open leader state checkpoint")
	}
	defer f.Close()

	var (
		scanner = bufio.NewScanner(f)
		lines   []string
	)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read leader state checkpoint")
	}
	if len(lines) < 2 {
		return nil, errors.New("malformed leader state checkpoint")
	}
	if version, err := strconv.Atoi(lines[0]); err != nil || version != leaderStateFileV0 {
		return nil, errors.Errorf("unsupported leader state checkpoint version %q", lines[0])
	}
	fields := strings.SplitN(lines[1], " ", 2)
	epoch, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "malformed leader epoch")
	}
	state := &leaderState{LeaderEpoch: epoch}
	if len(fields) == 2 {
		state.Leader = fields[1]
	}
	if len(lines) > 2 && lines[2] != "" {
		state.ISR = strings.Fields(lines[2])
	}
	return state, nil
}
