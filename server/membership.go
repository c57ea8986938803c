package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/liftbridge-io/topicd/server/logger"
	"github.com/liftbridge-io/topicd/server/protocol"
)

func heartbeatSubject(namespace string) string {
	return fmt.Sprintf("%s.heartbeat", namespace)
}

// membership tracks live brokers from the heartbeats they publish. A broker
// is live if a heartbeat from it was seen within the liveness timeout. This
// broker is always live to itself.
type membership struct {
	id        string
	namespace string
	interval  time.Duration
	timeout   time.Duration
	log       logger.Logger
	onChange  func()

	mu       sync.Mutex
	lastSeen map[string]time.Time
	nc       *nats.Conn
	sub      *nats.Subscription
	stopCh   chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

func newMembership(id, namespace string, interval, timeout time.Duration, log logger.Logger,
	onChange func()) *membership {

	return &membership{
		id:        id,
		namespace: namespace,
		interval:  interval,
		timeout:   timeout,
		log:       log,
		onChange:  onChange,
		lastSeen:  make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start subscribes to heartbeats and begins publishing this broker's own.
func (m *membership) Start(nc *nats.Conn) error {
	sub, err := nc.Subscribe(heartbeatSubject(m.namespace), m.handleHeartbeat)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nc = nc
	m.sub = sub
	m.mu.Unlock()

	m.publish()
	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop stops publishing heartbeats and tracking other brokers.
func (m *membership) Stop() {
	m.mu.Lock()
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
	m.mu.Unlock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *membership) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.publish()
			m.expire()
		case <-m.stopCh:
			return
		}
	}
}

func (m *membership) publish() {
	data, err := protocol.MarshalHeartbeat(&protocol.Heartbeat{
		BrokerID:  m.id,
		Timestamp: m.now().UnixNano(),
	})
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	nc := m.nc
	m.mu.Unlock()
	if err := nc.Publish(heartbeatSubject(m.namespace), data); err != nil {
		m.log.Warnf("Failed to publish heartbeat: %v", err)
	}
}

func (m *membership) handleHeartbeat(msg *nats.Msg) {
	hb, err := protocol.UnmarshalHeartbeat(msg.Data)
	if err != nil {
		m.log.Warnf("Invalid heartbeat: %v", err)
		return
	}
	m.observe(hb.BrokerID)
}

// observe records a heartbeat from broker.
func (m *membership) observe(broker string) {
	if broker == m.id {
		return
	}
	m.mu.Lock()
	_, known := m.lastSeen[broker]
	m.lastSeen[broker] = m.now()
	m.mu.Unlock()
	if !known {
		m.log.Infof("Broker %s joined", broker)
		m.onChange()
	}
}

// expire forgets brokers whose last heartbeat is older than the liveness
// timeout.
func (m *membership) expire() {
	var expired []string
	m.mu.Lock()
	now := m.now()
	for broker, seen := range m.lastSeen {
		if now.Sub(seen) > m.timeout {
			delete(m.lastSeen, broker)
			expired = append(expired, broker)
		}
	}
	m.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	sort.Strings(expired)
	m.log.Infof("Brokers %v expired", expired)
	m.onChange()
}

// LiveBrokers returns the live brokers in sorted order.
func (m *membership) LiveBrokers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	brokers := make([]string, 0, len(m.lastSeen)+1)
	brokers = append(brokers, m.id)
	for broker := range m.lastSeen {
		brokers = append(brokers, broker)
	}
	sort.Strings(brokers)
	return brokers
}
