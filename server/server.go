package server

import (
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/hashicorp/raft"
	atomic_file "github.com/natefinch/atomic"
	gnatsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/liftbridge-io/topicd/server/health"
	"github.com/liftbridge-io/topicd/server/logger"
	"github.com/liftbridge-io/topicd/server/metadata"
)

const (
	serverIDFile           = "topicd"
	logsDir                = "logs"
	embeddedNATSStartLimit = 10 * time.Second
)

// Server is a topicd node. Every server is a broker hosting partition
// replicas and a member of the metadata raft group. The raft leader runs the
// active controller.
type Server struct {
	config        *Config
	listener      net.Listener
	natsServer    *gnatsd.Server
	nc            *nats.Conn
	ncRaft        *nats.Conn
	ncBrokers     *nats.Conn
	logger        logger.Logger
	api           *grpc.Server
	health        *health.Checker
	raft          *raftNode
	controller    *Controller
	membership    *membership
	agent         *replicaAgent
	admin         *adminAPI
	stats         *DeletionStats
	leaderSubs    []*nats.Subscription
	shutdownCh    chan struct{}
	mu            sync.RWMutex
	shutdown      bool
	running       bool
	goroutineWait sync.WaitGroup
}

// New creates a new Server with the given configuration. Call Start to run
// the Server.
func New(config *Config) *Server {
	logger := logger.NewLogger(config.LogLevel)
	if config.LogSilent {
		logger.Silent(true)
	}
	return &Server{
		config:     config,
		logger:     logger,
		health:     health.NewChecker(),
		stats:      NewDeletionStats(),
		shutdownCh: make(chan struct{}),
	}
}

// Start the Server. This is not a blocking call. It will return an error if
// the Server cannot start properly.
func (s *Server) Start() (err error) {
	defer func() {
		if err != nil {
			s.Stop()
		}
	}()

	dataDir := s.config.GetDataDir()
	if err := os.MkdirAll(dataDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}
	if err := s.recoverServerID(dataDir); err != nil {
		return err
	}

	listenAddress := s.config.GetListenAddress()
	hp := net.JoinHostPort(listenAddress.Host, strconv.Itoa(listenAddress.Port))
	l, err := net.Listen("tcp", hp)
	if err != nil {
		return errors.Wrap(err, "failed starting listener")
	}
	s.listener = l

	s.logger.Infof("topicd Version:  %s", Version)
	s.logger.Infof("Server ID:       %s", s.config.Clustering.ServerID)
	s.logger.Infof("Namespace:       %s", s.config.Clustering.Namespace)
	s.logger.Infof("Data Directory:  %s", dataDir)
	s.logger.Infof("Settings:        %s", s.config.Summary())

	if s.config.EmbeddedNATS {
		if err := s.startEmbeddedNATS(); err != nil {
			return errors.Wrap(err, "failed to start embedded NATS server")
		}
	}

	// NATS connection used for controller traffic and propagated requests.
	if s.nc, err = s.createNATSConn("general"); err != nil {
		return errors.Wrap(err, "failed to connect to NATS")
	}
	// NATS connection used for raft metadata replication.
	if s.ncRaft, err = s.createNATSConn("raft"); err != nil {
		return errors.Wrap(err, "failed to connect to NATS")
	}
	// NATS connection used for heartbeats and requests to the replica agent.
	if s.ncBrokers, err = s.createNATSConn("brokers"); err != nil {
		return errors.Wrap(err, "failed to connect to NATS")
	}

	if err := s.startBroker(dataDir); err != nil {
		return err
	}

	if err := s.setupMetadataRaft(); err != nil {
		return errors.Wrap(err, "failed to start raft node")
	}
	s.admin = &adminAPI{store: s.raft.store, log: s.logger}

	s.startController()
	s.startGoroutine(s.leadershipLoop)

	if err := s.membership.Start(s.ncBrokers); err != nil {
		return errors.Wrap(err, "failed to start broker heartbeats")
	}

	s.handleSignals()

	s.api = grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(s.recoverPanic)),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(grpc_recovery.WithRecoveryHandler(s.recoverPanic)),
		)),
	)
	s.health.Register(s.api)
	s.health.SetServing()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Infof("Starting health server on %s", hp)
	s.startGoroutine(func() {
		err := s.api.Serve(s.listener)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.logger.Errorf("Health server stopped: %v", err)
			}
		}
	})
	return nil
}

// recoverServerID reuses the server id persisted in the data directory, or
// persists the configured one.
func (s *Server) recoverServerID(dataDir string) error {
	file := filepath.Join(dataDir, serverIDFile)
	data, err := ioutil.ReadFile(file)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			if id != s.config.Clustering.ServerID {
				s.logger.Infof("Recovered server id %s", id)
			}
			s.config.Clustering.ServerID = id
			return nil
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read server id")
	}
	if err := atomic_file.WriteFile(file, strings.NewReader(s.config.Clustering.ServerID)); err != nil {
		return errors.Wrap(err, "failed to persist server id")
	}
	return nil
}

// startEmbeddedNATS runs a NATS server in process on the address of the
// configured NATS URL.
func (s *Server) startEmbeddedNATS() error {
	opts := &gnatsd.Options{
		Host:   gnatsd.DEFAULT_HOST,
		Port:   gnatsd.DEFAULT_PORT,
		NoSigs: true,
	}
	if s.config.NATS.Url != "" {
		u, err := url.Parse(s.config.NATS.Url)
		if err != nil {
			return errors.Wrap(err, "invalid NATS url")
		}
		opts.Host = u.Hostname()
		if port := u.Port(); port != "" {
			if opts.Port, err = strconv.Atoi(port); err != nil {
				return errors.Wrap(err, "invalid NATS port")
			}
		}
		if u.User != nil {
			opts.Username = u.User.Username()
			opts.Password, _ = u.User.Password()
		}
	}
	if s.config.NATS.User != "" {
		opts.Username = s.config.NATS.User
		opts.Password = s.config.NATS.Password
	}
	ns, err := gnatsd.NewServer(opts)
	if err != nil {
		return err
	}
	ns.SetLogger(logger.NewNATSLogger(s.logger, s.config.LogNATS), false, false)
	go ns.Start()
	if !ns.ReadyForConnections(embeddedNATSStartLimit) {
		ns.Shutdown()
		return errors.New("embedded NATS server not ready for connections")
	}
	s.natsServer = ns
	s.logger.Infof("Started embedded NATS server on %s", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	return nil
}

// startBroker starts the replica agent and the broker membership tracker.
func (s *Server) startBroker(dataDir string) error {
	agent, err := newReplicaAgent(s.config.Clustering.ServerID, filepath.Join(dataDir, logsDir), s.logger)
	if err != nil {
		return err
	}
	s.agent = agent
	if err := agent.Subscribe(s.ncBrokers, s.config.Clustering.Namespace); err != nil {
		return errors.Wrap(err, "failed to subscribe replica agent")
	}
	s.membership = newMembership(
		s.config.Clustering.ServerID,
		s.config.Clustering.Namespace,
		s.config.Controller.BrokerHeartbeatInterval,
		s.config.Controller.BrokerLivenessTimeout,
		s.logger,
		func() {
			if c := s.getController(); c != nil {
				c.BrokersChanged()
			}
		},
	)
	return nil
}

// startController creates the controller over the raft store. It stays
// inactive until this server becomes the metadata leader.
func (s *Server) startController() {
	controller := NewController(ControllerConfig{
		ID:                    s.config.Clustering.ServerID,
		RequestTimeout:        s.config.Controller.RequestTimeout,
		StoreTimeout:          s.config.Clustering.RaftApplyTimeout,
		DeletionRetryInterval: s.config.Deletion.RetryInterval,
		DeletionEnabled:       s.config.Deletion.Enable,
	}, s.raft.store, newNATSBrokerChannel(s.nc, s.config.Clustering.Namespace),
		s.membership.LiveBrokers, s.logger, s.stats)
	controller.Start()
	s.mu.Lock()
	s.controller = controller
	s.mu.Unlock()
}

func (s *Server) getController() *Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller
}

// leadershipLoop follows raft leadership changes, activating the controller
// while this server leads the metadata group.
func (s *Server) leadershipLoop() {
	for {
		select {
		case isLeader := <-s.raft.notifyCh:
			if isLeader {
				if err := s.leadershipAcquired(); err != nil {
					s.logger.Errorf("Error on metadata leadership acquired: %v", err)
					switch {
					case errors.Cause(err) == raft.ErrRaftShutdown:
						return
					case isLeadershipLost(err):
						continue
					default:
						// The store may have been left half initialized.
						// Step down so another server can take over.
						if err := s.raft.LeadershipTransfer().Error(); err != nil {
							s.logger.Errorf("Failed to transfer metadata leadership: %v", err)
						}
					}
				}
			} else {
				if err := s.leadershipLost(); err != nil {
					s.logger.Errorf("Error on metadata leadership lost: %v", err)
				}
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// isLeadershipLost indicates if err, possibly wrapped, means this server
// stopped leading the metadata group while acting on leadership.
func isLeadershipLost(err error) bool {
	switch errors.Cause(err) {
	case raft.ErrLeadershipLost, raft.ErrNotLeader, metadata.ErrNotLeader:
		return true
	}
	return false
}

// leadershipAcquired should be called when this node is elected leader.
func (s *Server) leadershipAcquired() error {
	s.logger.Infof("Server became metadata leader, performing leader promotion actions")

	// Use a barrier to ensure all preceding operations are applied to the FSM.
	if err := s.raft.Barrier(0).Error(); err != nil {
		return err
	}

	propagateSub, err := s.nc.Subscribe(s.getPropagateInbox(), s.handlePropagatedRequest)
	if err != nil {
		return err
	}
	joinSub, err := s.ncRaft.Subscribe(s.raftJoinInbox(), s.handleRaftJoinRequest)
	if err != nil {
		propagateSub.Unsubscribe()
		return err
	}
	s.mu.Lock()
	s.leaderSubs = []*nats.Subscription{propagateSub, joinSub}
	s.mu.Unlock()

	if err := s.controller.Elect(); err != nil {
		return errors.Wrap(err, "controller election failed")
	}
	s.raft.setLeader(true)
	s.health.SetController(true)
	return nil
}

// leadershipLost should be called when this node loses leadership.
func (s *Server) leadershipLost() error {
	s.logger.Warn("Server lost metadata leadership, performing leader stepdown actions")

	s.raft.setLeader(false)
	s.health.SetController(false)
	s.controller.Resign()

	s.mu.Lock()
	subs := s.leaderSubs
	s.leaderSubs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) isLeader() bool {
	return s.raft != nil && s.raft.isLeader()
}

// Stop will attempt to gracefully shut the Server down by signaling the stop
// and waiting for all goroutines to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Shutting down...")
	s.shutdown = true
	close(s.shutdownCh)
	controller := s.controller
	s.mu.Unlock()

	s.health.Shutdown()
	if s.api != nil {
		s.api.Stop()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.membership != nil {
		s.membership.Stop()
	}
	if controller != nil {
		controller.Stop()
	}
	if s.agent != nil {
		s.agent.Close()
	}

	var err error
	if s.raft != nil {
		err = s.raft.shutdown()
	}

	for _, nc := range []*nats.Conn{s.nc, s.ncRaft, s.ncBrokers} {
		if nc != nil {
			nc.Close()
		}
	}
	if s.natsServer != nil {
		s.natsServer.Shutdown()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	// Wait for goroutines to stop.
	s.goroutineWait.Wait()
	return err
}

// IsRunning indicates if the Server is serving health checks.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) isShutdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

// IsController indicates if this server runs the active controller.
func (s *Server) IsController() bool {
	c := s.getController()
	return c != nil && c.IsActive()
}

// TopicDeletionStatus returns the deletion status of a topic. It is only
// available on the active controller.
func (s *Server) TopicDeletionStatus(topic string) (TopicDeletionStatus, error) {
	c := s.getController()
	if c == nil {
		return DeletionNone, ErrControllerNotActive
	}
	return c.TopicDeletionStatus(topic)
}

// DeletionStats returns completed-deletion latency statistics recorded by
// this server's controller.
func (s *Server) DeletionStats() DeletionStatsSnapshot {
	return s.stats.Snapshot()
}

func (s *Server) recoverPanic(p interface{}) error {
	s.logger.Errorf("Recovered from panic in gRPC handler: %v", p)
	return status.Errorf(codes.Internal, "%v", p)
}

func (s *Server) createNATSConn(name string) (*nats.Conn, error) {
	var err error
	opts := s.config.NATS
	opts.Name = fmt.Sprintf("TOPICD-%s-%s", s.config.Clustering.ServerID, name)

	// Shut down if we can't reach NATS for a long time.
	opts.ReconnectWait = 250 * time.Millisecond
	opts.MaxReconnect = -1
	opts.ReconnectBufSize = -1

	if err = nats.ErrorHandler(s.natsErrorHandler)(&opts); err != nil {
		return nil, err
	}
	if err = nats.ReconnectHandler(s.natsReconnectedHandler)(&opts); err != nil {
		return nil, err
	}
	if err = nats.ClosedHandler(s.natsClosedHandler)(&opts); err != nil {
		return nil, err
	}
	if err = nats.DisconnectErrHandler(s.natsDisconnectedHandler)(&opts); err != nil {
		return nil, err
	}

	return opts.Connect()
}

func (s *Server) natsDisconnectedHandler(nc *nats.Conn, err error) {
	if s.isShutdown() {
		return
	}
	if err != nil {
		s.logger.Errorf("Connection %q has been disconnected from NATS: %v", nc.Opts.Name, err)
	} else {
		s.logger.Errorf("Connection %q has been disconnected from NATS", nc.Opts.Name)
	}
}

func (s *Server) natsReconnectedHandler(nc *nats.Conn) {
	s.logger.Infof("Connection %q reconnected to NATS at %q", nc.Opts.Name, nc.ConnectedUrl())
}

func (s *Server) natsClosedHandler(nc *nats.Conn) {
	if s.isShutdown() {
		return
	}
	s.logger.Debugf("Connection %q has been closed", nc.Opts.Name)
}

func (s *Server) natsErrorHandler(nc *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	s.logger.Errorf("Asynchronous error on connection %s, subject %s: %s", nc.Opts.Name, subject, err)
}

// startGoroutine starts a goroutine which is managed by the server. This
// adds the goroutine to a WaitGroup so that the server can wait for all
// running goroutines to stop on shutdown. This should be used instead of a
// "naked" goroutine.
func (s *Server) startGoroutine(f func()) {
	select {
	case <-s.shutdownCh:
		return
	default:
	}
	s.goroutineWait.Add(1)
	go func() {
		f()
		s.goroutineWait.Done()
	}()
}

