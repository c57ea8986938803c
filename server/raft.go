package server

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	natslog "github.com/liftbridge-io/nats-on-a-log"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/topicd/server/logger"
	"github.com/liftbridge-io/topicd/server/metadata"
	"github.com/liftbridge-io/topicd/server/protocol"
)

const (
	defaultRaftJoinAttempts = 30
	raftJoinBackoff         = time.Second
	raftTransportTimeout    = 2 * time.Second
	raftLogFile             = "raft.db"
)

// raftJoinAttempts is the number of times a server without existing raft
// state asks the metadata leader to add it before giving up and waiting to
// be added by an operator.
var raftJoinAttempts = defaultRaftJoinAttempts

// raftLogger adapts raft's log output to the server logger. Raft writes
// lines of the form "<timestamp> [LEVEL] message".
type raftLogger struct {
	logger  logger.Logger
	enabled bool
}

func (r *raftLogger) Write(b []byte) (int, error) {
	if !r.enabled {
		return len(b), nil
	}
	levelStart := bytes.IndexByte(b, '[')
	levelEnd := -1
	if levelStart != -1 {
		levelEnd = bytes.IndexByte(b[levelStart:], ']')
	}
	if levelEnd == -1 {
		r.logger.Infof("%s", bytes.TrimSpace(b))
		return len(b), nil
	}
	msg := bytes.TrimSpace(b[levelStart+levelEnd+1:])
	switch b[levelStart+1] {
	case 'D': // [DEBUG]
		r.logger.Debugf("raft: %s", msg)
	case 'I': // [INFO]
		r.logger.Infof("raft: %s", msg)
	case 'W': // [WARN]
		r.logger.Warnf("raft: %s", msg)
	case 'E': // [ERR] or [ERROR]
		r.logger.Errorf("raft: %s", msg)
	default:
		r.logger.Infof("raft: %s", msg)
	}
	return len(b), nil
}

// raftNode is the metadata raft group member along with the store and FSM
// it replicates.
type raftNode struct {
	*raft.Raft
	fsm       *metadata.FSM
	store     *metadata.RaftStore
	logStore  *raftboltdb.BoltStore
	transport *raft.NetworkTransport
	notifyCh  <-chan bool
	leader    int64
	mu        sync.Mutex
	closed    bool
}

func (r *raftNode) isLeader() bool {
	return atomic.LoadInt64(&r.leader) == 1
}

func (r *raftNode) setLeader(leader bool) {
	var v int64
	if leader {
		v = 1
	}
	atomic.StoreInt64(&r.leader, v)
}

// shutdown stops raft and closes the transport and log store. It is safe to
// call more than once.
func (r *raftNode) shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.Raft != nil {
		if err := r.Raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	if r.transport != nil {
		if err := r.transport.Close(); err != nil {
			return err
		}
	}
	if r.logStore != nil {
		if err := r.logStore.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) baseMetadataRaftSubject() string {
	return fmt.Sprintf("%s.raft.metadata", s.config.Clustering.Namespace)
}

func (s *Server) raftJoinInbox() string {
	return fmt.Sprintf("%s.join", s.baseMetadataRaftSubject())
}

// setupMetadataRaft creates the metadata raft node. Log entries are stored
// in bolt, snapshots on disk, and peers talk over NATS with the server id as
// their raft address.
func (s *Server) setupMetadataRaft() error {
	var (
		path      = filepath.Join(s.config.GetDataDir(), "raft")
		id        = s.config.Clustering.ServerID
		logWriter = &raftLogger{logger: s.logger, enabled: s.config.LogRaft}
		node      = &raftNode{fsm: metadata.NewFSM(s.logger)}
	)
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return errors.Wrap(err, "failed to create raft directory")
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(id)
	config.LogOutput = logWriter
	if s.config.Clustering.RaftSnapshotThreshold != 0 {
		config.SnapshotThreshold = s.config.Clustering.RaftSnapshotThreshold
	}
	notifyCh := make(chan bool, 1)
	config.NotifyCh = notifyCh
	node.notifyCh = notifyCh

	tr, err := natslog.NewNATSTransport(id, s.baseMetadataRaftSubject()+".", s.ncRaft,
		raftTransportTimeout, logWriter)
	if err != nil {
		return errors.Wrap(err, "failed to create raft transport")
	}
	node.transport = tr

	snapshots, err := raft.NewFileSnapshotStore(path, s.config.Clustering.RaftSnapshots, logWriter)
	if err != nil {
		tr.Close()
		return errors.Wrap(err, "failed to create snapshot store")
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(path, raftLogFile))
	if err != nil {
		tr.Close()
		return errors.Wrap(err, "failed to create bolt store")
	}
	node.logStore = logStore
	cacheStore, err := raft.NewLogCache(s.config.Clustering.RaftCacheSize, logStore)
	if err != nil {
		node.shutdown()
		return errors.Wrap(err, "failed to create log cache")
	}

	existingState, err := raft.HasExistingState(cacheStore, logStore, snapshots)
	if err != nil {
		node.shutdown()
		return errors.Wrap(err, "failed to check raft state")
	}
	if existingState {
		s.logger.Debug("Loaded existing state for metadata raft group")
	}

	r, err := raft.NewRaft(config, node.fsm, cacheStore, logStore, snapshots, tr)
	if err != nil {
		node.shutdown()
		return errors.Wrap(err, "failed to create raft node")
	}
	node.Raft = r
	node.store = metadata.NewRaftStore(r, node.fsm, s.config.Clustering.RaftApplyTimeout)
	s.raft = node

	if existingState {
		return nil
	}
	return s.bootstrapMetadataRaft()
}

// bootstrapMetadataRaft seeds a fresh raft group. A seed server bootstraps
// alone, a server with a static peer list bootstraps with it, and any other
// server asks the current leader to add it.
func (s *Server) bootstrapMetadataRaft() error {
	var (
		id    = s.config.Clustering.ServerID
		peers = s.config.Clustering.RaftBootstrapPeers
	)
	switch {
	case s.config.Clustering.RaftBootstrapSeed:
		s.logger.Info("Bootstrapping metadata raft group as seed node")
		peers = []string{id}
	case len(peers) > 0:
		s.logger.Infof("Bootstrapping metadata raft group with peers %v", peers)
		if !containsReplica(peers, id) {
			peers = append(peers, id)
		}
	default:
		s.startGoroutine(s.joinMetadataRaft)
		return nil
	}

	servers := make([]raft.Server, len(peers))
	for i, peer := range peers {
		servers[i] = raft.Server{
			ID:      raft.ServerID(peer),
			Address: raft.ServerAddress(peer),
		}
	}
	err := s.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
	if err != nil && err != raft.ErrCantBootstrap {
		return errors.Wrap(err, "failed to bootstrap raft group")
	}
	return nil
}

// joinMetadataRaft asks the metadata leader to add this server as a voter,
// retrying until it succeeds, the server shuts down or the attempts run out.
func (s *Server) joinMetadataRaft() {
	id := s.config.Clustering.ServerID
	data, err := protocol.MarshalRaftJoinRequest(&protocol.RaftJoinRequest{NodeID: id, NodeAddr: id})
	if err != nil {
		panic(err)
	}
	for i := 0; i < raftJoinAttempts; i++ {
		select {
		case <-s.shutdownCh:
			return
		default:
		}
		msg, err := s.ncRaft.Request(s.raftJoinInbox(), data, raftTransportTimeout)
		if err == nil {
			resp, err := protocol.UnmarshalRaftJoinResponse(msg.Data)
			if err == nil && resp.Error == "" {
				s.logger.Infof("Joined metadata raft group")
				return
			}
			if err == nil {
				err = errors.New(resp.Error)
			}
			s.logger.Debugf("Failed to join metadata raft group: %v", err)
		} else {
			s.logger.Debugf("No response to metadata raft join request: %v", err)
		}
		select {
		case <-time.After(raftJoinBackoff):
		case <-s.shutdownCh:
			return
		}
	}
	s.logger.Warnf("Gave up joining metadata raft group after %d attempts, waiting to be added", raftJoinAttempts)
}

// handleRaftJoinRequest adds the requesting server to the raft
// configuration. It is subscribed only while this server is the leader.
func (s *Server) handleRaftJoinRequest(m *nats.Msg) {
	req, err := protocol.UnmarshalRaftJoinRequest(m.Data)
	if err != nil {
		s.logger.Warnf("Invalid raft join request: %v", err)
		return
	}
	resp := &protocol.RaftJoinResponse{}
	future := s.raft.AddVoter(raft.ServerID(req.NodeID), raft.ServerAddress(req.NodeAddr), 0, 0)
	if err := future.Error(); err != nil {
		s.logger.Errorf("Failed to add %s to metadata raft group: %v", req.NodeID, err)
		resp.Error = err.Error()
	} else {
		s.logger.Infof("Added %s to metadata raft group", req.NodeID)
	}
	data, err := protocol.MarshalRaftJoinResponse(resp)
	if err != nil {
		panic(err)
	}
	if err := m.Respond(data); err != nil {
		s.logger.Errorf("Failed to respond to raft join request: %v", err)
	}
}
