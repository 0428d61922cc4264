package raft

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/turnstile/pkg/fsm"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/storage"
	"github.com/pixperk/turnstile/pkg/types"
)

// wraps a raft inst with our fsm and provides a clean api
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	storage   *storage.RaftStorage
	transport raft.Transport
	cfg       *Config
	logger    hclog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Config struct {
	NodeID       uuid.UUID     //unique ID for this node
	BindAddr     string        //net addr to bind Raft communication
	DataDir      string        //data directory for Raft storage
	Bootstrap    bool          //if this is the first node in the cluster
	InMemory     bool          //keep log, state and snapshots in memory, use an in-process transport
	ReapInterval time.Duration //how often the leader looks for expired sessions
	ApplyTimeout time.Duration //how long a command may wait to be committed
	Logger       hclog.Logger
}

const (
	defaultReapInterval = 500 * time.Millisecond
	defaultApplyTimeout = 5 * time.Second
)

func NewNode(cfg *Config) (*Node, error) {
	if cfg.NodeID == uuid.Nil {
		cfg.NodeID = uuid.New()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	logger := logging.OrNull(cfg.Logger)

	raftFSM := fsm.NewRaftFSM()
	stateMachine := raftFSM.FSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger.Named("raft")

	var (
		raftStorage *storage.RaftStorage
		transport   raft.Transport
		err         error
	)

	if cfg.InMemory {
		//tight timings, there is no network in between
		raftCfg.HeartbeatTimeout = 50 * time.Millisecond
		raftCfg.ElectionTimeout = 50 * time.Millisecond
		raftCfg.LeaderLeaseTimeout = 50 * time.Millisecond
		raftCfg.CommitTimeout = 5 * time.Millisecond

		raftStorage = storage.NewInmemStorage()
		_, transport = raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID.String()))
	} else {
		raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
		raftCfg.ElectionTimeout = 1000 * time.Millisecond
		raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
		raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

		//add boltDB storage
		raftStorage, err = storage.NewBoltDBStorage(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create stores: %w", err)
		}

		transport, err = newTCPTransport(cfg.BindAddr, logger)
		if err != nil {
			raftStorage.Close()
			return nil, err
		}
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			raftStorage.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	n := &Node{
		raft:      r,
		fsm:       stateMachine,
		raftFSM:   raftFSM,
		storage:   raftStorage,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	n.wg.Add(1)
	go n.reapSessions()

	return n, nil
}

// tcp transport for inter-node communication
func newTCPTransport(bindAddr string, logger hclog.Logger) (raft.Transport, error) {
	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	//with port 0 let the listener pick and advertise the real port
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil
	}

	transport, err := raft.NewTCPTransportWithLogger(bindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return transport, nil
}

// apply a command to the Raft cluster
// domain errors raised by the fsm come back as the error result
func (n *Node) Apply(cmd types.Command) (any, error) {
	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", types.ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// reads below are served from the local fsm and may trail the leader

func (n *Node) Children(path string) ([]string, error) {
	return n.fsm.Children(path)
}

func (n *Node) GetDataW(path string) ([]byte, <-chan types.WatchEvent, func(), error) {
	return n.fsm.GetDataW(path)
}

func (n *Node) ChildrenW(path string) ([]string, <-chan types.WatchEvent, func(), error) {
	return n.fsm.ChildrenW(path)
}

func (n *Node) GetNode(path string) (*types.Node, bool) {
	return n.fsm.GetNode(path)
}

func (n *Node) GetSession(sessionID uint64) (*types.Session, bool) {
	return n.fsm.GetSession(sessionID)
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) GetNodeID() uuid.UUID {
	return n.cfg.NodeID
}

func (n *Node) GetState() raft.RaftState {
	return n.raft.State()
}

func (n *Node) GetAppliedIndex() uint64 {
	return n.raft.AppliedIndex()
}

// returns the number of servers in the raft configuration
func (n *Node) GetClusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// adds a voting member, must be called on the leader
func (n *Node) Join(nodeID, addr string) error {
	if !n.IsLeader() {
		return types.ErrNotLeader
	}

	n.logger.Info("adding voter", "node_id", nodeID, "addr", addr)
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()

		err = n.raft.Shutdown().Error()
		if closeErr := n.storage.Close(); err == nil {
			err = closeErr
		}
		if closer, ok := n.transport.(interface{ Close() error }); ok {
			closer.Close()
		}
	})
	return err
}
