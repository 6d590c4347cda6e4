package ctld

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/warrenctld/internal/log"
	"github.com/cuemby/warrenctld/internal/store"
)

// Config names the local Raft node and its storage.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Controller owns the Raft group backing one State and applies committed
// commands through its FSM. One Controller exists per warrenctld process;
// only the Raft leader's Controller may originate new commands.
type Controller struct {
	cfg   Config
	fsm   *FSM
	raft  *raft.Raft
	state *State
}

// NewController wires an FSM over state but does not yet join or bootstrap
// any Raft group — call Bootstrap or Join next. db, if non-nil, receives a
// mirrored copy of every committed mutation for operator tooling to read
// without going through Raft.
func NewController(cfg Config, state *State, db *store.Store) *Controller {
	return &Controller{
		cfg:   cfg,
		fsm:   NewFSM(state).WithStore(db),
		state: state,
	}
}

func (c *Controller) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.cfg.NodeID)
	// Tuned down from the library defaults (1s/1s/500ms) for LAN-latency
	// failover instead of WAN-latency failover.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (c *Controller) newRaft() (*raft.Raft, error) {
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ctld: create data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("ctld: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("ctld: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("ctld: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("ctld: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("ctld: create stable store: %w", err)
	}

	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("ctld: create raft: %w", err)
	}
	return r, nil
}

// Bootstrap starts a brand-new single-node cluster with this Controller as
// its sole voter.
func (c *Controller) Bootstrap() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(c.cfg.NodeID), Address: raft.ServerAddress(c.cfg.BindAddr)},
		},
	}
	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("ctld: bootstrap cluster: %w", err)
	}
	log.WithComponent("ctld").Info().Str("node_id", c.cfg.NodeID).Msg("bootstrapped single-node cluster")
	return nil
}

// Join starts Raft on this node without bootstrapping a configuration; the
// caller must separately have the leader call AddVoter for this node's ID
// and bind address (typically over an already-authenticated control RPC).
func (c *Controller) Join() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	log.WithComponent("ctld").Info().Str("node_id", c.cfg.NodeID).Msg("joined raft transport, awaiting AddVoter from leader")
	return nil
}

// AddVoter admits a new node to the cluster. Only the leader may call this.
func (c *Controller) AddVoter(nodeID, address string) error {
	if !c.IsLeader() {
		return fmt.Errorf("ctld: not the leader, current leader: %s", c.LeaderAddr())
	}
	if err := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("ctld: add voter %s: %w", nodeID, err)
	}
	log.WithComponent("ctld").Info().Str("voter", nodeID).Str("address", address).Msg("added voter")
	return nil
}

// RemoveServer evicts a node from the cluster. Only the leader may call this.
func (c *Controller) RemoveServer(nodeID string) error {
	if !c.IsLeader() {
		return fmt.Errorf("ctld: not the leader")
	}
	if err := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("ctld: remove server %s: %w", nodeID, err)
	}
	return nil
}

// GetClusterServers reports the current Raft membership.
func (c *Controller) GetClusterServers() ([]raft.Server, error) {
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("ctld: get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

func (c *Controller) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

func (c *Controller) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// Apply proposes cmd to the Raft group, blocking until it is committed and
// applied locally, and returns the FSM's Apply result. Only meaningful on
// the leader; non-leaders should forward the request instead of calling
// this directly.
func (c *Controller) Apply(cmd Command, timeout time.Duration) (interface{}, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("ctld: marshal command: %w", err)
	}
	future := c.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("ctld: apply command %s: %w", cmd.Op, err)
	}
	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// State returns the underlying state tables, for read-only queries that
// don't need to go through Raft (every mutation must go through Apply).
func (c *Controller) State() *State { return c.state }

func (c *Controller) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}
