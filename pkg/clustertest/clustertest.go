// Package clustertest wires an in-process N-node confman cluster over
// pkg/transport/local, for the consensus safety and linearizability test
// suites described in SPEC_FULL.md §4.10. Every node runs a real
// consensus.Node, statemachine.Applier, and store.MemStore; only the
// network is faked, and each node's WAL lives in its own temp directory.
package clustertest

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/command"
	"github.com/ancrist/confman/pkg/consensus"
	"github.com/ancrist/confman/pkg/statemachine"
	"github.com/ancrist/confman/pkg/store"
	"github.com/ancrist/confman/pkg/transport/local"
	"github.com/ancrist/confman/pkg/wal"
)

// Cluster is a set of in-process confman nodes sharing one local.Transport.
type Cluster struct {
	Nodes     []*consensus.Node
	Stores    []*store.MemStore
	Appliers  []*statemachine.Applier
	WALs      []*wal.Log
	Transport *local.Transport
	tmpDirs   []string
}

// New builds a size-node cluster with static membership known to every node
// up front (spec.md's membership model has no dynamic peer discovery).
func New(size int) (*Cluster, error) {
	transport := local.New()

	nodeIDs := make([]string, size)
	for i := 0; i < size; i++ {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
	}

	c := &Cluster{
		Nodes:     make([]*consensus.Node, size),
		Stores:    make([]*store.MemStore, size),
		Appliers:  make([]*statemachine.Applier, size),
		WALs:      make([]*wal.Log, size),
		Transport: transport,
	}

	for i := 0; i < size; i++ {
		peers := make([]string, 0, size-1)
		for j := 0; j < size; j++ {
			if j != i {
				peers = append(peers, nodeIDs[j])
			}
		}

		walDir, err := os.MkdirTemp("", fmt.Sprintf("confman-clustertest-%s-", nodeIDs[i]))
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.tmpDirs = append(c.tmpDirs, walDir)

		walLog, err := wal.Open(walDir, wal.Options{})
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.WALs[i] = walLog

		snapDir, err := os.MkdirTemp("", fmt.Sprintf("confman-clustertest-snap-%s-", nodeIDs[i]))
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.tmpDirs = append(c.tmpDirs, snapDir)

		memStore := store.NewMemStore()
		c.Stores[i] = memStore

		logger := log.New(os.Stderr, fmt.Sprintf("[clustertest %s] ", nodeIDs[i]), log.LstdFlags)
		applier := statemachine.New(memStore, logger, snapDir)
		c.Appliers[i] = applier

		members := cluster.NewManager()
		for _, id := range nodeIDs {
			if err := members.AddMember(id, id, true); err != nil {
				c.Cleanup()
				return nil, err
			}
			if err := members.ActivateMember(id); err != nil {
				c.Cleanup()
				return nil, err
			}
		}

		cfg := consensus.Config{
			ID:                 nodeIDs[i],
			Peers:              peers,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			SnapshotInterval:   10000,
			RequestTimeout:     2 * time.Second,
		}

		node := consensus.New(cfg, walLog, applier, transport, members, logger)
		c.Nodes[i] = node
		transport.Register(nodeIDs[i], node)
	}

	return c, nil
}

// Start starts every node's election/replication/apply loops.
func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		n.Start()
	}
}

// Stop halts every node.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		if n != nil {
			n.Stop()
		}
	}
}

// Cleanup stops the cluster and removes every node's WAL and snapshot
// directories.
func (c *Cluster) Cleanup() {
	c.Stop()
	for _, w := range c.WALs {
		if w != nil {
			w.Close()
		}
	}
	time.Sleep(50 * time.Millisecond)
	for _, dir := range c.tmpDirs {
		os.RemoveAll(dir)
	}
}

// Leader returns the current leader node, or nil if none has been elected.
func (c *Cluster) Leader() *consensus.Node {
	for _, n := range c.Nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

// WaitForLeader polls until a leader is elected or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*consensus.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.Leader(); l != nil {
			return l, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("clustertest: no leader elected within %s", timeout)
}

// PartitionLeader isolates the current leader from the rest of the cluster
// and returns the node that was partitioned.
func (c *Cluster) PartitionLeader() *consensus.Node {
	leader := c.Leader()
	if leader != nil {
		c.Transport.Partition(idOf(leader, c.Nodes))
	}
	return leader
}

// HealPartition clears every partition and disconnection in the cluster.
func (c *Cluster) HealPartition() {
	c.Transport.HealAll()
}

// SubmitSetConfig proposes a SetConfig command against the current leader,
// retrying while no leader is known or the leader changes mid-flight.
func (c *Cluster) SubmitSetConfig(ctx context.Context, namespace, key string, value []byte, timeout time.Duration) error {
	return c.submit(ctx, command.NewSetConfig(namespace, key, value, "string", "clustertest", time.Now()), timeout)
}

func (c *Cluster) submit(ctx context.Context, cmd command.Command, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	for time.Now().Before(deadline) {
		leader := c.Leader()
		if leader == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		remaining := time.Until(deadline)
		if remaining < 200*time.Millisecond {
			remaining = 200 * time.Millisecond
		}
		callCtx, cancel := context.WithTimeout(ctx, remaining)
		_, err := leader.Propose(callCtx, payload)
		cancel()
		if err == nil {
			return nil
		}
		if err == consensus.ErrNotLeader || err == context.DeadlineExceeded {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("clustertest: timed out submitting command")
}

func idOf(target *consensus.Node, nodes []*consensus.Node) string {
	for i, n := range nodes {
		if n == target {
			return fmt.Sprintf("node-%d", i)
		}
	}
	return ""
}
