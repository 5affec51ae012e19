// Package local implements an in-memory consensus.Transport for tests and
// pkg/clustertest, with partition/latency injection so safety and
// linearizability tests can exercise network faults deterministically.
package local

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ancrist/confman/pkg/consensus"
)

// ErrNodeUnreachable is returned for a target that is unregistered or that
// the caller is currently disconnected/partitioned from.
var ErrNodeUnreachable = errors.New("local: node unreachable")

// node is the subset of consensus.Node a Transport dispatches onto.
type node interface {
	HandleRequestVote(args *consensus.RequestVoteArgs) *consensus.RequestVoteReply
	HandleAppendEntries(args *consensus.AppendEntriesArgs) *consensus.AppendEntriesReply
	HandleInstallSnapshot(args *consensus.InstallSnapshotArgs) *consensus.InstallSnapshotReply
	HandleReadIndex(ctx context.Context, args *consensus.ReadIndexArgs) *consensus.ReadIndexReply
}

// Transport wires a set of in-process nodes together without any real
// networking, so a simulation can run a whole cluster inside one test
// process and still fail RequestVote, AppendEntries and InstallSnapshot
// exactly as a real partition would.
type Transport struct {
	mu       sync.RWMutex
	nodes    map[string]node
	disabled map[string]map[string]bool
	latency  time.Duration
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{
		nodes:    make(map[string]node),
		disabled: make(map[string]map[string]bool),
	}
}

// Register attaches id's node so other nodes can reach it by that id.
func (t *Transport) Register(id string, n node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

// SetLatency adds d of artificial delay to every RPC, simulating a slow
// network without needing real sockets.
func (t *Transport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect makes RPCs *from* from *to* to fail, one direction only (a
// real asymmetric network partition).
func (t *Transport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect reverses a prior Disconnect.
func (t *Transport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates id from every other registered node, in both
// directions.
func (t *Transport) Partition(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.nodes {
		if peer == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		if t.disabled[peer] == nil {
			t.disabled[peer] = make(map[string]bool)
		}
		t.disabled[id][peer] = true
		t.disabled[peer][id] = true
	}
}

// Heal restores every connection to and from id.
func (t *Transport) Heal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[string]bool)
	for peer := range t.disabled {
		delete(t.disabled[peer], id)
	}
}

// HealAll clears every partition and disconnection in the cluster.
func (t *Transport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *Transport) connected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *Transport) lookup(from, to string) (node, time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[to]
	if !ok || !t.connected(from, to) {
		return nil, 0, ErrNodeUnreachable
	}
	return n, t.latency, nil
}

func (t *Transport) RequestVote(peer string, args *consensus.RequestVoteArgs) (*consensus.RequestVoteReply, error) {
	n, latency, err := t.lookup(args.CandidateID, peer)
	if err != nil {
		return nil, err
	}
	sleep(latency)
	return n.HandleRequestVote(args), nil
}

func (t *Transport) AppendEntries(peer string, args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error) {
	n, latency, err := t.lookup(args.LeaderID, peer)
	if err != nil {
		return nil, err
	}
	sleep(latency)
	return n.HandleAppendEntries(args), nil
}

func (t *Transport) InstallSnapshot(peer string, args *consensus.InstallSnapshotArgs) (*consensus.InstallSnapshotReply, error) {
	n, latency, err := t.lookup(args.LeaderID, peer)
	if err != nil {
		return nil, err
	}
	sleep(latency)
	return n.HandleInstallSnapshot(args), nil
}

// ReadIndex has no sender identity in its args, so it is routed purely by
// target id: Disconnect and Partition do not affect it, so a follower
// partitioned from its believed leader still reaches that leader.
func (t *Transport) ReadIndex(peer string, args *consensus.ReadIndexArgs) (*consensus.ReadIndexReply, error) {
	t.mu.RLock()
	n, ok := t.nodes[peer]
	latency := t.latency
	t.mu.RUnlock()
	if !ok {
		return nil, ErrNodeUnreachable
	}
	sleep(latency)
	return n.HandleReadIndex(context.Background(), args), nil
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
