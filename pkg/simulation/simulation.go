// Package simulation implements a deterministic, seeded consensus.Transport
// for fault-injection tests: per-edge latency, drop rate, and partitioning,
// with every simulated message recorded for post-run analysis by
// pkg/invariant and pkg/linearize.
package simulation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ancrist/confman/pkg/consensus"
)

// ErrNodeNotFound is returned when a target id was never registered.
var ErrNodeNotFound = errors.New("simulation: node not found")

// ErrDropped is returned for a message the simulated network chose to lose,
// mirroring the timeout a real client would observe.
var ErrDropped = errors.New("simulation: message dropped")

// Clock is a controllable logical clock so a simulation run can advance
// time instantaneously instead of sleeping in wall-clock time.
type Clock struct {
	mu      sync.Mutex
	current int64 // unix nanos
}

// NewClock returns a Clock starting at zero.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(0, c.current)
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current += int64(d)
}

// Get returns the current simulated time as unix nanos.
func (c *Clock) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Condition describes simulated network behavior on one directed edge.
type Condition struct {
	Delay       time.Duration
	DropRate    float64
	Partitioned bool
}

// MessageRecord logs one simulated RPC attempt for later inspection.
type MessageRecord struct {
	Time      int64
	From      string
	To        string
	Method    string
	Delivered bool
	Dropped   bool
}

// node is the subset of consensus.Node a Transport dispatches RPCs onto.
type node interface {
	HandleRequestVote(args *consensus.RequestVoteArgs) *consensus.RequestVoteReply
	HandleAppendEntries(args *consensus.AppendEntriesArgs) *consensus.AppendEntriesReply
	HandleInstallSnapshot(args *consensus.InstallSnapshotArgs) *consensus.InstallSnapshotReply
	HandleReadIndex(ctx context.Context, args *consensus.ReadIndexArgs) *consensus.ReadIndexReply
}

// Transport is a deterministic, seeded consensus.Transport: given the same
// seed and the same sequence of RPC calls, it drops and delays messages
// identically across runs, so a failing test is reproducible.
type Transport struct {
	mu         sync.RWMutex
	nodes      map[string]node
	conditions map[string]map[string]*Condition
	clock      *Clock
	rng        *rand.Rand
	rngMu      sync.Mutex
	msgMu      sync.Mutex
	messages   []MessageRecord
}

// New returns a Transport seeded for reproducible drop/jitter decisions.
func New(seed int64) *Transport {
	return &Transport{
		nodes:      make(map[string]node),
		conditions: make(map[string]map[string]*Condition),
		clock:      NewClock(),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Register attaches id's node so other nodes can reach it by that id.
func (t *Transport) Register(id string, n node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
	if t.conditions[id] == nil {
		t.conditions[id] = make(map[string]*Condition)
	}
}

// Clock returns the transport's shared simulated clock.
func (t *Transport) Clock() *Clock { return t.clock }

// SetCondition sets the simulated network behavior from one node to
// another. The edge is directed; a symmetric fault needs both directions
// set.
func (t *Transport) SetCondition(from, to string, cond Condition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conditions[from] == nil {
		t.conditions[from] = make(map[string]*Condition)
	}
	c := cond
	t.conditions[from][to] = &c
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
		if t.conditions[id] == nil {
			t.conditions[id] = make(map[string]*Condition)
		}
		if t.conditions[peer] == nil {
			t.conditions[peer] = make(map[string]*Condition)
		}
		t.conditions[id][peer] = &Condition{Partitioned: true}
		t.conditions[peer][id] = &Condition{Partitioned: true}
	}
}

// Heal clears every fault to and from id.
func (t *Transport) Heal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions[id] = make(map[string]*Condition)
	for peer := range t.conditions {
		delete(t.conditions[peer], id)
	}
}

// HealAll clears every simulated fault in the cluster.
func (t *Transport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions = make(map[string]map[string]*Condition)
}

func (t *Transport) conditionFor(from, to string) *Condition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conditions[from] == nil {
		return nil
	}
	return t.conditions[from][to]
}

func (t *Transport) shouldDrop(from, to string) (bool, time.Duration) {
	cond := t.conditionFor(from, to)
	if cond == nil {
		return false, 0
	}
	if cond.Partitioned {
		return true, 0
	}
	if cond.DropRate > 0 {
		t.rngMu.Lock()
		roll := t.rng.Float64()
		t.rngMu.Unlock()
		if roll < cond.DropRate {
			return true, 0
		}
	}
	return false, cond.Delay
}

func (t *Transport) record(from, to, method string, delivered, dropped bool) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.messages = append(t.messages, MessageRecord{
		Time: t.clock.Get(), From: from, To: to, Method: method,
		Delivered: delivered, Dropped: dropped,
	})
}

// Messages returns a copy of every recorded message so far.
func (t *Transport) Messages() []MessageRecord {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	out := make([]MessageRecord, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Transport) lookup(to string) (node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[to]
	return n, ok
}

func (t *Transport) dispatch(from, to, method string, call func(node) interface{}) (interface{}, error) {
	n, ok := t.lookup(to)
	if !ok {
		t.record(from, to, method, false, false)
		return nil, ErrNodeNotFound
	}
	drop, delay := t.shouldDrop(from, to)
	if drop {
		t.record(from, to, method, false, true)
		return nil, ErrDropped
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	t.record(from, to, method, true, false)
	return call(n), nil
}

func (t *Transport) RequestVote(peer string, args *consensus.RequestVoteArgs) (*consensus.RequestVoteReply, error) {
	reply, err := t.dispatch(args.CandidateID, peer, "RequestVote", func(n node) interface{} {
		return n.HandleRequestVote(args)
	})
	if err != nil {
		return nil, err
	}
	return reply.(*consensus.RequestVoteReply), nil
}

func (t *Transport) AppendEntries(peer string, args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error) {
	reply, err := t.dispatch(args.LeaderID, peer, "AppendEntries", func(n node) interface{} {
		return n.HandleAppendEntries(args)
	})
	if err != nil {
		return nil, err
	}
	return reply.(*consensus.AppendEntriesReply), nil
}

func (t *Transport) InstallSnapshot(peer string, args *consensus.InstallSnapshotArgs) (*consensus.InstallSnapshotReply, error) {
	reply, err := t.dispatch(args.LeaderID, peer, "InstallSnapshot", func(n node) interface{} {
		return n.HandleInstallSnapshot(args)
	})
	if err != nil {
		return nil, err
	}
	return reply.(*consensus.InstallSnapshotReply), nil
}

// ReadIndex carries no sender identity, so it is not subject to the
// directed drop/delay conditions the other RPCs are (pkg/transport/local
// makes the same simplification, for the same reason): it only fails for an
// unregistered target.
func (t *Transport) ReadIndex(peer string, args *consensus.ReadIndexArgs) (*consensus.ReadIndexReply, error) {
	n, ok := t.lookup(peer)
	if !ok {
		t.record(peer, peer, "ReadIndex", false, false)
		return nil, ErrNodeNotFound
	}
	t.record(peer, peer, "ReadIndex", true, false)
	return n.HandleReadIndex(context.Background(), args), nil
}
