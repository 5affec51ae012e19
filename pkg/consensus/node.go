package consensus

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/wal"
)

// Node is one member of a confman raft group.
type Node struct {
	mu sync.RWMutex

	id  string
	cfg Config

	storage   Storage
	applier   Applier
	transport Transport
	members   *cluster.Manager
	logger    *log.Logger

	currentTerm uint64
	votedFor    string
	commitIndex uint64
	lastApplied uint64
	state       Role
	leaderID    string

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	pendingCommits map[uint64]*pendingCommit
	pendingReads   []*pendingRead
	readMu         sync.Mutex

	electionDeadline time.Time
	electionMu       sync.Mutex
	electionResetCh  chan struct{}

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	snapshotInProgress  int32
	appliedSinceSnapCut uint64
}

// New constructs a Node. The returned Node is idle until Start is called.
func New(cfg Config, storage Storage, applier Applier, transport Transport, members *cluster.Manager, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.New(os.Stderr, fmt.Sprintf("[consensus %s] ", cfg.ID), log.LstdFlags)
	}
	n := &Node{
		id:               cfg.ID,
		cfg:              cfg,
		storage:          storage,
		applier:          applier,
		transport:        transport,
		members:          members,
		logger:           logger,
		currentTerm:      storage.CurrentTerm(),
		votedFor:         storage.VotedFor(),
		commitIndex:      storage.CommitIndex(),
		lastApplied:      applier.LastApplied(),
		state:            Follower,
		nextIndex:        make(map[string]uint64),
		matchIndex:       make(map[string]uint64),
		pendingCommits:   make(map[uint64]*pendingCommit),
		electionResetCh:  make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		electionDeadline: time.Now().Add(cfg.ElectionTimeoutMax),
	}
	return n
}

// Start begins the node's election/replication/apply loops.
func (n *Node) Start() {
	n.wg.Add(2)
	go n.run()
	go n.applyLoop()
}

// Stop halts all loops. A stopped Node cannot be restarted.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}
		n.mu.RLock()
		state := n.state
		n.mu.RUnlock()

		switch state {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	n.resetElectionDeadline()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.electionMu.Lock()
		deadline := n.electionDeadline
		n.electionMu.Unlock()
		timeout := time.Until(deadline)
		if timeout <= 0 {
			n.mu.Lock()
			if n.state == Follower {
				n.becomeCandidateLocked()
			}
			n.mu.Unlock()
			return
		}

		select {
		case <-n.stopCh:
			return
		case <-n.electionResetCh:
			n.resetElectionDeadline()
		case <-time.After(timeout):
			n.mu.Lock()
			if n.state == Follower {
				n.becomeCandidateLocked()
			}
			n.mu.Unlock()
			return
		}
	}
}

func (n *Node) runCandidate() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	currentTerm := n.currentTerm
	lastLogIndex := n.storage.LastIndex()
	lastLogTerm := n.storage.LastTerm()
	n.persistHardStateLocked()
	n.mu.Unlock()

	n.logger.Printf("starting election for term %d", currentTerm)

	voters := n.members.GetVotingMembers()
	votesNeeded := int32(len(voters)/2 + 1)
	votesReceived := int32(1)
	winCh := make(chan struct{}, 1)

	var wg sync.WaitGroup
	for _, v := range voters {
		if v.ID == n.id {
			continue
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			args := &RequestVoteArgs{
				Term:         currentTerm,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}
			reply, err := n.transport.RequestVote(peer, args)
			if err != nil {
				return
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
				return
			}
			if n.state != Candidate || n.currentTerm != currentTerm {
				return
			}
			if reply.VoteGranted {
				if atomic.AddInt32(&votesReceived, 1) >= votesNeeded {
					n.becomeLeaderLocked()
					select {
					case winCh <- struct{}{}:
					default:
					}
				}
			}
		}(v.ID)
	}

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()
	select {
	case <-n.stopCh:
	case <-winCh:
	case <-timer.C:
	case <-n.electionResetCh:
	}
}

func (n *Node) runLeader() {
	n.sendHeartbeats()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.RLock()
			isLeader := n.state == Leader
			n.mu.RUnlock()
			if !isLeader {
				return
			}
			n.sendHeartbeats()
			n.tryAdvanceCommitIndex()
			n.checkPendingReads()
			n.maybeSnapshot()
		case <-n.electionResetCh:
		}
	}
}

func (n *Node) resetElectionDeadline() {
	n.electionMu.Lock()
	defer n.electionMu.Unlock()
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo := int64(n.cfg.ElectionTimeoutMin)
	hi := int64(n.cfg.ElectionTimeoutMax)
	if hi <= lo {
		return time.Duration(lo)
	}
	return time.Duration(lo + rand.Int63n(hi-lo))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
	n.resetElectionDeadline()
}

// State returns the node's current term and role.
func (n *Node) State() (uint64, Role) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm, n.state
}

// CurrentTerm returns the node's current term.
func (n *Node) CurrentTerm() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm
}

// IsLeader reports whether this node currently believes it is leader.
func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == Leader
}

// LeaderID returns the last known leader id, or "" if none.
func (n *Node) LeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

// CommitIndex returns the node's current commit index.
func (n *Node) CommitIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitIndex
}

// LastApplied returns the highest index applied to the state machine.
func (n *Node) LastApplied() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastApplied
}

func (n *Node) becomeFollowerLocked(term uint64) {
	n.logger.Printf("becoming follower for term %d", term)
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = ""
	n.failPendingCommitsLocked(ErrNotLeader)
	n.persistHardStateLocked()
}

func (n *Node) becomeCandidateLocked() {
	n.logger.Printf("becoming candidate for term %d", n.currentTerm+1)
	n.state = Candidate
}

func (n *Node) becomeLeaderLocked() {
	n.logger.Printf("becoming leader for term %d", n.currentTerm)
	n.state = Leader
	n.leaderID = n.id

	lastIndex := n.storage.LastIndex()
	for _, m := range n.members.GetVotingMembers() {
		if m.ID == n.id {
			continue
		}
		n.nextIndex[m.ID] = lastIndex + 1
		n.matchIndex[m.ID] = 0
	}

	noop := wal.Entry{Index: lastIndex + 1, Term: n.currentTerm, Kind: wal.EntryNoOp}
	if err := n.storage.Append([]wal.Entry{noop}); err != nil {
		n.logger.Printf("failed to append no-op leadership entry: %v", err)
	}
}

func (n *Node) failPendingCommitsLocked(err error) {
	for idx, p := range n.pendingCommits {
		select {
		case p.resultCh <- CommitResult{Index: idx, Err: err}:
		default:
		}
		delete(n.pendingCommits, idx)
	}
}

func (n *Node) persistHardStateLocked() {
	if err := n.storage.SetHardState(n.currentTerm, n.votedFor, n.commitIndex); err != nil {
		n.logger.Printf("failed to persist hard state: %v", err)
	}
}

func (n *Node) isLogUpToDateLocked(lastLogIndex, lastLogTerm uint64) bool {
	myTerm := n.storage.LastTerm()
	myIndex := n.storage.LastIndex()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIndex
}

func sortDescending(xs []uint64) {
	sort.Slice(xs, func(i, j int) bool { return xs[i] > xs[j] })
}
