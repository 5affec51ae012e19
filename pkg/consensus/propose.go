package consensus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ancrist/confman/pkg/wal"
)

// Propose appends a command-kind entry and blocks until it commits or ctx
// is done. It is the building block pkg/propose's batching proposer calls
// once per flushed batch.
func (n *Node) Propose(ctx context.Context, payload []byte) (CommitResult, error) {
	return n.proposeKind(ctx, wal.EntryCommand, payload)
}

func (n *Node) proposeKind(ctx context.Context, kind wal.EntryKind, payload []byte) (CommitResult, error) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return CommitResult{}, ErrNotLeader
	}
	index := n.storage.LastIndex() + 1
	term := n.currentTerm
	entry := wal.Entry{Index: index, Term: term, Kind: kind, Command: payload}
	if err := n.storage.Append([]wal.Entry{entry}); err != nil {
		n.mu.Unlock()
		return CommitResult{}, err
	}
	resultCh := make(chan CommitResult, 1)
	n.pendingCommits[index] = &pendingCommit{index: index, resultCh: resultCh}
	n.mu.Unlock()

	select {
	case result := <-resultCh:
		if result.Err != nil {
			return CommitResult{}, result.Err
		}
		return result, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pendingCommits, index)
		n.mu.Unlock()
		return CommitResult{}, ctx.Err()
	}
}

// ConfirmLeadership runs a heartbeat-quorum round and reports whether this
// node is still leader of the given term once a majority has acknowledged.
func (n *Node) ConfirmLeadership(ctx context.Context, term uint64) bool {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return false
	}
	voters := n.members.GetVotingMembers()
	needed := int32(len(voters)/2 + 1)
	commitIndex := n.commitIndex
	prevLogIndex := n.storage.LastIndex()
	prevLogTerm := n.storage.LastTerm()
	n.mu.RUnlock()

	ackCount := int32(1)
	done := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, v := range voters {
		if v.ID == n.id {
			continue
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			args := &AppendEntriesArgs{
				Term:         term,
				LeaderID:     n.id,
				PrevLogIndex: prevLogIndex,
				PrevLogTerm:  prevLogTerm,
				LeaderCommit: commitIndex,
			}
			reply, err := n.transport.AppendEntries(peer, args)
			if err != nil || !reply.Success {
				return
			}
			if atomic.AddInt32(&ackCount, 1) >= needed {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}(v.ID)
	}

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(n.cfg.HeartbeatInterval * 3):
		return atomic.LoadInt32(&ackCount) >= needed
	}
}

// WaitForApply blocks until the state machine has applied at least index,
// or ctx ends.
func (n *Node) WaitForApply(ctx context.Context, index uint64) error {
	for {
		n.mu.RLock()
		applied := n.lastApplied
		n.mu.RUnlock()
		if applied >= index {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// RequestReadIndex returns the current commit index and true when this node
// is leader, so the caller can wait on it via WaitForApply. It neither
// confirms leadership with a quorum nor registers the caller anywhere.
func (n *Node) RequestReadIndex() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != Leader {
		return 0, false
	}
	return n.commitIndex, true
}

func (n *Node) checkPendingReads() {
	n.readMu.Lock()
	defer n.readMu.Unlock()
	n.mu.RLock()
	applied := n.lastApplied
	n.mu.RUnlock()

	var remaining []*pendingRead
	for _, r := range n.pendingReads {
		if applied >= r.index {
			select {
			case r.resultCh <- struct{}{}:
			default:
			}
		} else {
			remaining = append(remaining, r)
		}
	}
	n.pendingReads = remaining
}

// HandleReadIndex answers a follower's request for the leader's confirmed
// commit index, used by pkg/readbarrier's follower read path.
func (n *Node) HandleReadIndex(ctx context.Context, args *ReadIndexArgs) *ReadIndexReply {
	n.mu.RLock()
	term := n.currentTerm
	isLeader := n.state == Leader
	n.mu.RUnlock()
	reply := &ReadIndexReply{Term: term}
	if !isLeader {
		return reply
	}
	if !n.ConfirmLeadership(ctx, term) {
		return reply
	}
	n.mu.RLock()
	reply.Index = n.commitIndex
	reply.IsLeader = n.state == Leader && n.currentTerm == term
	n.mu.RUnlock()
	return reply
}
