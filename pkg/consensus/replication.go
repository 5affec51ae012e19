package consensus

import (
	"github.com/ancrist/confman/pkg/wal"
)

func (n *Node) sendHeartbeats() {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return
	}
	term := n.currentTerm
	n.mu.RUnlock()

	for _, m := range n.members.GetVotingMembers() {
		if m.ID == n.id {
			continue
		}
		go n.replicateToPeer(m.ID, term)
	}
}

func (n *Node) replicateToPeer(peer string, term uint64) {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}
	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = n.storage.LastIndex() + 1
	}
	firstIdx := n.storage.FirstIndex()
	if firstIdx > 0 && nextIdx <= firstIdx && n.storage.LastIndex() >= firstIdx {
		// The peer needs entries the log no longer retains; catch it up via
		// a full snapshot install instead of replication.
		n.mu.RUnlock()
		n.sendSnapshot(peer, term)
		return
	}

	prevLogIndex := nextIdx - 1
	var prevLogTerm uint64
	if prevLogIndex > 0 {
		if e, err := n.storage.Entry(prevLogIndex); err == nil {
			prevLogTerm = e.Term
		}
	}
	entries := n.storage.Slice(nextIdx, n.storage.LastIndex())
	leaderCommit := n.commitIndex
	n.mu.RUnlock()

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	reply, err := n.transport.AppendEntries(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(reply.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}

	if reply.Success {
		newNext := nextIdx + uint64(len(entries))
		if newNext > n.nextIndex[peer] {
			n.nextIndex[peer] = newNext
		}
		newMatch := newNext - 1
		if newMatch > n.matchIndex[peer] {
			n.matchIndex[peer] = newMatch
		}
		n.tryAdvanceCommitIndexLocked()
		return
	}

	switch {
	case reply.ConflictTerm > 0:
		found := uint64(0)
		for idx := n.storage.LastIndex(); idx >= n.storage.FirstIndex() && idx > 0; idx-- {
			e, err := n.storage.Entry(idx)
			if err != nil {
				break
			}
			if e.Term == reply.ConflictTerm {
				found = e.Index
				break
			}
			if e.Term < reply.ConflictTerm {
				break
			}
		}
		if found > 0 {
			n.nextIndex[peer] = found + 1
		} else {
			n.nextIndex[peer] = reply.ConflictIndex
		}
	case reply.ConflictIndex > 0:
		n.nextIndex[peer] = reply.ConflictIndex
	default:
		if n.nextIndex[peer] > 1 {
			n.nextIndex[peer]--
		}
	}
}

func (n *Node) tryAdvanceCommitIndex() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tryAdvanceCommitIndexLocked()
}

func (n *Node) tryAdvanceCommitIndexLocked() {
	if n.state != Leader {
		return
	}
	voters := n.members.GetVotingMembers()
	matchIndices := make([]uint64, 0, len(voters))
	matchIndices = append(matchIndices, n.storage.LastIndex())
	for _, m := range voters {
		if m.ID == n.id {
			continue
		}
		matchIndices = append(matchIndices, n.matchIndex[m.ID])
	}
	sortDescending(matchIndices)

	majority := len(voters) / 2
	if majority >= len(matchIndices) {
		return
	}
	candidate := matchIndices[majority]
	if candidate <= n.commitIndex {
		return
	}
	e, err := n.storage.Entry(candidate)
	if err != nil || e.Term != n.currentTerm {
		// Raft safety: never commit an entry from a prior term purely by
		// counting replicas; it only becomes committed once an entry from
		// the leader's own term also reaches a majority.
		return
	}
	old := n.commitIndex
	n.commitIndex = candidate
	n.persistHardStateLocked()
	n.logger.Printf("commit index advanced %d -> %d", old, candidate)

	for idx := old + 1; idx <= candidate; idx++ {
		if p, ok := n.pendingCommits[idx]; ok {
			entry, err := n.storage.Entry(idx)
			term := n.currentTerm
			if err == nil {
				term = entry.Term
			}
			select {
			case p.resultCh <- CommitResult{Index: idx, Term: term}:
			default:
			}
			delete(n.pendingCommits, idx)
		}
	}
}

// HandleRequestVote answers a candidate's vote request.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &RequestVoteReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	reply.Term = n.currentTerm

	if (n.votedFor == "" || n.votedFor == args.CandidateID) && n.isLogUpToDateLocked(args.LastLogIndex, args.LastLogTerm) {
		n.votedFor = args.CandidateID
		reply.VoteGranted = true
		n.persistHardStateLocked()
		n.resetElectionTimer()
		n.logger.Printf("granted vote to %s for term %d", args.CandidateID, args.Term)
	}
	return reply
}

// HandleAppendEntries replicates (or heartbeats) from the current leader.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &AppendEntriesReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm || n.state == Candidate {
		n.becomeFollowerLocked(args.Term)
	}

	n.leaderID = args.LeaderID
	n.resetElectionTimer()
	reply.Term = n.currentTerm

	if args.PrevLogIndex > 0 {
		e, err := n.storage.Entry(args.PrevLogIndex)
		if err != nil {
			reply.ConflictIndex = n.storage.LastIndex() + 1
			return reply
		}
		if e.Term != args.PrevLogTerm {
			conflictTerm := e.Term
			reply.ConflictTerm = conflictTerm
			reply.ConflictIndex = args.PrevLogIndex
			for idx := args.PrevLogIndex; idx >= n.storage.FirstIndex() && idx > 0; idx-- {
				cur, err := n.storage.Entry(idx)
				if err != nil || cur.Term != conflictTerm {
					reply.ConflictIndex = idx + 1
					break
				}
				if idx == n.storage.FirstIndex() {
					reply.ConflictIndex = idx
				}
			}
			return reply
		}
	}

	if len(args.Entries) > 0 {
		var toAppend []wal.Entry
		for i, entry := range args.Entries {
			idx := args.PrevLogIndex + 1 + uint64(i)
			existing, err := n.storage.Entry(idx)
			if err == nil {
				if existing.Term == entry.Term {
					continue
				}
				if truncErr := n.storage.TruncateAfter(idx - 1); truncErr != nil {
					n.logger.Printf("truncate on conflict failed: %v", truncErr)
				}
			}
			toAppend = append(toAppend, args.Entries[i:]...)
			break
		}
		if len(toAppend) > 0 {
			if err := n.storage.Append(toAppend); err != nil {
				n.logger.Printf("append entries failed: %v", err)
				return reply
			}
		}
	}

	if args.LeaderCommit > n.commitIndex {
		lastNew := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNew {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
		n.persistHardStateLocked()
	}

	reply.Success = true
	return reply
}
