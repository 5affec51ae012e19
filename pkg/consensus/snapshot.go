package consensus

import (
	"os"
	"sync/atomic"

	"github.com/ancrist/confman/pkg/wal"
)

func (n *Node) maybeSnapshot() {
	n.mu.RLock()
	applied := n.appliedSinceSnapCut
	threshold := n.cfg.SnapshotInterval
	n.mu.RUnlock()
	if threshold == 0 || applied < threshold {
		return
	}
	if !atomic.CompareAndSwapInt32(&n.snapshotInProgress, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreInt32(&n.snapshotInProgress, 0)
		n.mu.RLock()
		lastApplied := n.lastApplied
		n.mu.RUnlock()
		if err := n.CreateSnapshot(lastApplied); err != nil {
			n.logger.Printf("snapshot at %d failed: %v", lastApplied, err)
		}
	}()
}

// CreateSnapshot asks the applier to stream a snapshot covering entries up
// through index, then compacts the log behind it. Safe to call from
// outside the leader loop (e.g. on an operator-triggered snapshot).
func (n *Node) CreateSnapshot(index uint64) error {
	n.mu.RLock()
	entry, err := n.storage.Entry(index)
	n.mu.RUnlock()
	if err != nil {
		return nil
	}

	path, err := n.applier.TakeSnapshot(index, entry.Term)
	if err != nil {
		return err
	}

	if err := n.storage.Compact(index); err != nil {
		return err
	}

	n.mu.Lock()
	n.appliedSinceSnapCut = 0
	n.mu.Unlock()
	n.logger.Printf("created snapshot at index %d (%s)", index, path)
	return nil
}

func (n *Node) sendSnapshot(peer string, term uint64) {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}
	lastIncluded := n.storage.FirstIndex()
	if lastIncluded > 0 {
		lastIncluded--
	}
	n.mu.RUnlock()

	entry, err := n.storage.Entry(lastIncluded)
	var lastIncludedTerm uint64
	if err == nil {
		lastIncludedTerm = entry.Term
	}

	path, err := n.applier.TakeSnapshot(lastIncluded, lastIncludedTerm)
	if err != nil {
		n.logger.Printf("failed to prepare snapshot for %s: %v", peer, err)
		return
	}

	// Path is passed through rather than reading the file here: an
	// in-process transport (pkg/transport/local, pkg/simulation)
	// shares this filesystem and just forwards args to the follower's
	// HandleInstallSnapshot, while pkg/transport/grpc opens path itself and
	// streams it in bounded chunks, so a multi-hundred-megabyte snapshot is
	// never held whole in memory at any point in the transfer.
	args := &InstallSnapshotArgs{
		Term:              term,
		LeaderID:          n.id,
		LastIncludedIndex: lastIncluded,
		LastIncludedTerm:  lastIncludedTerm,
		Path:              path,
	}
	reply, err := n.transport.InstallSnapshot(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(reply.Term)
		return
	}
	n.nextIndex[peer] = lastIncluded + 1
	n.matchIndex[peer] = lastIncluded
}

// HandleInstallSnapshot installs a leader-sent snapshot, discarding any
// local log entries it supersedes.
func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	n.mu.Lock()
	reply := &InstallSnapshotReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		n.mu.Unlock()
		return reply
	}
	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	n.leaderID = args.LeaderID
	n.resetElectionTimer()
	reply.Term = n.currentTerm
	n.mu.Unlock()

	// Path is set by transports that share this filesystem with the leader
	// (local, simulation) or that have already staged the streamed chunks
	// to disk themselves (grpc); Data is only used by a transport that both
	// crosses a network boundary and has chosen to buffer the whole
	// snapshot anyway, which confman's own transports never do.
	snapshotPath := args.Path
	if snapshotPath == "" {
		tmp, err := os.CreateTemp("", "confman-snapshot-install-*")
		if err != nil {
			n.logger.Printf("failed to stage incoming snapshot: %v", err)
			return reply
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(args.Data); err != nil {
			tmp.Close()
			n.logger.Printf("failed to write staged snapshot: %v", err)
			return reply
		}
		tmp.Close()
		snapshotPath = tmp.Name()
	}

	if err := n.applier.RestoreSnapshot(snapshotPath); err != nil {
		n.logger.Printf("failed to restore snapshot: %v", err)
		return reply
	}

	n.mu.Lock()
	if err := n.storage.TruncateAfter(args.LastIncludedIndex); err == nil {
		n.storage.Append([]wal.Entry{{
			Index: args.LastIncludedIndex,
			Term:  args.LastIncludedTerm,
			Kind:  wal.EntryNoOp,
		}})
	}
	if err := n.storage.Compact(args.LastIncludedIndex); err != nil {
		n.logger.Printf("compact after snapshot install failed: %v", err)
	}
	if args.LastIncludedIndex > n.commitIndex {
		n.commitIndex = args.LastIncludedIndex
	}
	if args.LastIncludedIndex > n.lastApplied {
		n.lastApplied = args.LastIncludedIndex
	}
	n.persistHardStateLocked()
	n.mu.Unlock()

	n.logger.Printf("installed snapshot at index %d", args.LastIncludedIndex)
	return reply
}
