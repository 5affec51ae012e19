package consensus

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/ancrist/confman/pkg/wal"
)

// membershipChange is the payload carried by an EntryMembership log entry.
// Unlike EntryCommand payloads, the consensus engine itself interprets
// this one directly — membership is a consensus-layer concern, not a
// state-machine domain concern, so it never goes through pkg/statemachine.
type membershipChange struct {
	ID      string
	Address string
	Voting  bool
	Remove  bool
}

func encodeMembershipChange(c membershipChange) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(c)
	return buf.Bytes()
}

func decodeMembershipChange(data []byte) (membershipChange, error) {
	var c membershipChange
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c)
	return c, err
}

func (n *Node) applyLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}

		n.mu.RLock()
		commitIndex := n.commitIndex
		lastApplied := n.lastApplied
		n.mu.RUnlock()

		for idx := lastApplied + 1; idx <= commitIndex; idx++ {
			entry, err := n.storage.Entry(idx)
			if err != nil {
				break
			}
			n.applyEntry(entry)
			n.mu.Lock()
			n.lastApplied = idx
			n.appliedSinceSnapCut++
			n.mu.Unlock()
		}
	}
}

func (n *Node) applyEntry(entry wal.Entry) {
	switch entry.Kind {
	case wal.EntryCommand:
		n.applier.Apply(entry)
	case wal.EntryMembership:
		change, err := decodeMembershipChange(entry.Command)
		if err != nil {
			n.logger.Printf("failed to decode membership change at index %d: %v", entry.Index, err)
			return
		}
		n.applyMembershipChange(change)
	case wal.EntryNoOp:
		// Leadership-confirmation marker; nothing to apply.
	}
}

func (n *Node) applyMembershipChange(c membershipChange) {
	if c.Remove {
		if err := n.members.RemoveMember(c.ID); err != nil {
			n.logger.Printf("membership remove %s: %v", c.ID, err)
		}
		n.mu.Lock()
		delete(n.nextIndex, c.ID)
		delete(n.matchIndex, c.ID)
		n.mu.Unlock()
		return
	}
	if _, ok := n.members.GetMember(c.ID); !ok {
		if err := n.members.AddMember(c.ID, c.Address, c.Voting); err != nil {
			n.logger.Printf("membership add %s: %v", c.ID, err)
			return
		}
	}
	if err := n.members.ActivateMember(c.ID); err != nil {
		n.logger.Printf("membership activate %s: %v", c.ID, err)
	}
}

// AddMember proposes adding a new voting (or non-voting) member. It must be
// called on the current leader.
func (n *Node) AddMember(ctx context.Context, id, address string, voting bool) error {
	payload := encodeMembershipChange(membershipChange{ID: id, Address: address, Voting: voting})
	_, err := n.proposeKind(ctx, wal.EntryMembership, payload)
	return err
}

// RemoveMember proposes removing a member.
func (n *Node) RemoveMember(ctx context.Context, id string) error {
	payload := encodeMembershipChange(membershipChange{ID: id, Remove: true})
	_, err := n.proposeKind(ctx, wal.EntryMembership, payload)
	return err
}
