// Package cluster tracks the static membership table confman nodes agree
// on, and derives an opaque Fingerprint identifying that configuration.
// The replication protocol in pkg/consensus does not send or compare
// fingerprints.
package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Member is one node in the cluster.
type Member struct {
	ID      string
	Address string
	Voting  bool
	State   MemberState
}

// MemberState is the lifecycle state of a Member.
type MemberState int

const (
	MemberStateActive MemberState = iota
	MemberStateJoining
	MemberStateLeaving
	MemberStateRemoved
)

// Fingerprint is an opaque token identifying a particular membership
// configuration. Nothing in pkg/consensus checks it, so two nodes that
// disagree on Fingerprint still accept each other's replication traffic.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:8])
}

// Manager owns the membership table for one node's view of the cluster.
// spec.md requires membership be statically configured at startup (no
// dynamic joins past bootstrap), so Manager's mutators are used during
// bootstrap and during an operator-driven membership change, not by peers
// introducing themselves.
type Manager struct {
	mu      sync.RWMutex
	members map[string]*Member
	version uint64
}

// NewManager creates an empty membership manager.
func NewManager() *Manager {
	return &Manager{members: make(map[string]*Member)}
}

// AddMember registers a new member, joining by default.
func (m *Manager) AddMember(id, address string, voting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.members[id]; exists {
		return fmt.Errorf("cluster: member %s already exists", id)
	}
	m.members[id] = &Member{ID: id, Address: address, Voting: voting, State: MemberStateJoining}
	m.version++
	return nil
}

// RemoveMember marks a member removed; it stays in the table (for audit and
// fingerprint continuity) but no longer counts toward quorum.
func (m *Manager) RemoveMember(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("cluster: member %s does not exist", id)
	}
	member.State = MemberStateRemoved
	m.version++
	return nil
}

// ActivateMember promotes a joining member to active.
func (m *Manager) ActivateMember(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("cluster: member %s does not exist", id)
	}
	member.State = MemberStateActive
	m.version++
	return nil
}

// GetMember returns a copy of the named member.
func (m *Manager) GetMember(id string) (*Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return nil, false
	}
	cp := *member
	return &cp, true
}

// GetMembers returns a copy of every member, regardless of state.
func (m *Manager) GetMembers() []*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Member, 0, len(m.members))
	for _, member := range m.members {
		cp := *member
		result = append(result, &cp)
	}
	return result
}

// GetActiveMembers returns every member currently Active.
func (m *Manager) GetActiveMembers() []*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Member
	for _, member := range m.members {
		if member.State == MemberStateActive {
			cp := *member
			result = append(result, &cp)
		}
	}
	return result
}

// GetVotingMembers returns every active member eligible to vote.
func (m *Manager) GetVotingMembers() []*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Member
	for _, member := range m.members {
		if member.Voting && member.State == MemberStateActive {
			cp := *member
			result = append(result, &cp)
		}
	}
	return result
}

// Count returns the total number of tracked members, including removed ones.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// QuorumSize returns the majority size over active voting members.
func (m *Manager) QuorumSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	votingCount := 0
	for _, member := range m.members {
		if member.Voting && member.State == MemberStateActive {
			votingCount++
		}
	}
	return votingCount/2 + 1
}

// Version returns the local configuration change counter.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Fingerprint derives a stable hash over every member's id, address, voting
// flag, and state plus the version counter. Members are sorted by ID first
// so two managers holding the same configuration produce the same
// fingerprint regardless of map iteration order.
func (m *Manager) Fingerprint() Fingerprint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	var versionBuf [8]byte
	binary.BigEndian.PutUint64(versionBuf[:], m.version)
	h.Write(versionBuf[:])
	for _, id := range ids {
		member := m.members[id]
		h.Write([]byte(member.ID))
		h.Write([]byte{0})
		h.Write([]byte(member.Address))
		h.Write([]byte{0})
		if member.Voting {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{byte(member.State)})
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Snapshot returns a deep copy of the membership table, for inclusion in a
// state machine snapshot.
func (m *Manager) Snapshot() map[string]*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*Member, len(m.members))
	for id, member := range m.members {
		cp := *member
		result[id] = &cp
	}
	return result
}

// Restore replaces the membership table wholesale, as happens when applying
// an InstallSnapshot RPC.
func (m *Manager) Restore(snapshot map[string]*Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = make(map[string]*Member, len(snapshot))
	for id, member := range snapshot {
		cp := *member
		m.members[id] = &cp
	}
	m.version++
}
