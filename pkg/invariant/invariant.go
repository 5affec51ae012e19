// Package invariant checks cross-node safety properties against a recorded
// trace of committed entries: that no two nodes ever commit different
// content at the same index, that each node's commit stream is
// monotonically increasing, and that a node never reports two different
// terms for the same index.
package invariant

import (
	"fmt"
	"sync"
)

// CommittedEntry is one (index, term, command) fact a node observed commit.
type CommittedEntry struct {
	Index   uint64
	Term    uint64
	Command []byte
	NodeID  string
}

// Violation describes a single broken invariant.
type Violation struct {
	Type        string
	Description string
	Details     map[string]interface{}
}

// Checker accumulates committed entries reported by a cluster's nodes and
// checks them for safety violations once a simulation run ends.
type Checker struct {
	mu              sync.Mutex
	committedByNode map[string][]CommittedEntry
}

// New returns an empty Checker.
func New() *Checker {
	return &Checker{committedByNode: make(map[string][]CommittedEntry)}
}

// RecordCommit records that nodeID observed (index, term, command) commit.
func (c *Checker) RecordCommit(nodeID string, index, term uint64, command []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), command...)
	c.committedByNode[nodeID] = append(c.committedByNode[nodeID], CommittedEntry{
		Index: index, Term: term, Command: cp, NodeID: nodeID,
	})
}

// Check runs every safety invariant over the recorded trace and returns
// whether it held, plus every violation found.
func (c *Checker) Check() (bool, []Violation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var violations []Violation
	violations = append(violations, c.checkLogMatching()...)
	violations = append(violations, c.checkMonotonicCommit()...)
	violations = append(violations, c.checkTermMonotonic()...)
	return len(violations) == 0, violations
}

// checkLogMatching verifies every node that committed at a given index
// agrees on its term and content — the core Raft safety property.
func (c *Checker) checkLogMatching() []Violation {
	byIndex := make(map[uint64]map[string]CommittedEntry)
	for _, entries := range c.committedByNode {
		for _, e := range entries {
			if byIndex[e.Index] == nil {
				byIndex[e.Index] = make(map[string]CommittedEntry)
			}
			byIndex[e.Index][e.NodeID] = e
		}
	}

	var violations []Violation
	for index, byNode := range byIndex {
		var refNode string
		var ref CommittedEntry
		first := true
		for nodeID, entry := range byNode {
			if first {
				ref, refNode, first = entry, nodeID, false
				continue
			}
			if entry.Term != ref.Term {
				violations = append(violations, Violation{
					Type:        "log_matching_term_mismatch",
					Description: fmt.Sprintf("index %d: %s has term %d, %s has term %d", index, refNode, ref.Term, nodeID, entry.Term),
					Details:     map[string]interface{}{"index": index, "node1": refNode, "node2": nodeID},
				})
			} else if string(entry.Command) != string(ref.Command) {
				violations = append(violations, Violation{
					Type:        "log_matching_value_mismatch",
					Description: fmt.Sprintf("index %d: %s and %s committed different content at the same term", index, refNode, nodeID),
					Details:     map[string]interface{}{"index": index, "node1": refNode, "node2": nodeID},
				})
			}
		}
	}
	return violations
}

// checkMonotonicCommit verifies each node's own commit stream never skips
// backward: having committed index N, it must not later report committing
// a smaller index as a *new* fact (re-reporting the same index is fine).
func (c *Checker) checkMonotonicCommit() []Violation {
	var violations []Violation
	for nodeID, entries := range c.committedByNode {
		var maxSeen uint64
		seen := make(map[uint64]bool)
		for _, e := range entries {
			if seen[e.Index] {
				continue
			}
			seen[e.Index] = true
			if e.Index < maxSeen {
				violations = append(violations, Violation{
					Type:        "commit_not_monotonic",
					Description: fmt.Sprintf("node %s committed index %d after already having committed a higher index %d", nodeID, e.Index, maxSeen),
					Details:     map[string]interface{}{"node": nodeID, "index": e.Index, "max_seen": maxSeen},
				})
			}
			if e.Index > maxSeen {
				maxSeen = e.Index
			}
		}
	}
	return violations
}

// checkTermMonotonic verifies that at a fixed index, nothing in this node's
// own trace changes the term it previously observed there (a direct
// consequence of log matching but cheap to check independently).
func (c *Checker) checkTermMonotonic() []Violation {
	var violations []Violation
	for nodeID, entries := range c.committedByNode {
		termAt := make(map[uint64]uint64)
		for _, e := range entries {
			if prior, ok := termAt[e.Index]; ok && prior != e.Term {
				violations = append(violations, Violation{
					Type:        "term_inconsistent_at_index",
					Description: fmt.Sprintf("node %s saw index %d at term %d then term %d", nodeID, e.Index, prior, e.Term),
					Details:     map[string]interface{}{"node": nodeID, "index": e.Index},
				})
			}
			termAt[e.Index] = e.Term
		}
	}
	return violations
}
