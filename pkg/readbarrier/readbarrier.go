// Package readbarrier wraps consensus.Node's read-index primitives into a
// single linearizable-read call usable from either the leader or a
// follower, with a configurable behavior for the window where leadership
// cannot be confirmed in time.
package readbarrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ancrist/confman/pkg/consensus"
)

// FailureMode selects what Read does when leadership cannot be confirmed
// (or the leader cannot be reached) before Timeout elapses.
type FailureMode int

const (
	// FailureReject returns ErrUnavailable; the caller retries or fails the
	// request outright. The default, since silently returning stale data
	// is the one behavior a linearizable-read caller never wants by
	// accident.
	FailureReject FailureMode = iota
	// FailureStale proceeds with a local read anyway, accepting it may be
	// behind the true commit index. Only appropriate for callers that have
	// explicitly opted into eventual consistency for this read.
	FailureStale
	// FailureTimeout fails like FailureReject, but reports every failure
	// (no reachable leader, unconfirmed leadership, or a wait for apply that
	// ran out of time) as ErrTimeout.
	FailureTimeout
)

var (
	// ErrUnavailable is returned under FailureReject when leadership could
	// not be confirmed.
	ErrUnavailable = errors.New("readbarrier: cannot confirm linearizable read, no leader reachable")
	// ErrTimeout is returned under FailureTimeout for any failure to confirm
	// or wait for a linearizable read.
	ErrTimeout = errors.New("readbarrier: confirming linearizable read timed out")
)

// Options configures a Barrier.
type Options struct {
	Timeout   time.Duration
	OnFailure FailureMode
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

// Node is the subset of consensus.Node the barrier drives.
type Node interface {
	IsLeader() bool
	LeaderID() string
	CommitIndex() uint64
	ConfirmLeadership(ctx context.Context, term uint64) bool
	WaitForApply(ctx context.Context, index uint64) error
	CurrentTerm() uint64
}

// Transport is the subset of consensus.Transport a follower uses to ask the
// leader to confirm its own leadership on the follower's behalf.
type Transport interface {
	ReadIndex(peer string, args *consensus.ReadIndexArgs) (*consensus.ReadIndexReply, error)
}

// Barrier answers linearizable reads: Read blocks until the local state
// machine has applied at least as far as the cluster's confirmed commit
// index at the moment Read was called, so the caller's subsequent local
// read observes every write that committed-happens-before this call.
type Barrier struct {
	node      Node
	transport Transport
	opts      Options
}

// New constructs a Barrier over node, using transport to reach the leader
// when called from a follower.
func New(node Node, transport Transport, opts Options) *Barrier {
	return &Barrier{node: node, transport: transport, opts: opts.withDefaults()}
}

// Read blocks until it is safe to perform a local read that will reflect
// every command committed before this call began, then returns the index
// it waited for.
func (b *Barrier) Read(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	index, err := b.confirmedIndex(ctx)
	if err != nil {
		return 0, err
	}
	if err := b.node.WaitForApply(ctx, index); err != nil {
		return index, b.failureFor(fmt.Errorf("readbarrier: wait for apply: %w", err))
	}
	return index, nil
}

func (b *Barrier) confirmedIndex(ctx context.Context) (uint64, error) {
	if b.node.IsLeader() {
		term := b.node.CurrentTerm()
		index := b.node.CommitIndex()
		if !b.node.ConfirmLeadership(ctx, term) {
			return index, b.failureFor(ErrUnavailable)
		}
		return index, nil
	}
	return b.readFromLeader(ctx)
}

func (b *Barrier) readFromLeader(ctx context.Context) (uint64, error) {
	index := b.node.CommitIndex()
	leader := b.node.LeaderID()
	if leader == "" {
		return index, b.failureFor(ErrUnavailable)
	}
	reply, err := b.transport.ReadIndex(leader, &consensus.ReadIndexArgs{Term: b.node.CurrentTerm()})
	if err != nil || !reply.IsLeader {
		return index, b.failureFor(ErrUnavailable)
	}
	return reply.Index, nil
}

// failureFor reports cause as-is under FailureReject, a mode-specific
// sentinel under FailureTimeout, or nil under FailureStale — in which case
// the caller proceeds using the best-effort index already computed rather
// than blocking further.
func (b *Barrier) failureFor(cause error) error {
	switch b.opts.OnFailure {
	case FailureStale:
		return nil
	case FailureTimeout:
		return ErrTimeout
	default:
		return cause
	}
}
