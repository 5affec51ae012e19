// Package propose implements the batching proposer that sits in front of
// consensus.Node.Propose: callers enqueue a single command and get back its
// own commit result, while the proposer coalesces concurrently enqueued
// commands into one raft log entry to amortize replication and fsync cost
// across them.
package propose

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ancrist/confman/pkg/command"
	"github.com/ancrist/confman/pkg/consensus"
)

// Options bounds how large a batch may grow and how long a proposal may
// wait for others to join it before flushing alone.
type Options struct {
	MaxBatchSize  int
	MaxBatchBytes int
	MaxBatchWait  time.Duration
	QueueDepth    int
	Logger        *log.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 64
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = 1 << 20
	}
	if o.MaxBatchWait <= 0 {
		o.MaxBatchWait = 1 * time.Millisecond
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1024
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[propose] ", log.LstdFlags)
	}
	return o
}

type request struct {
	ctx     context.Context
	cmd     command.Command
	resultc chan result
}

type result struct {
	res consensus.CommitResult
	err error
}

// Node is the subset of consensus.Node the proposer drives.
type Node interface {
	Propose(ctx context.Context, payload []byte) (consensus.CommitResult, error)
}

// Proposer drains a bounded channel of single commands, grouping whatever
// arrived within one MaxBatchWait window (up to MaxBatchSize/MaxBatchBytes)
// into one Batch command, or proposing a single command directly when
// exactly one arrived — so a lone writer never pays batch-unwrap overhead
// to learn its own result.
type Proposer struct {
	node   Node
	opts   Options
	queue  chan request
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Proposer over node and starts its drain loop.
func New(node Node, opts Options) *Proposer {
	opts = opts.withDefaults()
	p := &Proposer{
		node:   node,
		opts:   opts,
		queue:  make(chan request, opts.QueueDepth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.run()
	return p
}

// Stop drains in-flight work and halts the drain loop. Pending Propose
// calls already blocked in the queue continue to be served until the queue
// itself is empty.
func (p *Proposer) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Propose enqueues cmd and blocks until the batch it lands in (or it alone)
// commits, ctx ends, or the queue is full and ctx ends first — enqueue
// itself blocks rather than rejecting, providing the back-pressure
// spec.md's proposer requires under sustained overload.
func (p *Proposer) Propose(ctx context.Context, cmd command.Command) (consensus.CommitResult, error) {
	req := request{ctx: ctx, cmd: cmd, resultc: make(chan result, 1)}
	select {
	case p.queue <- req:
	case <-ctx.Done():
		return consensus.CommitResult{}, ctx.Err()
	}
	select {
	case r := <-req.resultc:
		return r.res, r.err
	case <-ctx.Done():
		return consensus.CommitResult{}, ctx.Err()
	}
}

func (p *Proposer) run() {
	defer close(p.doneCh)
	for {
		req, ok := p.nextBatchSeed()
		if !ok {
			return
		}
		batch := []request{req}
		batchBytes := estimateSize(req.cmd)
		timer := time.NewTimer(p.opts.MaxBatchWait)

	collect:
		for len(batch) < p.opts.MaxBatchSize && batchBytes < p.opts.MaxBatchBytes {
			select {
			case r := <-p.queue:
				batch = append(batch, r)
				batchBytes += estimateSize(r.cmd)
			case <-timer.C:
				break collect
			case <-p.stopCh:
				break collect
			}
		}
		timer.Stop()
		p.flush(batch)
	}
}

func (p *Proposer) nextBatchSeed() (request, bool) {
	select {
	case req := <-p.queue:
		return req, true
	default:
	}
	select {
	case req := <-p.queue:
		return req, true
	case <-p.stopCh:
		select {
		case req := <-p.queue:
			return req, true
		default:
			return request{}, false
		}
	}
}

func (p *Proposer) flush(batch []request) {
	var cmd command.Command
	if len(batch) == 1 {
		cmd = batch[0].cmd
	} else {
		cmds := make([]command.Command, len(batch))
		for i, r := range batch {
			cmds[i] = r.cmd
		}
		var err error
		cmd, err = command.NewBatch(cmds)
		if err != nil {
			p.failAll(batch, err)
			return
		}
	}

	payload, err := cmd.Encode()
	if err != nil {
		p.failAll(batch, fmt.Errorf("propose: encode batch: %w", err))
		return
	}

	ctx := firstLiveContext(batch)
	res, err := p.node.Propose(ctx, payload)
	for _, r := range batch {
		r.resultc <- result{res: res, err: err}
	}
}

func (p *Proposer) failAll(batch []request, err error) {
	for _, r := range batch {
		r.resultc <- result{err: err}
	}
}

// firstLiveContext picks a context to drive the shared Propose call. Any
// one batch member's cancellation would otherwise abort commit for
// everyone else in the batch, so a one-member batch uses its caller's ctx
// and any larger batch uses context.Background().
func firstLiveContext(batch []request) context.Context {
	if len(batch) == 1 {
		return batch[0].ctx
	}
	return context.Background()
}

func estimateSize(cmd command.Command) int {
	data, err := cmd.Encode()
	if err != nil {
		return 0
	}
	return len(data)
}
