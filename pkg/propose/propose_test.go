package propose

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ancrist/confman/pkg/command"
	"github.com/ancrist/confman/pkg/consensus"
)

type fakeNode struct {
	mu    sync.Mutex
	calls [][]byte
	index uint64
}

func (f *fakeNode) Propose(ctx context.Context, payload []byte) (consensus.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index++
	f.calls = append(f.calls, payload)
	return consensus.CommitResult{Index: f.index, Term: 1}, nil
}

func (f *fakeNode) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSingleProposalIsNotWrappedInBatch(t *testing.T) {
	node := &fakeNode{}
	p := New(node, Options{MaxBatchWait: 5 * time.Millisecond})
	defer p.Stop()

	cmd := command.NewSetConfig("prod", "k", []byte("v"), "string", "alice", time.Unix(1000, 0))
	_, err := p.Propose(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if node.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1", node.callCount())
	}
	decoded, err := command.Decode(node.calls[0])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != command.KindSetConfig {
		t.Fatalf("kind = %v, want SetConfig (single proposal should not be batch-wrapped)", decoded.Kind)
	}
}

func TestConcurrentProposalsCoalesceIntoOneBatch(t *testing.T) {
	node := &fakeNode{}
	p := New(node, Options{MaxBatchWait: 20 * time.Millisecond, MaxBatchSize: 10})
	defer p.Stop()

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := command.NewSetConfig("prod", "k", []byte("v"), "string", "alice", time.Unix(1000, 0))
			_, err := p.Propose(context.Background(), cmd)
			results[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			t.Fatal(err)
		}
	}
	if node.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1 (expected coalescing into a single batch)", node.callCount())
	}
	decoded, err := command.Decode(node.calls[0])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != command.KindBatch {
		t.Fatalf("kind = %v, want Batch", decoded.Kind)
	}
	batch := decoded.Payload.(command.Batch)
	if len(batch.Commands) != 5 {
		t.Fatalf("batch size = %d, want 5", len(batch.Commands))
	}
}

func TestProposeRespectsContextCancellation(t *testing.T) {
	node := &fakeNode{}
	p := New(node, Options{MaxBatchWait: time.Second, QueueDepth: 0})
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	cmd := command.NewSetConfig("prod", "k", []byte("v"), "string", "alice", time.Unix(1000, 0))
	_, err := p.Propose(ctx, cmd)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
