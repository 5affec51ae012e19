package readbarrier

import (
	"context"
	"testing"
	"time"

	"github.com/ancrist/confman/pkg/consensus"
)

type fakeNode struct {
	isLeader    bool
	leaderID    string
	commitIndex uint64
	lastApplied uint64
	term        uint64
	confirmOK   bool
}

func (f *fakeNode) IsLeader() bool        { return f.isLeader }
func (f *fakeNode) LeaderID() string      { return f.leaderID }
func (f *fakeNode) CommitIndex() uint64   { return f.commitIndex }
func (f *fakeNode) CurrentTerm() uint64   { return f.term }
func (f *fakeNode) ConfirmLeadership(ctx context.Context, term uint64) bool {
	return f.confirmOK
}
func (f *fakeNode) WaitForApply(ctx context.Context, index uint64) error {
	if f.lastApplied >= index {
		return nil
	}
	return context.DeadlineExceeded
}

type fakeTransport struct {
	reply *consensus.ReadIndexReply
	err   error
}

func (f *fakeTransport) ReadIndex(peer string, args *consensus.ReadIndexArgs) (*consensus.ReadIndexReply, error) {
	return f.reply, f.err
}

func TestLeaderReadSucceedsWhenConfirmed(t *testing.T) {
	node := &fakeNode{isLeader: true, commitIndex: 5, lastApplied: 5, confirmOK: true}
	b := New(node, &fakeTransport{}, Options{Timeout: time.Second})
	idx, err := b.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if idx != 5 {
		t.Fatalf("idx = %d, want 5", idx)
	}
}

func TestLeaderReadRejectsWhenConfirmationFails(t *testing.T) {
	node := &fakeNode{isLeader: true, commitIndex: 5, confirmOK: false}
	b := New(node, &fakeTransport{}, Options{Timeout: 50 * time.Millisecond})
	_, err := b.Read(context.Background())
	if err != ErrUnavailable {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestLeaderReadStaleModeProceedsOnConfirmationFailure(t *testing.T) {
	node := &fakeNode{isLeader: true, commitIndex: 5, lastApplied: 5, confirmOK: false}
	b := New(node, &fakeTransport{}, Options{Timeout: 50 * time.Millisecond, OnFailure: FailureStale})
	idx, err := b.Read(context.Background())
	if err != nil {
		t.Fatalf("expected nil error under FailureStale, got %v", err)
	}
	if idx != 5 {
		t.Fatalf("idx = %d, want 5", idx)
	}
}

func TestFollowerReadAsksLeaderToConfirm(t *testing.T) {
	node := &fakeNode{isLeader: false, leaderID: "n2", lastApplied: 9}
	transport := &fakeTransport{reply: &consensus.ReadIndexReply{Index: 9, IsLeader: true}}
	b := New(node, transport, Options{Timeout: time.Second})
	idx, err := b.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if idx != 9 {
		t.Fatalf("idx = %d, want 9", idx)
	}
}

func TestFollowerReadFailsWithoutKnownLeader(t *testing.T) {
	node := &fakeNode{isLeader: false, leaderID: ""}
	b := New(node, &fakeTransport{}, Options{Timeout: 50 * time.Millisecond})
	_, err := b.Read(context.Background())
	if err != ErrUnavailable {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestTimeoutModeReturnsErrTimeout(t *testing.T) {
	node := &fakeNode{isLeader: true, commitIndex: 5, confirmOK: false}
	b := New(node, &fakeTransport{}, Options{Timeout: 50 * time.Millisecond, OnFailure: FailureTimeout})
	_, err := b.Read(context.Background())
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
