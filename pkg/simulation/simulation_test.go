package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/ancrist/confman/pkg/consensus"
)

type fakeNode struct{}

func (fakeNode) HandleRequestVote(args *consensus.RequestVoteArgs) *consensus.RequestVoteReply {
	return &consensus.RequestVoteReply{Term: args.Term, VoteGranted: true}
}
func (fakeNode) HandleAppendEntries(args *consensus.AppendEntriesArgs) *consensus.AppendEntriesReply {
	return &consensus.AppendEntriesReply{Term: args.Term, Success: true}
}
func (fakeNode) HandleInstallSnapshot(args *consensus.InstallSnapshotArgs) *consensus.InstallSnapshotReply {
	return &consensus.InstallSnapshotReply{Term: args.Term}
}
func (fakeNode) HandleReadIndex(ctx context.Context, args *consensus.ReadIndexArgs) *consensus.ReadIndexReply {
	return &consensus.ReadIndexReply{Term: args.Term, IsLeader: true}
}

func TestUnregisteredTargetReturnsErrNodeNotFound(t *testing.T) {
	tr := New(1)
	_, err := tr.RequestVote("ghost", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n1"})
	if err != ErrNodeNotFound {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestPartitionDropsMessagesBothWays(t *testing.T) {
	tr := New(1)
	tr.Register("n1", fakeNode{})
	tr.Register("n2", fakeNode{})
	tr.Partition("n1")

	if _, err := tr.RequestVote("n1", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n2"}); err != ErrDropped {
		t.Fatalf("n2->n1 err = %v, want ErrDropped", err)
	}
	if _, err := tr.RequestVote("n2", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n1"}); err != ErrDropped {
		t.Fatalf("n1->n2 err = %v, want ErrDropped", err)
	}

	tr.Heal("n1")
	if _, err := tr.RequestVote("n1", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n2"}); err != nil {
		t.Fatalf("expected heal to restore delivery, got %v", err)
	}
}

func TestFullDropRateAlwaysDrops(t *testing.T) {
	tr := New(42)
	tr.Register("n2", fakeNode{})
	tr.SetCondition("n1", "n2", Condition{DropRate: 1.0})

	for i := 0; i < 10; i++ {
		if _, err := tr.RequestVote("n2", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n1"}); err != ErrDropped {
			t.Fatalf("iteration %d: err = %v, want ErrDropped", i, err)
		}
	}
}

func TestDelayAddsLatency(t *testing.T) {
	tr := New(1)
	tr.Register("n2", fakeNode{})
	tr.SetCondition("n1", "n2", Condition{Delay: 20 * time.Millisecond})

	start := time.Now()
	if _, err := tr.RequestVote("n2", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n1"}); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("expected delay to be applied")
	}
}

func TestMessagesAreRecorded(t *testing.T) {
	tr := New(1)
	tr.Register("n2", fakeNode{})

	tr.RequestVote("n2", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n1"})
	tr.RequestVote("ghost", &consensus.RequestVoteArgs{Term: 1, CandidateID: "n1"})

	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if !msgs[0].Delivered || msgs[1].Delivered {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestReadIndexIgnoresDirectedConditionsButNotRegistration(t *testing.T) {
	tr := New(1)
	tr.Register("n2", fakeNode{})
	tr.SetCondition("n1", "n2", Condition{Partitioned: true})

	// ReadIndex has no sender identity, so the n1->n2 partition does not
	// apply to it; only a missing registration should fail it.
	if _, err := tr.ReadIndex("n2", &consensus.ReadIndexArgs{Term: 1}); err != nil {
		t.Fatalf("expected ReadIndex to succeed, got %v", err)
	}
	if _, err := tr.ReadIndex("ghost", &consensus.ReadIndexArgs{Term: 1}); err != ErrNodeNotFound {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}
