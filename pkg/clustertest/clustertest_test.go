package clustertest

import (
	"context"
	"testing"
	"time"
)

func TestClusterElectsALeader(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Cleanup()

	c.Start()
	leader, err := c.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if leader == nil {
		t.Fatal("expected a leader")
	}
}

func TestSubmittedConfigReplicatesAndApplies(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Cleanup()

	c.Start()
	if _, err := c.WaitForLeader(5 * time.Second); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := c.SubmitSetConfig(ctx, "ns", "key", []byte("value"), 5*time.Second); err != nil {
		t.Fatalf("SubmitSetConfig: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var applied bool
	for time.Now().Before(deadline) {
		applied = true
		for _, s := range c.Stores {
			entry, err := s.GetConfig("ns", "key")
			if err != nil || string(entry.Value) != "value" {
				applied = false
				break
			}
		}
		if applied {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !applied {
		t.Fatal("expected every node's store to eventually apply the committed config")
	}
}

func TestPartitionedLeaderStepsDownAndANewLeaderIsElected(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Cleanup()

	c.Start()
	leader, err := c.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	oldLeaderID := idOf(leader, c.Nodes)
	c.PartitionLeader()

	deadline := time.Now().Add(5 * time.Second)
	var newLeader string
	for time.Now().Before(deadline) {
		if l := c.Leader(); l != nil {
			if id := idOf(l, c.Nodes); id != oldLeaderID {
				newLeader = id
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if newLeader == "" {
		t.Fatal("expected a new leader to be elected after partitioning the old one")
	}

	c.HealPartition()
}
