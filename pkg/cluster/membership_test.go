package cluster

import "testing"

func TestFingerprintStableUnderIterationOrder(t *testing.T) {
	a := NewManager()
	b := NewManager()
	for _, id := range []string{"n1", "n2", "n3"} {
		if err := a.AddMember(id, id+":8080", true); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	for _, id := range []string{"n3", "n1", "n2"} {
		if err := b.AddMember(id, id+":8080", true); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	for _, id := range []string{"n1", "n2", "n3"} {
		a.ActivateMember(id)
		b.ActivateMember(id)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ despite identical membership")
	}
}

func TestFingerprintChangesOnMembershipChange(t *testing.T) {
	m := NewManager()
	m.AddMember("n1", "n1:8080", true)
	before := m.Fingerprint()
	m.AddMember("n2", "n2:8080", true)
	after := m.Fingerprint()
	if before == after {
		t.Fatal("fingerprint did not change after adding a member")
	}
}

func TestQuorumSizeCountsActiveVotersOnly(t *testing.T) {
	m := NewManager()
	m.AddMember("n1", "n1:8080", true)
	m.AddMember("n2", "n2:8080", true)
	m.AddMember("n3", "n3:8080", true)
	m.ActivateMember("n1")
	m.ActivateMember("n2")
	// n3 left joining, should not count.
	if got := m.QuorumSize(); got != 2 {
		t.Fatalf("QuorumSize = %d, want 2 (ceil((2+1)/2) over 2 active voters)", got)
	}
}
