package invariant

import "testing"

func TestHealthyTraceHasNoViolations(t *testing.T) {
	c := New()
	c.RecordCommit("n1", 1, 1, []byte("a"))
	c.RecordCommit("n2", 1, 1, []byte("a"))
	c.RecordCommit("n1", 2, 1, []byte("b"))
	c.RecordCommit("n2", 2, 1, []byte("b"))

	ok, violations := c.Check()
	if !ok {
		t.Fatalf("expected no violations, got %v", violations)
	}
}

func TestDivergentValueAtSameIndexIsViolation(t *testing.T) {
	c := New()
	c.RecordCommit("n1", 1, 1, []byte("a"))
	c.RecordCommit("n2", 1, 1, []byte("different"))

	ok, violations := c.Check()
	if ok {
		t.Fatal("expected a violation")
	}
	found := false
	for _, v := range violations {
		if v.Type == "log_matching_value_mismatch" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected log_matching_value_mismatch, got %v", violations)
	}
}

func TestDivergentTermAtSameIndexIsViolation(t *testing.T) {
	c := New()
	c.RecordCommit("n1", 1, 1, []byte("a"))
	c.RecordCommit("n2", 1, 2, []byte("a"))

	ok, violations := c.Check()
	if ok {
		t.Fatal("expected a violation")
	}
	if violations[0].Type != "log_matching_term_mismatch" {
		t.Fatalf("violation type = %s", violations[0].Type)
	}
}

func TestCommitGoingBackwardIsViolation(t *testing.T) {
	c := New()
	c.RecordCommit("n1", 5, 1, []byte("a"))
	c.RecordCommit("n1", 3, 1, []byte("b"))

	ok, violations := c.Check()
	if ok {
		t.Fatal("expected a violation")
	}
	found := false
	for _, v := range violations {
		if v.Type == "commit_not_monotonic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected commit_not_monotonic, got %v", violations)
	}
}
