package store

import (
	"testing"
	"time"
)

func TestSetAndGetConfig(t *testing.T) {
	s := NewMemStore()
	version, err := s.Set("prod", "db.host", []byte("10.0.0.1"), "string", "alice", time.Unix(1000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	entry, err := s.GetConfig("prod", "db.host")
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Value) != "10.0.0.1" {
		t.Fatalf("value = %q", entry.Value)
	}
	if entry.UpdatedBy != "alice" {
		t.Fatalf("updatedBy = %q, want alice", entry.UpdatedBy)
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	s := NewMemStore()
	if existed, _ := s.Delete("prod", "missing"); existed {
		t.Fatal("expected existed=false for absent key")
	}
	s.Set("prod", "k", []byte("v"), "string", "alice", time.Unix(1000, 0))
	existed, err := s.Delete("prod", "k")
	if err != nil || !existed {
		t.Fatalf("existed=%v err=%v, want true, nil", existed, err)
	}
	if _, err := s.GetConfig("prod", "k"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetNamespacePreservesCreatedAtAcrossUpdates(t *testing.T) {
	s := NewMemStore()
	if err := s.SetNamespace("prod", "production", "infra", time.Unix(1000, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetNamespace("prod", "production, updated", "infra", time.Unix(2000, 0)); err != nil {
		t.Fatal(err)
	}
	meta, err := s.GetNamespace("prod")
	if err != nil {
		t.Fatal(err)
	}
	if !meta.CreatedAt.Equal(time.Unix(1000, 0)) {
		t.Fatalf("CreatedAt = %v, want the first SetNamespace's timestamp", meta.CreatedAt)
	}
	if meta.Version != 2 {
		t.Fatalf("version = %d, want 2", meta.Version)
	}
}

func TestDeleteNamespaceRemovesItsConfigs(t *testing.T) {
	s := NewMemStore()
	s.SetNamespace("prod", "production", "infra", time.Unix(1000, 0))
	s.Set("prod", "a", []byte("1"), "string", "alice", time.Unix(1000, 0))
	s.Set("prod", "b", []byte("2"), "string", "alice", time.Unix(1000, 0))

	if err := s.DeleteNamespace("prod"); err != nil {
		t.Fatal(err)
	}
	configs, _ := s.ListConfigs("prod")
	if len(configs) != 0 {
		t.Fatalf("expected no configs after namespace delete, got %d", len(configs))
	}
	if _, err := s.GetNamespace("prod"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	s := NewMemStore()
	s.SetNamespace("prod", "production", "infra", time.Unix(1000, 0))
	s.Set("prod", "a", []byte("1"), "string", "alice", time.Unix(1000, 0))
	s.AppendAudit(AuditEvent{ID: "e1", Namespace: "prod", Key: "a", Action: "config.created", Timestamp: time.Unix(1000, 0)})

	snap, err := s.ExportAll()
	if err != nil {
		t.Fatal(err)
	}

	s2 := NewMemStore()
	if err := s2.RestoreAll(snap); err != nil {
		t.Fatal(err)
	}
	entry, err := s2.GetConfig("prod", "a")
	if err != nil || string(entry.Value) != "1" {
		t.Fatalf("entry = %+v, err = %v", entry, err)
	}
	audit, _ := s2.ListAudit("prod", 0)
	if len(audit) != 1 || audit[0].ID != "e1" {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestListAuditNewestFirstAndLimit(t *testing.T) {
	s := NewMemStore()
	for i := 0; i < 5; i++ {
		s.AppendAudit(AuditEvent{
			ID:        string(rune('a' + i)),
			Namespace: "prod",
			Timestamp: time.Unix(int64(1000+i), 0),
		})
	}
	got, _ := s.ListAudit("prod", 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "e" || got[1].ID != "d" {
		t.Fatalf("got = %+v, want newest first", got)
	}
}

func TestAppendAuditUpsertsByID(t *testing.T) {
	s := NewMemStore()
	event := AuditEvent{ID: "e1", Namespace: "prod", Key: "a", Action: "config.created", Timestamp: time.Unix(1000, 0)}
	if err := s.AppendAudit(event); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendAudit(event); err != nil {
		t.Fatal(err)
	}
	got, _ := s.ListAudit("prod", 0)
	if len(got) != 1 {
		t.Fatalf("audit = %+v, want exactly 1 record after appending the same id twice", got)
	}
}
