// Package store defines the materialized view the state machine applier
// mutates: namespaced config entries, namespace metadata, and an append-only
// audit log. Two implementations are provided: MemStore for tests and
// single-process embedding, and BoltStore for production durability.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ConfigEntry is one namespaced key's current value and version.
type ConfigEntry struct {
	Namespace string
	Key       string
	Value     []byte
	BlobRef   string
	Length    int64
	Checksum  [32]byte
	ValueType string
	Version   uint64
	UpdatedAt time.Time
	UpdatedBy string
}

// NamespaceMeta holds a namespace's metadata. CreatedAt is stamped once, on
// the first SetNamespace for a given path, and preserved across every later
// update.
type NamespaceMeta struct {
	Namespace   string
	Description string
	Owner       string
	Version     uint64
	CreatedAt   time.Time
}

// AuditEvent is one append-only record of a mutation applied to the store.
// OldValue/NewValue carry the inline bytes for a plain SetConfig/DeleteConfig;
// a blob-backed write leaves them nil and records BlobRef/Length/Checksum
// instead, so the audit trail never has to hold blob content (see DESIGN.md
// Open Question 2).
type AuditEvent struct {
	ID        string
	Namespace string
	Key       string
	Action    string
	Actor     string
	OldValue  []byte
	NewValue  []byte
	BlobRef   string
	Length    int64
	Checksum  [32]byte
	Version   uint64
	Timestamp time.Time
}

// Snapshot is the entire store contents, used by pkg/statemachine to take
// and restore streamed snapshots one record at a time.
type Snapshot struct {
	Configs    []ConfigEntry
	Namespaces []NamespaceMeta
	Audit      []AuditEvent
}

// Store is the materialized view the applier mutates and the read path
// queries. Set/SetBlobRef return the new version number so callers can
// stamp audit events without a second read; Delete reports whether the
// entry existed.
type Store interface {
	Set(namespace, key string, value []byte, valueType, updatedBy string, updatedAt time.Time) (version uint64, err error)
	SetBlobRef(namespace, key, blobRef string, length int64, checksum [32]byte, valueType, updatedBy string, updatedAt time.Time) (version uint64, err error)
	Delete(namespace, key string) (existed bool, err error)
	GetConfig(namespace, key string) (ConfigEntry, error)
	ListConfigs(namespace string) ([]ConfigEntry, error)

	SetNamespace(path, description, owner string, updatedAt time.Time) error
	DeleteNamespace(namespace string) error
	GetNamespace(namespace string) (NamespaceMeta, error)
	ListNamespaces() ([]NamespaceMeta, error)

	AppendAudit(event AuditEvent) error
	ListAudit(namespace string, limit int) ([]AuditEvent, error)

	ExportAll() (Snapshot, error)
	RestoreAll(snap Snapshot) error

	Close() error
}
