package store

import (
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and by clustertest's
// simulated nodes; it is not durable, and cmd/confmand uses it only when
// started with -store mem.
type MemStore struct {
	mu         sync.RWMutex
	configs    map[string]map[string]ConfigEntry
	namespaces map[string]NamespaceMeta
	audit      map[string]AuditEvent
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		configs:    make(map[string]map[string]ConfigEntry),
		namespaces: make(map[string]NamespaceMeta),
		audit:      make(map[string]AuditEvent),
	}
}

func (m *MemStore) Set(namespace, key string, value []byte, valueType, updatedBy string, updatedAt time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.bucketLocked(namespace)
	entry := bucket[key]
	entry.Namespace = namespace
	entry.Key = key
	entry.Value = append([]byte(nil), value...)
	entry.BlobRef = ""
	entry.ValueType = valueType
	entry.UpdatedBy = updatedBy
	entry.UpdatedAt = updatedAt
	entry.Version++
	bucket[key] = entry
	return entry.Version, nil
}

func (m *MemStore) SetBlobRef(namespace, key, blobRef string, length int64, checksum [32]byte, valueType, updatedBy string, updatedAt time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.bucketLocked(namespace)
	entry := bucket[key]
	entry.Namespace = namespace
	entry.Key = key
	entry.Value = nil
	entry.BlobRef = blobRef
	entry.Length = length
	entry.Checksum = checksum
	entry.ValueType = valueType
	entry.UpdatedBy = updatedBy
	entry.UpdatedAt = updatedAt
	entry.Version++
	bucket[key] = entry
	return entry.Version, nil
}

func (m *MemStore) Delete(namespace, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.configs[namespace]
	if !ok {
		return false, nil
	}
	if _, ok := bucket[key]; !ok {
		return false, nil
	}
	delete(bucket, key)
	return true, nil
}

func (m *MemStore) GetConfig(namespace, key string) (ConfigEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.configs[namespace]
	if !ok {
		return ConfigEntry{}, ErrNotFound
	}
	entry, ok := bucket[key]
	if !ok {
		return ConfigEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemStore) ListConfigs(namespace string) ([]ConfigEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.configs[namespace]
	out := make([]ConfigEntry, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemStore) SetNamespace(path, description, owner string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, existed := m.namespaces[path]
	meta.Namespace = path
	meta.Description = description
	meta.Owner = owner
	meta.Version++
	if !existed {
		meta.CreatedAt = updatedAt
	}
	m.namespaces[path] = meta
	return nil
}

func (m *MemStore) DeleteNamespace(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	delete(m.configs, namespace)
	return nil
}

func (m *MemStore) GetNamespace(namespace string) (NamespaceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.namespaces[namespace]
	if !ok {
		return NamespaceMeta{}, ErrNotFound
	}
	return meta, nil
}

func (m *MemStore) ListNamespaces() ([]NamespaceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NamespaceMeta, 0, len(m.namespaces))
	for _, meta := range m.namespaces {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

// AppendAudit upserts by event.ID: replaying the same committed entry
// (snapshot restore followed by WAL replay, or any other repeat apply)
// overwrites the existing record instead of duplicating it.
func (m *MemStore) AppendAudit(event AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[event.ID] = event
	return nil
}

func (m *MemStore) ListAudit(namespace string, limit int) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEvent
	for _, e := range m.audit {
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ExportAll() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var snap Snapshot
	for _, bucket := range m.configs {
		for _, e := range bucket {
			snap.Configs = append(snap.Configs, e)
		}
	}
	for _, meta := range m.namespaces {
		snap.Namespaces = append(snap.Namespaces, meta)
	}
	for _, e := range m.audit {
		snap.Audit = append(snap.Audit, e)
	}
	return snap, nil
}

func (m *MemStore) RestoreAll(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = make(map[string]map[string]ConfigEntry)
	m.namespaces = make(map[string]NamespaceMeta)
	m.audit = make(map[string]AuditEvent)
	for _, e := range snap.Configs {
		m.bucketLocked(e.Namespace)[e.Key] = e
	}
	for _, meta := range snap.Namespaces {
		m.namespaces[meta.Namespace] = meta
	}
	for _, e := range snap.Audit {
		m.audit[e.ID] = e
	}
	return nil
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) bucketLocked(namespace string) map[string]ConfigEntry {
	bucket, ok := m.configs[namespace]
	if !ok {
		bucket = make(map[string]ConfigEntry)
		m.configs[namespace] = bucket
	}
	return bucket
}
