package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfigs    = []byte("configs")
	bucketNamespaces = []byte("namespaces")
	bucketAudit      = []byte("audit")
)

// BoltStore is the production Store, backed by a single embedded bbolt
// database file. Config keys are namespace+0x00+key so ListConfigs can
// range-scan a namespace's prefix without a secondary index; audit records
// are keyed by their deterministic event id so replaying a log prefix
// upserts rather than duplicates.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path and
// ensures its buckets exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketConfigs, bucketNamespaces, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func configKey(namespace, key string) []byte {
	out := make([]byte, 0, len(namespace)+1+len(key))
	out = append(out, namespace...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

func (b *BoltStore) Set(namespace, key string, value []byte, valueType, updatedBy string, updatedAt time.Time) (uint64, error) {
	var version uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketConfigs)
		k := configKey(namespace, key)
		entry := ConfigEntry{Namespace: namespace, Key: key}
		if raw := bucket.Get(k); raw != nil {
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("decode existing entry: %w", err)
			}
		}
		entry.Value = append([]byte(nil), value...)
		entry.BlobRef = ""
		entry.ValueType = valueType
		entry.UpdatedBy = updatedBy
		entry.UpdatedAt = updatedAt
		entry.Version++
		version = entry.Version
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(k, raw)
	})
	if err != nil {
		return 0, fmt.Errorf("store: set %s/%s: %w", namespace, key, err)
	}
	return version, nil
}

func (b *BoltStore) SetBlobRef(namespace, key, blobRef string, length int64, checksum [32]byte, valueType, updatedBy string, updatedAt time.Time) (uint64, error) {
	var version uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketConfigs)
		k := configKey(namespace, key)
		entry := ConfigEntry{Namespace: namespace, Key: key}
		if raw := bucket.Get(k); raw != nil {
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("decode existing entry: %w", err)
			}
		}
		entry.Value = nil
		entry.BlobRef = blobRef
		entry.Length = length
		entry.Checksum = checksum
		entry.ValueType = valueType
		entry.UpdatedBy = updatedBy
		entry.UpdatedAt = updatedAt
		entry.Version++
		version = entry.Version
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(k, raw)
	})
	if err != nil {
		return 0, fmt.Errorf("store: set blob ref %s/%s: %w", namespace, key, err)
	}
	return version, nil
}

func (b *BoltStore) Delete(namespace, key string) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketConfigs)
		k := configKey(namespace, key)
		if bucket.Get(k) == nil {
			return nil
		}
		existed = true
		return bucket.Delete(k)
	})
	if err != nil {
		return false, fmt.Errorf("store: delete %s/%s: %w", namespace, key, err)
	}
	return existed, nil
}

func (b *BoltStore) GetConfig(namespace, key string) (ConfigEntry, error) {
	var entry ConfigEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConfigs).Get(configKey(namespace, key))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return ConfigEntry{}, err
	}
	return entry, nil
}

func (b *BoltStore) ListConfigs(namespace string) ([]ConfigEntry, error) {
	var out []ConfigEntry
	prefix := append([]byte(namespace), 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfigs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry ConfigEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) SetNamespace(path, description, owner string, updatedAt time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNamespaces)
		var meta NamespaceMeta
		existed := false
		if raw := bucket.Get([]byte(path)); raw != nil {
			if err := json.Unmarshal(raw, &meta); err != nil {
				return err
			}
			existed = true
		}
		meta.Namespace = path
		meta.Description = description
		meta.Owner = owner
		meta.Version++
		if !existed {
			meta.CreatedAt = updatedAt
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(path), raw)
	})
}

func (b *BoltStore) DeleteNamespace(namespace string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNamespaces).Delete([]byte(namespace)); err != nil {
			return err
		}
		c := tx.Bucket(bucketConfigs).Cursor()
		prefix := append([]byte(namespace), 0)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		bucket := tx.Bucket(bucketConfigs)
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) GetNamespace(namespace string) (NamespaceMeta, error) {
	var meta NamespaceMeta
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNamespaces).Get([]byte(namespace))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &meta)
	})
	if err != nil {
		return NamespaceMeta{}, err
	}
	return meta, nil
}

func (b *BoltStore) ListNamespaces() ([]NamespaceMeta, error) {
	var out []NamespaceMeta
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(_, v []byte) error {
			var meta NamespaceMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			out = append(out, meta)
			return nil
		})
	})
	return out, err
}

// AppendAudit upserts by event.ID: replaying the same committed entry
// (snapshot restore followed by WAL replay, or any other repeat apply)
// overwrites the existing record instead of duplicating it.
func (b *BoltStore) AppendAudit(event AuditEvent) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAudit).Put([]byte(event.ID), raw)
	})
}

func (b *BoltStore) ListAudit(namespace string, limit int) ([]AuditEvent, error) {
	var out []AuditEvent
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var event AuditEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if namespace != "" && event.Namespace != namespace {
				return nil
			}
			out = append(out, event)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BoltStore) ExportAll() (Snapshot, error) {
	var snap Snapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConfigs).ForEach(func(_, v []byte) error {
			var e ConfigEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			snap.Configs = append(snap.Configs, e)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNamespaces).ForEach(func(_, v []byte) error {
			var m NamespaceMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			snap.Namespaces = append(snap.Namespaces, m)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var a AuditEvent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			snap.Audit = append(snap.Audit, a)
			return nil
		})
	})
	return snap, err
}

func (b *BoltStore) RestoreAll(snap Snapshot) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConfigs, bucketNamespaces, bucketAudit} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		configs := tx.Bucket(bucketConfigs)
		for _, e := range snap.Configs {
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := configs.Put(configKey(e.Namespace, e.Key), raw); err != nil {
				return err
			}
		}
		namespaces := tx.Bucket(bucketNamespaces)
		for _, m := range snap.Namespaces {
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := namespaces.Put([]byte(m.Namespace), raw); err != nil {
				return err
			}
		}
		audit := tx.Bucket(bucketAudit)
		for _, a := range snap.Audit {
			raw, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := audit.Put([]byte(a.ID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) Close() error { return b.db.Close() }

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
