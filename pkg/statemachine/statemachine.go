// Package statemachine applies committed log entries to the materialized
// store in strict order, and persists/restores streaming snapshots of that
// store. It is the only package that decodes pkg/command payloads; the
// consensus engine never looks inside a log entry's Command bytes.
package statemachine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ancrist/confman/pkg/command"
	"github.com/ancrist/confman/pkg/store"
	"github.com/ancrist/confman/pkg/wal"
)

// Applier drains committed entries into a store.Store, one at a time, never
// concurrently with itself — the single-writer discipline this system
// requires so that two entries touching the same key always apply in
// commit order.
type Applier struct {
	mu          sync.Mutex
	store       store.Store
	logger      *log.Logger
	lastApplied uint64
	snapDir     string
}

// New constructs an Applier over the given store, writing snapshots under
// snapDir (the OS temp dir if empty).
func New(st store.Store, logger *log.Logger, snapDir string) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[statemachine] ", log.LstdFlags)
	}
	return &Applier{store: st, logger: logger, snapDir: snapDir}
}

// LastApplied returns the highest log index applied so far.
func (a *Applier) LastApplied() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastApplied
}

// Apply decodes and applies one committed entry. Only EntryCommand entries
// carry a Command payload; callers filter membership/no-op entries out
// before reaching here (pkg/consensus does this).
func (a *Applier) Apply(entry wal.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd, err := command.Decode(entry.Command)
	if err != nil {
		a.logger.Printf("index %d: failed to decode command: %v", entry.Index, err)
		a.lastApplied = entry.Index
		return
	}
	a.applyCommand(cmd, entry.Index)
	a.lastApplied = entry.Index
}

func (a *Applier) applyCommand(cmd command.Command, index uint64) {
	switch cmd.Kind {
	case command.KindSetConfig:
		p := cmd.Payload.(command.SetConfig)
		a.setConfig(p)
	case command.KindDeleteConfig:
		p := cmd.Payload.(command.DeleteConfig)
		a.deleteConfig(p)
	case command.KindSetNamespace:
		p := cmd.Payload.(command.SetNamespace)
		if err := a.store.SetNamespace(p.Path, p.Description, p.Owner, p.Timestamp); err != nil {
			a.logger.Printf("index %d: set namespace %s: %v", index, p.Path, err)
		}
	case command.KindDeleteNamespace:
		p := cmd.Payload.(command.DeleteNamespace)
		if err := a.store.DeleteNamespace(p.Path); err != nil {
			a.logger.Printf("index %d: delete namespace %s: %v", index, p.Path, err)
		}
	case command.KindSetConfigBlobRef:
		p := cmd.Payload.(command.SetConfigBlobRef)
		a.setConfigBlobRef(p)
	case command.KindBatch:
		p := cmd.Payload.(command.Batch)
		// Applied sequentially; a failing inner command is logged and
		// skipped rather than aborting the whole batch — the batch's
		// commit is already cluster-wide fact and cannot be retroactively
		// failed (see DESIGN.md Open Question 1).
		for _, inner := range p.Commands {
			func() {
				defer func() {
					if r := recover(); r != nil {
						a.logger.Printf("index %d: batch inner command panicked: %v", index, r)
					}
				}()
				a.applyCommand(inner, index)
			}()
		}
	}
}

func (a *Applier) setConfig(p command.SetConfig) {
	prior, err := a.store.GetConfig(p.Namespace, p.Key)
	hadPrior := err == nil
	version, err := a.store.Set(p.Namespace, p.Key, p.Value, p.ValueType, p.Author, p.Timestamp)
	if err != nil {
		a.logger.Printf("set %s/%s: %v", p.Namespace, p.Key, err)
		return
	}
	action := "config.created"
	var oldValue []byte
	if hadPrior {
		action = "config.updated"
		oldValue = prior.Value
	}
	a.appendAudit(store.AuditEvent{
		Namespace: p.Namespace,
		Key:       p.Key,
		Action:    action,
		Actor:     p.Author,
		OldValue:  oldValue,
		NewValue:  p.Value,
		Version:   version,
		Timestamp: p.Timestamp,
	})
}

func (a *Applier) deleteConfig(p command.DeleteConfig) {
	prior, err := a.store.GetConfig(p.Namespace, p.Key)
	if err != nil {
		// Deleting an absent key is a no-op and produces no audit event.
		return
	}
	existed, err := a.store.Delete(p.Namespace, p.Key)
	if err != nil {
		a.logger.Printf("delete %s/%s: %v", p.Namespace, p.Key, err)
		return
	}
	if !existed {
		return
	}
	a.appendAudit(store.AuditEvent{
		Namespace: p.Namespace,
		Key:       p.Key,
		Action:    "config.deleted",
		Actor:     p.Author,
		OldValue:  prior.Value,
		Timestamp: p.Timestamp,
	})
}

func (a *Applier) setConfigBlobRef(p command.SetConfigBlobRef) {
	prior, err := a.store.GetConfig(p.Namespace, p.Key)
	hadPrior := err == nil
	version, err := a.store.SetBlobRef(p.Namespace, p.Key, p.BlobRef, p.Length, p.Checksum, p.ValueType, p.Author, p.Timestamp)
	if err != nil {
		a.logger.Printf("set blob ref %s/%s: %v", p.Namespace, p.Key, err)
		return
	}
	action := "config.created"
	if hadPrior {
		action = "config.updated"
	}
	a.appendAudit(store.AuditEvent{
		Namespace: p.Namespace,
		Key:       p.Key,
		Action:    action,
		Actor:     p.Author,
		BlobRef:   p.BlobRef,
		Length:    p.Length,
		Checksum:  p.Checksum,
		Version:   version,
		Timestamp: p.Timestamp,
	})
}

// appendAudit stamps event.ID from (event.Timestamp, event.Namespace,
// event.Key), never from the action verb, using the command's carried
// timestamp rather than wall-clock apply time. That makes the id identical
// across nodes applying the same committed entry and across repeat applies
// of the same entry (snapshot restore followed by WAL replay), so
// store.AppendAudit's upsert collapses them into one logical record.
func (a *Applier) appendAudit(event store.AuditEvent) {
	event.ID = auditEventID(event.Timestamp, event.Namespace, event.Key)
	if err := a.store.AppendAudit(event); err != nil {
		a.logger.Printf("append audit %s/%s: %v", event.Namespace, event.Key, err)
	}
}

func auditEventID(ts time.Time, namespace, key string) string {
	h := sha256.New()
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	h.Write(tsBuf[:])
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return fmt.Sprintf("%x", h.Sum(nil))
}
