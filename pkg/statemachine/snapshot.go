package statemachine

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ancrist/confman/pkg/store"
)

// snapshotMagic tags the stream so restore can reject a foreign file
// outright; snapshotVersion lets a future schema change add record kinds
// without breaking old snapshots — restore rejects a version it doesn't
// understand rather than guess at its layout.
const (
	snapshotMagic   = "CMSNAP\x00"
	snapshotVersion = 1
)

type recordKind byte

const (
	recordConfig recordKind = iota + 1
	recordNamespace
	recordAudit
)

// TakeSnapshot streams the store's contents to a new file under dir and
// returns its path. Records are encoded and written one at a time through a
// buffered writer, so the encoded file is never held in memory whole; the
// store's contents themselves are first read in full via ExportAll.
func (a *Applier) TakeSnapshot(lastIncludedIndex, lastIncludedTerm uint64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := a.snapshotDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("statemachine: create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("statemachine: create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)

	writeErr := func() error {
		if _, err := w.WriteString(snapshotMagic); err != nil {
			return err
		}
		if err := w.WriteByte(snapshotVersion); err != nil {
			return err
		}
		if err := writeUint64(w, lastIncludedIndex); err != nil {
			return err
		}
		if err := writeUint64(w, lastIncludedTerm); err != nil {
			return err
		}

		snap, err := a.store.ExportAll()
		if err != nil {
			return err
		}
		for _, c := range snap.Configs {
			if err := writeRecord(w, recordConfig, c); err != nil {
				return err
			}
		}
		for _, n := range snap.Namespaces {
			if err := writeRecord(w, recordNamespace, n); err != nil {
				return err
			}
		}
		for _, e := range snap.Audit {
			if err := writeRecord(w, recordAudit, e); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("statemachine: write snapshot: %w", writeErr)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("statemachine: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("statemachine: close snapshot: %w", err)
	}

	finalPath := filepath.Join(dir, fmt.Sprintf("snapshot-%020d.bin", lastIncludedIndex))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("statemachine: rename snapshot into place: %w", err)
	}
	return finalPath, nil
}

// RestoreSnapshot replaces the store's contents with the snapshot at path,
// reading it one record at a time.
func (a *Applier) RestoreSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("statemachine: open snapshot: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(snapshotMagic))
	if _, err := readFull(r, magic); err != nil {
		return fmt.Errorf("statemachine: read snapshot magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("statemachine: unrecognized snapshot format")
	}
	version, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("statemachine: read snapshot version: %w", err)
	}
	if version != snapshotVersion {
		return fmt.Errorf("statemachine: unsupported snapshot version %d", version)
	}
	lastIncludedIndex, err := readUint64(r)
	if err != nil {
		return fmt.Errorf("statemachine: read snapshot header: %w", err)
	}
	if _, err := readUint64(r); err != nil { // lastIncludedTerm, unused by the store itself
		return fmt.Errorf("statemachine: read snapshot header: %w", err)
	}

	var snap store.Snapshot
	for {
		kind, rec, err := readRecord(r)
		if err == errSnapshotEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("statemachine: read snapshot record: %w", err)
		}
		switch kind {
		case recordConfig:
			var c store.ConfigEntry
			if err := json.Unmarshal(rec, &c); err != nil {
				return err
			}
			snap.Configs = append(snap.Configs, c)
		case recordNamespace:
			var n store.NamespaceMeta
			if err := json.Unmarshal(rec, &n); err != nil {
				return err
			}
			snap.Namespaces = append(snap.Namespaces, n)
		case recordAudit:
			var e store.AuditEvent
			if err := json.Unmarshal(rec, &e); err != nil {
				return err
			}
			snap.Audit = append(snap.Audit, e)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.RestoreAll(snap); err != nil {
		return fmt.Errorf("statemachine: restore store: %w", err)
	}
	a.lastApplied = lastIncludedIndex
	return nil
}

func (a *Applier) snapshotDir() string {
	if a.snapDir != "" {
		return a.snapDir
	}
	return os.TempDir()
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeRecord(w *bufio.Writer, kind recordKind, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := w.WriteByte(byte(kind)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(payload))); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

var errSnapshotEOF = fmt.Errorf("statemachine: end of snapshot stream")

func readRecord(r *bufio.Reader) (recordKind, []byte, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return 0, nil, errSnapshotEOF
	}
	length, err := readUint64(r)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := readFull(r, payload); err != nil {
		return 0, nil, err
	}
	return recordKind(kindByte), payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
