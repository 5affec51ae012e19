// Package blob implements the content-addressed side-channel large config
// values are stored in instead of riding inline inside a raft log entry.
// Blobs are named by the SHA-256 of their plaintext content, written
// LZ4-compressed on disk, and sharded two hex characters deep so no single
// directory accumulates an unbounded number of entries.
package blob

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/lz4"
)

// ErrNotFound is returned when a blob reference has no local content.
var ErrNotFound = errors.New("blob: not found")

// ErrChecksumMismatch is returned when a fetched blob's content hash does
// not match its reference.
var ErrChecksumMismatch = errors.New("blob: checksum mismatch")

// Ref identifies a blob by the hex SHA-256 of its plaintext.
type Ref string

// Store persists content-addressed blobs under a root directory, LZ4
// compressed, written via temp-file-then-rename so a reader never observes
// a partially written blob.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Put streams r's content into the store, computing its hash as it writes
// so content and checksum are never out of sync, and returns the resulting
// Ref plus the plaintext length.
func (s *Store) Put(r io.Reader) (Ref, int64, error) {
	tmp, err := os.CreateTemp(s.root, "blob-incoming-"+uuid.New().String())
	if err != nil {
		return "", 0, fmt.Errorf("blob: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed into place

	hasher := sha256.New()
	zw := lz4.NewWriter(tmp)
	length, err := io.Copy(zw, io.TeeReader(r, hasher))
	if err == nil {
		err = zw.Close()
	}
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, fmt.Errorf("blob: write: %w", err)
	}

	ref := Ref(hex.EncodeToString(hasher.Sum(nil)))
	path := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("blob: create shard dir: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", 0, fmt.Errorf("blob: rename into place: %w", err)
	}
	return ref, length, nil
}

// Get opens a reader over the decompressed content of ref. The caller must
// Close it.
func (s *Store) Get(ref Ref) (io.ReadCloser, error) {
	f, err := os.Open(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open %s: %w", ref, err)
	}
	return &decompressingReadCloser{file: f, zr: lz4.NewReader(f)}, nil
}

// Has reports whether ref's content is present locally, without reading it.
func (s *Store) Has(ref Ref) bool {
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// Delete removes a blob's local content. Missing blobs are not an error.
func (s *Store) Delete(ref Ref) error {
	err := os.Remove(s.path(ref))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", ref, err)
	}
	return nil
}

// List enumerates every Ref present locally, for GC mark-and-sweep.
func (s *Store) List() ([]Ref, error) {
	var refs []Ref
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if len(name) == 64 { // hex sha256
			refs = append(refs, Ref(name))
		}
		return nil
	})
	return refs, err
}

// VerifyChecksum re-hashes ref's stored content and compares it against the
// expected sha256, in constant time, rejecting a blob whose content has
// been tampered with or corrupted since it was written.
func (s *Store) VerifyChecksum(ref Ref, expected [32]byte) error {
	rc, err := s.Get(ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return fmt.Errorf("blob: hash %s: %w", ref, err)
	}
	sum := h.Sum(nil)
	if subtle.ConstantTimeCompare(sum, expected[:]) != 1 {
		return ErrChecksumMismatch
	}
	return nil
}

func (s *Store) path(ref Ref) string {
	r := string(ref)
	if len(r) < 2 {
		return filepath.Join(s.root, "shard_", r)
	}
	return filepath.Join(s.root, r[:2], r)
}

type decompressingReadCloser struct {
	file *os.File
	zr   *lz4.Reader
}

func (d *decompressingReadCloser) Read(p []byte) (int, error) { return d.zr.Read(p) }
func (d *decompressingReadCloser) Close() error                { return d.file.Close() }
