// Package command implements the tagged-union Command encoding that rides
// inside every raft log entry. The consensus engine never looks past the
// encoded bytes it is handed here; only pkg/statemachine decodes them.
package command

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the variant carried by a Command.
type Kind byte

const (
	KindSetConfig Kind = iota + 1
	KindDeleteConfig
	KindSetNamespace
	KindDeleteNamespace
	KindSetConfigBlobRef
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindSetConfig:
		return "SetConfig"
	case KindDeleteConfig:
		return "DeleteConfig"
	case KindSetNamespace:
		return "SetNamespace"
	case KindDeleteNamespace:
		return "DeleteNamespace"
	case KindSetConfigBlobRef:
		return "SetConfigBlobRef"
	case KindBatch:
		return "Batch"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// ErrNestedBatch is returned by Encode when a Batch command contains another
// Batch command; nesting batches has no defined semantics.
var ErrNestedBatch = errors.New("command: batch must not contain a nested batch")

// SetConfig upserts a single config entry under a namespace. Author and
// Timestamp are carried on the command itself, not derived at apply time,
// so every node (and every replay of the same entry) computes the same
// audit event id — see Applier.appendAudit.
type SetConfig struct {
	Namespace string
	Key       string
	Value     []byte
	ValueType string
	Author    string
	Timestamp time.Time
}

// DeleteConfig removes a single config entry.
type DeleteConfig struct {
	Namespace string
	Key       string
	Author    string
	Timestamp time.Time
}

// SetNamespace creates or updates a namespace's metadata.
type SetNamespace struct {
	Path        string
	Description string
	Owner       string
	Author      string
	Timestamp   time.Time
}

// DeleteNamespace removes a namespace and, per the state machine, everything
// under it.
type DeleteNamespace struct {
	Path      string
	Author    string
	Timestamp time.Time
}

// SetConfigBlobRef points a config entry at a blob stored out-of-band in the
// blob side-channel rather than carrying the value inline. Length and
// Checksum are recorded so the audit trail never needs to re-read the blob.
type SetConfigBlobRef struct {
	Namespace string
	Key       string
	BlobRef   string
	Length    int64
	Checksum  [32]byte
	ValueType string
	Author    string
	Timestamp time.Time
}

// Batch bundles multiple commands so they commit as a single log entry.
// Applied sequentially; a failing inner command is skipped, not fatal to the
// batch (see DESIGN.md Open Question 1).
type Batch struct {
	Commands []Command
}

// Command is a decoded, typed command. Payload holds exactly one of the
// variant structs above, selected by Kind.
type Command struct {
	Kind    Kind
	Payload interface{}
}

func init() {
	gob.Register(SetConfig{})
	gob.Register(DeleteConfig{})
	gob.Register(SetNamespace{})
	gob.Register(DeleteNamespace{})
	gob.Register(SetConfigBlobRef{})
	gob.Register(Batch{})
}

// NewSetConfig builds a Command wrapping SetConfig.
func NewSetConfig(ns, key string, value []byte, valueType, author string, timestamp time.Time) Command {
	return Command{Kind: KindSetConfig, Payload: SetConfig{
		Namespace: ns, Key: key, Value: value, ValueType: valueType, Author: author, Timestamp: timestamp,
	}}
}

// NewDeleteConfig builds a Command wrapping DeleteConfig.
func NewDeleteConfig(ns, key, author string, timestamp time.Time) Command {
	return Command{Kind: KindDeleteConfig, Payload: DeleteConfig{
		Namespace: ns, Key: key, Author: author, Timestamp: timestamp,
	}}
}

// NewSetNamespace builds a Command wrapping SetNamespace.
func NewSetNamespace(path, description, owner, author string, timestamp time.Time) Command {
	return Command{Kind: KindSetNamespace, Payload: SetNamespace{
		Path: path, Description: description, Owner: owner, Author: author, Timestamp: timestamp,
	}}
}

// NewDeleteNamespace builds a Command wrapping DeleteNamespace.
func NewDeleteNamespace(path, author string, timestamp time.Time) Command {
	return Command{Kind: KindDeleteNamespace, Payload: DeleteNamespace{
		Path: path, Author: author, Timestamp: timestamp,
	}}
}

// NewSetConfigBlobRef builds a Command wrapping SetConfigBlobRef.
func NewSetConfigBlobRef(ns, key, blobRef string, length int64, checksum [32]byte, valueType, author string, timestamp time.Time) Command {
	return Command{
		Kind: KindSetConfigBlobRef,
		Payload: SetConfigBlobRef{
			Namespace: ns, Key: key, BlobRef: blobRef, Length: length, Checksum: checksum,
			ValueType: valueType, Author: author, Timestamp: timestamp,
		},
	}
}

// NewBatch builds a Command wrapping Batch. It returns ErrNestedBatch if any
// inner command is itself a Batch.
func NewBatch(cmds []Command) (Command, error) {
	for _, c := range cmds {
		if c.Kind == KindBatch {
			return Command{}, ErrNestedBatch
		}
	}
	return Command{Kind: KindBatch, Payload: Batch{Commands: cmds}}, nil
}

// Encode serializes c to the wire form stored in a raft log entry: one kind
// byte followed by a gob-encoded payload envelope.
func (c Command) Encode() ([]byte, error) {
	if c.Kind == KindBatch {
		if b, ok := c.Payload.(Batch); ok {
			for _, inner := range b.Commands {
				if inner.Kind == KindBatch {
					return nil, ErrNestedBatch
				}
			}
		}
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(c.Kind))
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&c.Payload); err != nil {
		return nil, fmt.Errorf("command: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Command, error) {
	if len(data) < 1 {
		return Command{}, errors.New("command: empty payload")
	}
	kind := Kind(data[0])
	dec := gob.NewDecoder(bytes.NewReader(data[1:]))
	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return Command{}, fmt.Errorf("command: decode payload: %w", err)
	}
	return Command{Kind: kind, Payload: payload}, nil
}
