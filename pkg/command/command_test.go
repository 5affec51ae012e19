package command

import (
	"bytes"
	"testing"
	"time"
)

func TestRoundTripSetConfig(t *testing.T) {
	want := NewSetConfig("ns1", "k1", []byte("v1"), "string", "alice", time.Unix(1000, 0))
	data, err := want.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindSetConfig {
		t.Fatalf("kind = %v, want %v", got.Kind, KindSetConfig)
	}
	payload, ok := got.Payload.(SetConfig)
	if !ok {
		t.Fatalf("payload type = %T, want SetConfig", got.Payload)
	}
	if payload.Namespace != "ns1" || payload.Key != "k1" || !bytes.Equal(payload.Value, []byte("v1")) {
		t.Fatalf("payload = %+v, want ns1/k1/v1", payload)
	}
}

func TestRoundTripBatch(t *testing.T) {
	inner := []Command{
		NewSetConfig("ns", "a", []byte("1"), "string", "alice", time.Unix(1000, 0)),
		NewDeleteConfig("ns", "b", "alice", time.Unix(1001, 0)),
	}
	batch, err := NewBatch(inner)
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}
	data, err := batch.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, ok := got.Payload.(Batch)
	if !ok {
		t.Fatalf("payload type = %T, want Batch", got.Payload)
	}
	if len(b.Commands) != 2 {
		t.Fatalf("len(commands) = %d, want 2", len(b.Commands))
	}
}

func TestNestedBatchRejected(t *testing.T) {
	inner, _ := NewBatch([]Command{NewDeleteConfig("ns", "a", "alice", time.Unix(1000, 0))})
	if _, err := NewBatch([]Command{inner}); err != ErrNestedBatch {
		t.Fatalf("err = %v, want ErrNestedBatch", err)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}
