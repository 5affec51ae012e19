package grpctransport

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ancrist/confman/pkg/consensus"
	"github.com/ancrist/confman/pkg/wal"
)

// This file hand-builds the wire envelope structpb.Struct normally gets from
// a .proto-compiled message: confman carries no protoc step, so every RPC
// argument/reply is marshaled into a generic structpb.Struct instead of a
// generated type, and decoded back on the other side. []byte fields are
// base64-encoded since structpb has no native byte-string kind.

func encodeEntries(entries []wal.Entry) []interface{} {
	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = map[string]interface{}{
			"term":    float64(e.Term),
			"index":   float64(e.Index),
			"kind":    float64(e.Kind),
			"command": base64.StdEncoding.EncodeToString(e.Command),
		}
	}
	return out
}

func decodeEntries(raw []interface{}) ([]wal.Entry, error) {
	out := make([]wal.Entry, len(raw))
	for i, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("grpctransport: entry %d is not an object", i)
		}
		cmd, err := base64.StdEncoding.DecodeString(asString(m["command"]))
		if err != nil {
			return nil, fmt.Errorf("grpctransport: decode entry %d command: %w", i, err)
		}
		out[i] = wal.Entry{
			Term:    uint64(asFloat(m["term"])),
			Index:   uint64(asFloat(m["index"])),
			Kind:    wal.EntryKind(asFloat(m["kind"])),
			Command: cmd,
		}
	}
	return out, nil
}

func encodeRequestVoteArgs(a *consensus.RequestVoteArgs) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"term":           float64(a.Term),
		"candidate_id":   a.CandidateID,
		"last_log_index": float64(a.LastLogIndex),
		"last_log_term":  float64(a.LastLogTerm),
	})
}

func decodeRequestVoteArgs(s *structpb.Struct) *consensus.RequestVoteArgs {
	m := s.AsMap()
	return &consensus.RequestVoteArgs{
		Term:         uint64(asFloat(m["term"])),
		CandidateID:  asString(m["candidate_id"]),
		LastLogIndex: uint64(asFloat(m["last_log_index"])),
		LastLogTerm:  uint64(asFloat(m["last_log_term"])),
	}
}

func encodeRequestVoteReply(r *consensus.RequestVoteReply) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"term":         float64(r.Term),
		"vote_granted": r.VoteGranted,
	})
}

func decodeRequestVoteReply(s *structpb.Struct) *consensus.RequestVoteReply {
	m := s.AsMap()
	return &consensus.RequestVoteReply{
		Term:        uint64(asFloat(m["term"])),
		VoteGranted: asBool(m["vote_granted"]),
	}
}

func encodeAppendEntriesArgs(a *consensus.AppendEntriesArgs) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"term":           float64(a.Term),
		"leader_id":      a.LeaderID,
		"prev_log_index": float64(a.PrevLogIndex),
		"prev_log_term":  float64(a.PrevLogTerm),
		"entries":        encodeEntries(a.Entries),
		"leader_commit":  float64(a.LeaderCommit),
	})
}

func decodeAppendEntriesArgs(s *structpb.Struct) (*consensus.AppendEntriesArgs, error) {
	m := s.AsMap()
	entries, err := decodeEntries(asSlice(m["entries"]))
	if err != nil {
		return nil, err
	}
	return &consensus.AppendEntriesArgs{
		Term:         uint64(asFloat(m["term"])),
		LeaderID:     asString(m["leader_id"]),
		PrevLogIndex: uint64(asFloat(m["prev_log_index"])),
		PrevLogTerm:  uint64(asFloat(m["prev_log_term"])),
		Entries:      entries,
		LeaderCommit: uint64(asFloat(m["leader_commit"])),
	}, nil
}

func encodeAppendEntriesReply(r *consensus.AppendEntriesReply) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"term":           float64(r.Term),
		"success":        r.Success,
		"conflict_index": float64(r.ConflictIndex),
		"conflict_term":  float64(r.ConflictTerm),
	})
}

func decodeAppendEntriesReply(s *structpb.Struct) *consensus.AppendEntriesReply {
	m := s.AsMap()
	return &consensus.AppendEntriesReply{
		Term:          uint64(asFloat(m["term"])),
		Success:       asBool(m["success"]),
		ConflictIndex: uint64(asFloat(m["conflict_index"])),
		ConflictTerm:  uint64(asFloat(m["conflict_term"])),
	}
}

func encodeInstallSnapshotArgs(a *consensus.InstallSnapshotArgs) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"term":                float64(a.Term),
		"leader_id":           a.LeaderID,
		"last_included_index": float64(a.LastIncludedIndex),
		"last_included_term":  float64(a.LastIncludedTerm),
		"data":                base64.StdEncoding.EncodeToString(a.Data),
	})
}

func decodeInstallSnapshotArgs(s *structpb.Struct) (*consensus.InstallSnapshotArgs, error) {
	m := s.AsMap()
	data, err := base64.StdEncoding.DecodeString(asString(m["data"]))
	if err != nil {
		return nil, fmt.Errorf("grpctransport: decode snapshot data: %w", err)
	}
	return &consensus.InstallSnapshotArgs{
		Term:              uint64(asFloat(m["term"])),
		LeaderID:          asString(m["leader_id"]),
		LastIncludedIndex: uint64(asFloat(m["last_included_index"])),
		LastIncludedTerm:  uint64(asFloat(m["last_included_term"])),
		Data:              data,
	}, nil
}

func encodeInstallSnapshotReply(r *consensus.InstallSnapshotReply) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"term": float64(r.Term)})
}

func decodeInstallSnapshotReply(s *structpb.Struct) *consensus.InstallSnapshotReply {
	return &consensus.InstallSnapshotReply{Term: uint64(asFloat(s.AsMap()["term"]))}
}

func encodeReadIndexArgs(a *consensus.ReadIndexArgs) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"term": float64(a.Term)})
}

func decodeReadIndexArgs(s *structpb.Struct) *consensus.ReadIndexArgs {
	return &consensus.ReadIndexArgs{Term: uint64(asFloat(s.AsMap()["term"]))}
}

func encodeReadIndexReply(r *consensus.ReadIndexReply) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"term":      float64(r.Term),
		"index":     float64(r.Index),
		"is_leader": r.IsLeader,
	})
}

func decodeReadIndexReply(s *structpb.Struct) *consensus.ReadIndexReply {
	m := s.AsMap()
	return &consensus.ReadIndexReply{
		Term:     uint64(asFloat(m["term"])),
		Index:    uint64(asFloat(m["index"])),
		IsLeader: asBool(m["is_leader"]),
	}
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}
