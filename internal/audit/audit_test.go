package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"fleet-panel/internal/logging"
	"fleet-panel/internal/model"
)

type memRecorder struct {
	entries []model.AuditLog
	err     error
}

func (m *memRecorder) CreateAuditLog(_ context.Context, entry model.AuditLog) (model.AuditLog, error) {
	if m.err != nil {
		return model.AuditLog{}, m.err
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

type memHub struct {
	keys     []string
	perms    []string
	messages [][]byte
}

func (m *memHub) Broadcast(key, perm string, message []byte) {
	m.keys = append(m.keys, key)
	m.perms = append(m.perms, perm)
	m.messages = append(m.messages, message)
}

func TestStoreSink_EncodesMetadata(t *testing.T) {
	rec := &memRecorder{}
	sink := NewStoreSink(rec, logging.Discard())
	sink.Record(context.Background(), Event{
		Actor:      "u1",
		ActorType:  ActorUser,
		Action:     "server.backup.lock",
		TargetType: TargetServer,
		TargetID:   "s1",
		Metadata:   map[string]any{"backupUuid": "b1"},
	})

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(rec.entries))
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(rec.entries[0].Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta["backupUuid"] != "b1" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestStoreSink_SwallowsErrors(t *testing.T) {
	sink := NewStoreSink(&memRecorder{err: errors.New("disk full")}, logging.Discard())
	sink.Record(context.Background(), Event{Action: "x", TargetType: TargetNode})
}

func TestMulti_HubOnlyServerEvents(t *testing.T) {
	rec := &memRecorder{}
	h := &memHub{}
	sink := Multi{NewStoreSink(rec, logging.Discard()), NewHubSink(h), nil}

	sink.Record(context.Background(), Event{Action: "admin.node.create", TargetType: TargetNode, TargetID: "n1"})
	sink.Record(context.Background(), Event{Action: "server.backup.create", TargetType: TargetServer, TargetID: "s1"})

	if len(rec.entries) != 2 {
		t.Fatalf("expected both events stored, got %d", len(rec.entries))
	}
	if len(h.keys) != 1 || h.keys[0] != "s1" {
		t.Fatalf("expected one broadcast to s1, got %v", h.keys)
	}
	var msg map[string]any
	if err := json.Unmarshal(h.messages[0], &msg); err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg["event"] != "server.backup.create" {
		t.Fatalf("unexpected message %v", msg)
	}
}

func TestHubSink_TagsEventsWithReadPermission(t *testing.T) {
	h := &memHub{}
	sink := NewHubSink(h)
	cases := map[string]string{
		"server.backup.create":     "backup.read",
		"server.subuser.updated":   "user.read",
		"server.allocation.delete": "allocation.read",
		"server.power.start":       "activity.read",
	}
	for action, want := range cases {
		h.perms = nil
		sink.Record(context.Background(), Event{Action: action, TargetType: TargetServer, TargetID: "s1"})
		if len(h.perms) != 1 || h.perms[0] != want {
			t.Fatalf("%s: expected %q, got %v", action, want, h.perms)
		}
	}
}
