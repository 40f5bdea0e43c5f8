// Package audit records who did what to which resource.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"fleet-panel/internal/model"
)

const (
	ActorUser   = "user"
	ActorSystem = "system"

	TargetServer = "server"
	TargetNode   = "node"
	TargetUser   = "user"
)

type Event struct {
	Actor      string
	ActorType  string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

// Sink receives audit events. Recording never fails the caller's
// operation; sinks log their own errors.
type Sink interface {
	Record(ctx context.Context, e Event)
}

type Nop struct{}

func (Nop) Record(context.Context, Event) {}

type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

type Recorder interface {
	CreateAuditLog(ctx context.Context, entry model.AuditLog) (model.AuditLog, error)
}

// StoreSink persists events to the audit log table.
type StoreSink struct {
	repo Recorder
	log  *slog.Logger
}

func NewStoreSink(repo Recorder, lg *slog.Logger) *StoreSink {
	return &StoreSink{repo: repo, log: lg}
}

func (s *StoreSink) Record(ctx context.Context, e Event) {
	metadata := ""
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			s.log.Warn("audit metadata not encodable", "action", e.Action, "err", err)
		} else {
			metadata = string(data)
		}
	}
	_, err := s.repo.CreateAuditLog(ctx, model.AuditLog{
		Actor:      e.Actor,
		ActorType:  e.ActorType,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Metadata:   metadata,
	})
	if err != nil {
		s.log.Error("audit record failed", "action", e.Action, "target_type", e.TargetType, "target_id", e.TargetID, "err", err)
	}
}

type Broadcaster interface {
	Broadcast(key, perm string, message []byte)
}

// readPermissions maps an action prefix to the permission a subscriber
// needs to see it. Anything unlisted needs activity.read.
var readPermissions = []struct{ prefix, perm string }{
	{"server.backup.", "backup.read"},
	{"server.subuser.", "user.read"},
	{"server.allocation.", "allocation.read"},
}

func readPermission(action string) string {
	for _, rp := range readPermissions {
		if strings.HasPrefix(action, rp.prefix) {
			return rp.perm
		}
	}
	return "activity.read"
}

// HubSink forwards server-scoped events to the server's live subscribers.
type HubSink struct {
	hub Broadcaster
	now func() time.Time
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub, now: time.Now}
}

type hubMessage struct {
	Event     string         `json:"event"`
	ServerID  string         `json:"serverId"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func (h *HubSink) Record(_ context.Context, e Event) {
	if e.TargetType != TargetServer || e.TargetID == "" {
		return
	}
	data, err := json.Marshal(hubMessage{
		Event:     e.Action,
		ServerID:  e.TargetID,
		Actor:     e.Actor,
		Metadata:  e.Metadata,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		return
	}
	h.hub.Broadcast(e.TargetID, readPermission(e.Action), data)
}
