package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/sessionkeeper/internal/domain"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
)

const EntitySession = "session"

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Event is one append-only audit entry. Before and After are JSON snapshots, nil when absent.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     Action          `json:"action"`
	ActorID    uuid.UUID       `json:"actor_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	At         time.Time       `json:"at"`
}

// Sink delivers events to one destination
type Sink interface {
	Write(ctx context.Context, events ...Event) error
}

// Recorder mirrors session writes into the audit trail.
// Recording is best-effort: failures are logged and never returned.
type Recorder interface {
	Record(ctx context.Context, events ...Event)
}

type MultiRecorder struct {
	sinks []Sink
	log   logger.Logger
	now   func() time.Time
}

func NewRecorder(log logger.Logger, sinks ...Sink) *MultiRecorder {
	return &MultiRecorder{sinks: sinks, log: log, now: time.Now}
}

func (r *MultiRecorder) Record(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}

	for i := range events {
		if events[i].ID == uuid.Nil {
			events[i].ID = uuid.New()
		}
		if events[i].At.IsZero() {
			events[i].At = r.now().UTC()
		}
	}

	for _, sink := range r.sinks {
		if err := sink.Write(ctx, events...); err != nil {
			r.log.Error("audit: failed to write events", "count", len(events), "error", err)
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, ...Event) {}

// Discards every event
var Nop Recorder = nopRecorder{}

// SessionSnapshot is the audited view of a session. Token values are left out, expiries are kept.
func SessionSnapshot(s *domain.Session) json.RawMessage {
	if s == nil {
		return nil
	}

	rec := s.Record()
	rec.AccessToken = ""
	if rec.RefreshToken != nil {
		rec.RefreshToken = new(string)
	}
	if rec.CsrfToken != nil {
		rec.CsrfToken = new(string)
	}
	rec.RawData = ""

	data, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return data
}
