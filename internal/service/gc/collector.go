package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/sessionkeeper/internal/audit"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
	"github.com/nkiryanov/sessionkeeper/internal/observability"
	"github.com/nkiryanov/sessionkeeper/internal/repository"
)

type CollectorOptions struct {
	Recorder audit.Recorder
	Metrics  *observability.Metrics

	// Backend name reported with metrics
	Backend string

	// Clock, time.Now if nil
	Now func() time.Time
}

// Collector removes sessions whose primary or access token expiry has passed
type Collector struct {
	sessions repository.SessionRepo
	recorder audit.Recorder
	metrics  *observability.Metrics
	backend  string
	now      func() time.Time
}

func NewCollector(sessions repository.SessionRepo, opts CollectorOptions) *Collector {
	if opts.Recorder == nil {
		opts.Recorder = audit.Nop
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		sessions: sessions,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		backend:  opts.Backend,
		now:      opts.Now,
	}
}

// CollectGarbage deletes every session expired strictly before now and returns rows removed.
// Selection and delete are one backend operation, so sessions created meanwhile are never touched.
func (c *Collector) CollectGarbage(ctx context.Context) (int, error) {
	now := c.now()

	ids, err := c.sessions.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("error while deleting expired sessions. Err: %w", err)
	}

	if len(ids) > 0 {
		events := make([]audit.Event, 0, len(ids))
		for _, id := range ids {
			events = append(events, audit.Event{
				EntityType: audit.EntitySession,
				EntityID:   id,
				Action:     audit.ActionDelete,
				ActorID:    domain.SystemActorID,
				At:         now.UTC(),
			})
		}
		c.recorder.Record(ctx, events...)
	}

	c.metrics.RecordGarbageCollected(ctx, c.backend, len(ids))
	return len(ids), nil
}
