package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper fails projects whose pipeline stopped writing without reaching a
// final status, typically because the hosting process died.
type Reaper struct {
	store       ProjectStore
	locker      Locker
	threshold   time.Duration
	leasePrefix string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewReaper creates a reaper for projects idle longer than threshold. A nil
// locker treats every stale project as abandoned.
func NewReaper(store ProjectStore, locker Locker, threshold time.Duration, leasePrefix string, logger zerolog.Logger) *Reaper {
	return &Reaper{
		store:       store,
		locker:      locker,
		threshold:   threshold,
		leasePrefix: leasePrefix,
		logger:      logger.With().Str("component", "reaper").Logger(),
		now:         time.Now,
	}
}

// Sweep marks abandoned pipelines failed and returns how many it marked.
// Projects whose lease is still held are left alone.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.threshold)
	stale, err := r.store.ListStaleProjects(ctx,
		[]ProjectStatus{ProjectStatusCreating, ProjectStatusDeploying}, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, p := range stale {
		if r.locker != nil {
			held, err := r.locker.Held(ctx, r.leasePrefix+p.ID)
			if err != nil {
				r.logger.Warn().Err(err).Str("project_id", p.ID).Msg("lease lookup failed, skipping")
				continue
			}
			if held {
				continue
			}
		}

		abandoned := NewPermanentError("pipeline abandoned", nil).
			WithCode(ErrCodeTimeout).
			WithOperation("reap").
			WithResource(p.ID).
			WithDetail("last_status", string(p.Status)).
			WithDetail("last_message", p.StatusMessage).
			WithDetail("last_updated", p.LastUpdated.UTC().Format(time.RFC3339))
		err := r.store.UpdateStatus(ctx, p.ID, StatusUpdate{
			Status:  ProjectStatusFailed,
			Message: "pipeline abandoned",
			Error:   abandoned.Trace(),
		})
		if err != nil {
			if IsNotFound(err) || IsInvalidTransition(err) {
				continue
			}
			return reaped, err
		}
		reaped++
		r.logger.Warn().
			Str("project_id", p.ID).
			Str("name", p.Name).
			Str("last_status", string(p.Status)).
			Msg("marked abandoned pipeline failed")
	}
	return reaped, nil
}
