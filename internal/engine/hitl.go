package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gateline/internal/domain"
	"gateline/internal/events"
)

// GetHitlSettings returns the per-project approval toggle and counter.
func (e Engine) GetHitlSettings(ctx context.Context, projectID string) (domain.HitlSettings, error) {
	return e.Repo.GetHitlSettings(ctx, projectID)
}

// SetHitlEnabled toggles whether approvals are required at all.
func (e Engine) SetHitlEnabled(ctx context.Context, projectID string, enabled bool, actorID string) (domain.HitlSettings, error) {
	return e.updateHitl(ctx, projectID, actorID, func(s *domain.HitlSettings) {
		s.Enabled = enabled
	})
}

// SetHitlCounter sets the counter ceiling and resets the live counter to it.
func (e Engine) SetHitlCounter(ctx context.Context, projectID string, ceiling int, actorID string) (domain.HitlSettings, error) {
	if ceiling < 0 {
		return domain.HitlSettings{}, fmt.Errorf("counter ceiling must be >= 0")
	}
	return e.updateHitl(ctx, projectID, actorID, func(s *domain.HitlSettings) {
		s.Ceiling = ceiling
		s.Counter = ceiling
	})
}

// ResetHitlCounter sets the counter back to the ceiling.
func (e Engine) ResetHitlCounter(ctx context.Context, projectID, actorID string) (domain.HitlSettings, error) {
	return e.updateHitl(ctx, projectID, actorID, func(s *domain.HitlSettings) {
		s.Counter = s.Ceiling
	})
}

func (e Engine) updateHitl(ctx context.Context, projectID, actorID string, mutate func(*domain.HitlSettings)) (domain.HitlSettings, error) {
	unlock := e.locks.lock(projectID)
	defer unlock()

	s, err := e.Repo.GetHitlSettings(ctx, projectID)
	if err != nil {
		return s, err
	}
	before := s
	mutate(&s)
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertHitlSettingsTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeHitlUpdated, projectID, "hitl_settings", projectID, actorID, events.EventPayload{
		"enabled":      s.Enabled,
		"counter":      s.Counter,
		"ceiling":      s.Ceiling,
		"prev_enabled": before.Enabled,
		"prev_counter": before.Counter,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ConsumeResult reports the outcome of one auto-approval consumption.
// Disabled marks an auto-approval granted because gating is off, with no
// counter spend.
type ConsumeResult struct {
	AutoApproved     bool
	Disabled         bool
	Remaining        int
	ThresholdReached bool
}

// ConsumeOne consumes one auto-approval from the counter. Disabled HITL
// always auto-approves without touching the counter. An enabled counter
// decrements until it reaches 0, at which point a real human decision is
// required and the threshold notification fires once.
func (e Engine) ConsumeOne(ctx context.Context, projectID, actorID string) (ConsumeResult, error) {
	unlock := e.locks.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConsumeResult{}, err
	}
	defer tx.Rollback()
	res, err := e.consumeOneTx(ctx, tx, projectID, actorID)
	if err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// consumeOneTx runs the counter consumption inside the caller's
// transaction so approval creation and the decrement commit atomically.
// Caller must hold the project lock.
func (e Engine) consumeOneTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (ConsumeResult, error) {
	s, err := e.Repo.GetHitlSettingsTx(ctx, tx, projectID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !s.Enabled {
		return ConsumeResult{AutoApproved: true, Disabled: true, Remaining: s.Counter}, nil
	}
	if s.Counter <= 0 {
		return ConsumeResult{AutoApproved: false, Remaining: 0}, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	n, err := e.Repo.DecrementHitlCounterTx(ctx, tx, projectID, now)
	if err != nil {
		return ConsumeResult{}, err
	}
	if n == 0 {
		// Raced to zero inside the same lock scope; treat as exhausted.
		return ConsumeResult{AutoApproved: false, Remaining: 0}, nil
	}
	remaining := s.Counter - 1
	res := ConsumeResult{AutoApproved: true, Remaining: remaining}
	if remaining == 0 {
		res.ThresholdReached = true
		if err := e.Events.Append(ctx, tx, events.TypeHitlThreshold, projectID, "hitl_settings", projectID, actorID, events.EventPayload{
			"ceiling": s.Ceiling,
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}
