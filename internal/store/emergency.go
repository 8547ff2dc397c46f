package store

import (
	"database/sql"
	"time"

	"coderelay/internal/approval"
	"coderelay/internal/logging"
)

// EmergencyState returns the global incident-response flag. The singleton
// row is created at first start; callers read it fresh rather than caching.
func (s *Store) EmergencyState() (approval.EmergencyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state approval.EmergencyState
	var status, actor string
	var at sql.NullTime
	err := s.db.QueryRow(
		`SELECT status, activated_by, activated_at FROM emergency_state WHERE id = 1`).
		Scan(&status, &actor, &at)
	if err != nil {
		return state, err
	}
	state.Active = status == "emergency"
	state.ActivatedBy = actor
	if at.Valid {
		state.ActivatedAt = at.Time
	}
	return state, nil
}

// SetEmergency toggles emergency mode. Idempotent both ways: the
// state-conditioned write reports whether anything actually changed.
func (s *Store) SetEmergency(active bool, actor string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, prior := "emergency", "normal"
	if !active {
		target, prior = "normal", "emergency"
	}

	var changed bool
	err := s.withRetry("SetEmergency", func() error {
		res, err := s.db.Exec(
			`UPDATE emergency_state SET status = ?, activated_by = ?, activated_at = ?
			 WHERE id = 1 AND status = ?`,
			target, actor, at, prior)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		logging.Store("emergency state: %s", target)
	}
	return changed, nil
}
