package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"coderelay/internal/logging"
	"coderelay/internal/session"
)

// CreateSession persists a new session. Fails with session.ErrSessionExists
// if the project directory already has a non-terminal session; the partial
// unique index enforces the invariant even under concurrent creation.
func (s *Store) CreateSession(sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := json.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}

	return s.withRetry("CreateSession", func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, project_path, status, context, version, created_at, last_active_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.ProjectPath, string(sess.Status), string(ctx),
			sess.Version, sess.CreatedAt, sess.LastActiveAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed: sessions.project_path") {
				return fmt.Errorf("%w: %s", session.ErrSessionExists, sess.ProjectPath)
			}
			return err
		}
		logging.Store("session created: %s (%s)", sess.ID, sess.ProjectPath)
		return nil
	})
}

// GetSession loads a session by id.
func (s *Store) GetSession(id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, project_path, status, context, version, created_at, last_active_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ActiveSessionForProject returns the project's non-terminal session, or
// session.ErrNotFound if none exists.
func (s *Store) ActiveSessionForProject(projectPath string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, project_path, status, context, version, created_at, last_active_at
		 FROM sessions WHERE project_path = ? AND status != ?`,
		projectPath, string(session.StatusTerminated))
	return scanSession(row)
}

// SessionsByStatus returns every session currently in one of the given
// statuses. Used by crash recovery to find unclean-shutdown residue.
func (s *Store) SessionsByStatus(statuses ...session.Status) ([]*session.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.Query(
		`SELECT id, project_path, status, context, version, created_at, last_active_at
		 FROM sessions WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping unreadable session row: %v", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateStatus moves a session between statuses with a compare-and-set on
// the expected (status, version) pair. A mismatch fails with
// session.ErrStaleState and leaves the record untouched.
func (s *Store) UpdateStatus(id string, from, to session.Status, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("UpdateStatus", func() error {
		res, err := s.db.Exec(
			`UPDATE sessions SET status = ?, version = version + 1, last_active_at = ?
			 WHERE id = ? AND status = ? AND version = ?`,
			string(to), time.Now().UTC(), id, string(from), expectedVersion)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := s.db.QueryRow(`SELECT COUNT(1) FROM sessions WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
				return fmt.Errorf("%w: %s", session.ErrNotFound, id)
			}
			return fmt.Errorf("%w: session %s expected %s@v%d", session.ErrStaleState, id, from, expectedVersion)
		}
		logging.StoreDebug("session %s status %s -> %s (v%d)", id, from, to, expectedVersion+1)
		return nil
	})
}

// AppendTurn appends a command/response cycle to the session context.
func (s *Store) AppendTurn(id string, turn session.Turn) error {
	return s.mutateContext(id, "AppendTurn", func(ctx *session.Context) {
		ctx.Turns = append(ctx.Turns, turn)
	})
}

// AppendActivity appends a free-form note to the session's activity log.
func (s *Store) AppendActivity(id string, entry session.ActivityEntry) error {
	return s.mutateContext(id, "AppendActivity", func(ctx *session.Context) {
		ctx.Activity = append(ctx.Activity, entry)
	})
}

// Touch updates last_active_at.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("Touch", func() error {
		res, err := s.db.Exec(
			`UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil
	})
}

// mutateContext applies fn to the stored context under the store lock. The
// version column advances so concurrent status CAS writes observe the
// mutation.
func (s *Store) mutateContext(id, op string, fn func(*session.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(op, func() error {
		var raw string
		err := s.db.QueryRow(`SELECT context FROM sessions WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		var ctx session.Context
		if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
			logging.Get(logging.CategoryStore).Warn("session %s context unreadable, resetting: %v", id, err)
			ctx = session.Context{}
		}
		fn(&ctx)

		encoded, err := json.Marshal(ctx)
		if err != nil {
			return fmt.Errorf("encode session context: %w", err)
		}
		_, err = s.db.Exec(
			`UPDATE sessions SET context = ?, version = version + 1, last_active_at = ? WHERE id = ?`,
			string(encoded), time.Now().UTC(), id)
		return err
	})
}

func scanSession(row *sql.Row) (*session.Session, error) {
	var sess session.Session
	var status, rawCtx string
	err := row.Scan(&sess.ID, &sess.ProjectPath, &status, &rawCtx,
		&sess.Version, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	if err := json.Unmarshal([]byte(rawCtx), &sess.Context); err != nil {
		logging.Get(logging.CategoryStore).Warn("session %s context unreadable: %v", sess.ID, err)
	}
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (*session.Session, error) {
	var sess session.Session
	var status, rawCtx string
	err := rows.Scan(&sess.ID, &sess.ProjectPath, &status, &rawCtx,
		&sess.Version, &sess.CreatedAt, &sess.LastActiveAt)
	if err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	if err := json.Unmarshal([]byte(rawCtx), &sess.Context); err != nil {
		logging.Get(logging.CategoryStore).Warn("session %s context unreadable: %v", sess.ID, err)
	}
	return &sess, nil
}
