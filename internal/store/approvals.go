package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coderelay/internal/approval"
	"coderelay/internal/logging"
)

// CreateApproval persists a new pending approval request.
func (s *Store) CreateApproval(req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("CreateApproval", func() error {
		_, err := s.db.Exec(
			`INSERT INTO approval_requests
			 (id, session_id, tool_name, target, raw_arguments, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.SessionID, req.Invocation.Tool, req.Invocation.Target,
			req.Invocation.RawArguments, string(req.Status), req.CreatedAt)
		if err != nil {
			return err
		}
		logging.StoreDebug("approval request created: %s (session %s, tool %s)",
			req.ID, req.SessionID, req.Invocation.Tool)
		return nil
	})
}

// GetApproval loads an approval request by id.
func (s *Store) GetApproval(id string) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, session_id, tool_name, target, raw_arguments, status, created_at, resolved_at
		 FROM approval_requests WHERE id = ?`, id)

	req, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return req, err
}

// ResolveApproval moves a request out of pending with a state-conditioned
// write: first resolution path to commit wins, any later attempt fails with
// approval.ErrAlreadyResolved.
func (s *Store) ResolveApproval(id string, to approval.Status, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("ResolveApproval", func() error {
		res, err := s.db.Exec(
			`UPDATE approval_requests SET status = ?, resolved_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), resolvedAt, id, string(approval.StatusPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := s.db.QueryRow(`SELECT COUNT(1) FROM approval_requests WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
				return fmt.Errorf("%w: %s", approval.ErrNotFound, id)
			}
			return fmt.Errorf("%w: %s", approval.ErrAlreadyResolved, id)
		}
		logging.StoreDebug("approval %s resolved: %s", id, to)
		return nil
	})
}

// ListApprovalsBySession returns all requests for a session, oldest first.
// Resolved requests are retained for audit, never deleted.
func (s *Store) ListApprovalsBySession(sessionID string) ([]*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, tool_name, target, raw_arguments, status, created_at, resolved_at
		 FROM approval_requests WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*approval.Request
	for rows.Next() {
		req, err := scanApproval(rows.Scan)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping unreadable approval row: %v", err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// PendingApprovals returns every pending request across all sessions.
func (s *Store) PendingApprovals() ([]*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, tool_name, target, raw_arguments, status, created_at, resolved_at
		 FROM approval_requests WHERE status = ? ORDER BY created_at`,
		string(approval.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*approval.Request
	for rows.Next() {
		req, err := scanApproval(rows.Scan)
		if err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func scanApproval(scan func(...interface{}) error) (*approval.Request, error) {
	var req approval.Request
	var status string
	var resolvedAt sql.NullTime
	err := scan(&req.ID, &req.SessionID, &req.Invocation.Tool, &req.Invocation.Target,
		&req.Invocation.RawArguments, &status, &req.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.Status = approval.Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	return &req, nil
}
