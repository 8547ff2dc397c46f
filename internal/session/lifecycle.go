package session

import (
	"errors"
	"fmt"

	"coderelay/internal/logging"
)

// Sentinel errors for lifecycle and persistence faults.
var (
	// ErrInvalidTransition reports a (current, target) pair outside the
	// adjacency table. No write is performed.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrStaleState reports that the persisted state no longer matches the
	// expected pre-state; the caller should reload and retry the whole
	// operation.
	ErrStaleState = errors.New("stale session state")
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionExists reports a second non-terminal session for the same
	// project directory.
	ErrSessionExists = errors.New("active session already exists for project")
)

// Persister is the durable store surface the lifecycle needs. Implemented by
// the SQLite persistent store. UpdateStatus must be a compare-and-set on
// (status, version) and fail with ErrStaleState on mismatch.
type Persister interface {
	GetSession(id string) (*Session, error)
	UpdateStatus(id string, from, to Status, expectedVersion int64) error
	AppendTurn(id string, turn Turn) error
	AppendActivity(id string, entry ActivityEntry) error
	Touch(id string) error
}

// Lifecycle validates and persists session status transitions. Every
// transition is validated against the in-memory expected state, then
// persisted; only after the conditional write commits is the in-memory copy
// advanced.
type Lifecycle struct {
	store Persister
}

// NewLifecycle returns a lifecycle bound to a persister.
func NewLifecycle(store Persister) *Lifecycle {
	return &Lifecycle{store: store}
}

// Transition moves sess to the target status. Same-state transitions succeed
// as no-ops. Invalid pairs fail with ErrInvalidTransition and perform no
// write; a persisted-state mismatch fails with ErrStaleState.
func (l *Lifecycle) Transition(sess *Session, to Status) error {
	from := sess.Status
	if from == to {
		logging.SessionDebug("session %s: no-op transition %s -> %s", sess.ID, from, to)
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (session %s)", ErrInvalidTransition, from, to, sess.ID)
	}

	if err := l.store.UpdateStatus(sess.ID, from, to, sess.Version); err != nil {
		return err
	}

	sess.Status = to
	sess.Version++

	logging.Session("session %s: %s -> %s", sess.ID, from, to)
	logging.Audit(logging.AuditEvent{
		Type:      logging.AuditSessionTransition,
		SessionID: sess.ID,
		Details:   map[string]string{"from": string(from), "to": string(to)},
	})
	return nil
}

// Refresh reloads sess from the store, discarding in-memory state. Used
// after ErrStaleState to retry from fresh state.
func (l *Lifecycle) Refresh(sess *Session) error {
	fresh, err := l.store.GetSession(sess.ID)
	if err != nil {
		return err
	}
	*sess = *fresh
	return nil
}
