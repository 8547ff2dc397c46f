package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coderelay/internal/logging"

	"github.com/google/uuid"
)

// Status is the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether the status permits no further resolution.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusTimedOut
}

// ToolInvocation is one observed call the coding CLI made.
type ToolInvocation struct {
	Tool         string
	Target       string
	RawArguments string
}

// Request gates one destructive tool invocation. Once terminal it never
// re-enters pending; resolved requests are retained for audit.
type Request struct {
	ID         string
	SessionID  string
	Invocation ToolInvocation
	Status     Status
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// EmergencyState is the global incident-response flag. Singleton record,
// read fresh from the store on every gate decision.
type EmergencyState struct {
	Active      bool
	ActivatedBy string
	ActivatedAt time.Time
}

// Sentinel errors surfaced by the gate.
var (
	// ErrAlreadyResolved reports a benign race: the request left pending
	// before this resolution committed.
	ErrAlreadyResolved = errors.New("approval request already resolved")
	// ErrNotFound reports an unknown request id.
	ErrNotFound = errors.New("approval request not found")
	// ErrBadDecision reports a resolution decision outside approved/rejected.
	ErrBadDecision = errors.New("decision must be approved or rejected")
)

// Store is the durable backing the gate requires. Implemented by the
// SQLite persistent store; ResolveApproval must be a state-conditioned
// write that fails with ErrAlreadyResolved when the request is not pending.
type Store interface {
	CreateApproval(req *Request) error
	GetApproval(id string) (*Request, error)
	ResolveApproval(id string, to Status, resolvedAt time.Time) error
	ListApprovalsBySession(sessionID string) ([]*Request, error)
	EmergencyState() (EmergencyState, error)
	SetEmergency(active bool, actor string, at time.Time) (changed bool, err error)
}

// TimeoutFunc is notified when a pending request times out, so the owning
// session can pause command processing until the user responds.
type TimeoutFunc func(sessionID, requestID string)

// Gate decides whether tool invocations proceed immediately or wait for the
// user. One gate serves all sessions.
type Gate struct {
	store      Store
	classifier *Classifier
	timeout    time.Duration

	mu        sync.Mutex
	timers    map[string]*time.Timer
	waiters   map[string][]chan Status
	onTimeout TimeoutFunc
	closed    bool
}

// NewGate creates an approval gate. timeout is the wall-clock limit for
// pending requests.
func NewGate(store Store, classifier *Classifier, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Gate{
		store:      store,
		classifier: classifier,
		timeout:    timeout,
		timers:     make(map[string]*time.Timer),
		waiters:    make(map[string][]chan Status),
	}
}

// OnTimeout registers the timeout notification callback.
func (g *Gate) OnTimeout(fn TimeoutFunc) {
	g.mu.Lock()
	g.onTimeout = fn
	g.mu.Unlock()
}

// RequestApproval classifies the invocation and either auto-approves it
// (returns nil) or persists a pending request and returns it. Emergency mode
// exempts safe invocations from gating but never auto-approves destructive
// ones.
func (g *Gate) RequestApproval(sessionID string, inv ToolInvocation) (*Request, error) {
	class := g.classifier.Classify(inv.Tool)

	// Read the emergency flag fresh on every decision; caching it across
	// concurrent sessions invites stale-flag bugs.
	emergency, err := g.store.EmergencyState()
	if err != nil {
		logging.Get(logging.CategoryApproval).Warn("emergency state read failed: %v", err)
		emergency = EmergencyState{}
	}

	if class == Safe {
		logging.Approval("auto-approved %s on %s (safe, emergency=%v)", inv.Tool, inv.Target, emergency.Active)
		logging.Audit(logging.AuditEvent{
			Type:      logging.AuditApprovalAuto,
			SessionID: sessionID,
			Details: map[string]string{
				"tool":      inv.Tool,
				"target":    inv.Target,
				"emergency": fmt.Sprintf("%v", emergency.Active),
			},
		})
		return nil, nil
	}

	req := &Request{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Invocation: inv,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.store.CreateApproval(req); err != nil {
		return nil, fmt.Errorf("persist approval request: %w", err)
	}

	g.mu.Lock()
	if !g.closed {
		g.timers[req.ID] = time.AfterFunc(g.timeout, func() {
			g.fireTimeout(req.SessionID, req.ID)
		})
	}
	g.mu.Unlock()

	logging.Approval("approval required: %s on %s (request %s, session %s)",
		inv.Tool, inv.Target, req.ID, sessionID)
	logging.Audit(logging.AuditEvent{
		Type:      logging.AuditApprovalRequested,
		SessionID: sessionID,
		RequestID: req.ID,
		Details:   map[string]string{"tool": inv.Tool, "target": inv.Target},
	})
	return req, nil
}

// Resolve applies a manual decision. Returns ErrAlreadyResolved if the
// request already reached a terminal status, including via timeout.
func (g *Gate) Resolve(requestID string, decision Status) error {
	if decision != StatusApproved && decision != StatusRejected {
		return fmt.Errorf("%w: %q", ErrBadDecision, decision)
	}

	err := g.store.ResolveApproval(requestID, decision, time.Now().UTC())
	if err != nil {
		return err
	}

	// We won the race; the pending timer must become a no-op.
	g.cancelTimer(requestID)
	g.notifyWaiters(requestID, decision)

	req, _ := g.store.GetApproval(requestID)
	sessionID := ""
	if req != nil {
		sessionID = req.SessionID
	}
	logging.Approval("request %s resolved: %s", requestID, decision)
	logging.Audit(logging.AuditEvent{
		Type:      logging.AuditApprovalResolved,
		SessionID: sessionID,
		RequestID: requestID,
		Actor:     "user",
		Details:   map[string]string{"decision": string(decision)},
	})
	return nil
}

// ResolveBatch applies a decision to each request independently. A failure on
// one id does not block the others; per-id results are returned.
func (g *Gate) ResolveBatch(requestIDs []string, decision Status) map[string]error {
	results := make(map[string]error, len(requestIDs))
	for _, id := range requestIDs {
		results[id] = g.Resolve(id, decision)
	}
	return results
}

// Wait blocks until the request reaches a terminal status or ctx is done.
func (g *Gate) Wait(ctx context.Context, requestID string) (Status, error) {
	ch := make(chan Status, 1)

	g.mu.Lock()
	g.waiters[requestID] = append(g.waiters[requestID], ch)
	g.mu.Unlock()

	// Check after registering, in case resolution already committed.
	if req, err := g.store.GetApproval(requestID); err == nil && req.Status.Terminal() {
		g.removeWaiter(requestID, ch)
		return req.Status, nil
	}

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		g.removeWaiter(requestID, ch)
		return "", ctx.Err()
	}
}

// Owner returns the session id owning a request.
func (g *Gate) Owner(requestID string) (string, error) {
	req, err := g.store.GetApproval(requestID)
	if err != nil {
		return "", err
	}
	return req.SessionID, nil
}

// PendingForSession returns the session's unresolved requests.
func (g *Gate) PendingForSession(sessionID string) ([]*Request, error) {
	reqs, err := g.store.ListApprovalsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	pending := reqs[:0]
	for _, r := range reqs {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// ActivateEmergency turns on emergency mode. Idempotent.
func (g *Gate) ActivateEmergency(actor string) error {
	changed, err := g.store.SetEmergency(true, actor, time.Now().UTC())
	if err != nil {
		return err
	}
	if changed {
		logging.Approval("emergency mode activated by %s", actor)
		logging.Audit(logging.AuditEvent{Type: logging.AuditEmergencyOn, Actor: actor})
	}
	return nil
}

// DeactivateEmergency turns off emergency mode. Idempotent.
func (g *Gate) DeactivateEmergency() error {
	changed, err := g.store.SetEmergency(false, "", time.Now().UTC())
	if err != nil {
		return err
	}
	if changed {
		logging.Approval("emergency mode deactivated")
		logging.Audit(logging.AuditEvent{Type: logging.AuditEmergencyOff})
	}
	return nil
}

// Emergency returns the current emergency state.
func (g *Gate) Emergency() (EmergencyState, error) {
	return g.store.EmergencyState()
}

// Close cancels all outstanding timers. Pending requests stay pending in the
// store; crash recovery of approvals is the next startup's concern.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}

// fireTimeout is the scheduled callback for a pending request. If a manual
// resolution already committed, the conditional write loses and this is a
// guaranteed no-op.
func (g *Gate) fireTimeout(sessionID, requestID string) {
	err := g.store.ResolveApproval(requestID, StatusTimedOut, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, ErrAlreadyResolved) && !errors.Is(err, ErrNotFound) {
			logging.Get(logging.CategoryApproval).Error("timeout write for %s failed: %v", requestID, err)
		}
		return
	}

	g.cancelTimer(requestID)

	// Pause the session before releasing waiters. The waiter is the command
	// loop; waking it first would let the next queued command start in the
	// window before the pause lands.
	g.mu.Lock()
	fn := g.onTimeout
	g.mu.Unlock()
	if fn != nil {
		fn(sessionID, requestID)
	}

	g.notifyWaiters(requestID, StatusTimedOut)

	logging.Approval("request %s timed out", requestID)
	logging.Audit(logging.AuditEvent{
		Type:      logging.AuditApprovalTimeout,
		SessionID: sessionID,
		RequestID: requestID,
	})
}

func (g *Gate) cancelTimer(requestID string) {
	g.mu.Lock()
	if t, ok := g.timers[requestID]; ok {
		t.Stop()
		delete(g.timers, requestID)
	}
	g.mu.Unlock()
}

func (g *Gate) notifyWaiters(requestID string, status Status) {
	g.mu.Lock()
	chans := g.waiters[requestID]
	delete(g.waiters, requestID)
	g.mu.Unlock()
	for _, ch := range chans {
		ch <- status
	}
}

func (g *Gate) removeWaiter(requestID string, ch chan Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chans := g.waiters[requestID]
	for i, c := range chans {
		if c == ch {
			g.waiters[requestID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(g.waiters[requestID]) == 0 {
		delete(g.waiters, requestID)
	}
}
