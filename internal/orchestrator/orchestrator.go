// Package orchestrator is the public entry point of the session engine. It
// owns the registry of session managers keyed by project directory, resolves
// chat channels to projects, and routes approval resolutions. Faults stay
// contained in the session they belong to; the registry lock is held only
// for lookup and insert, never across blocking work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coderelay/internal/approval"
	"coderelay/internal/bridge"
	"coderelay/internal/logging"
	"coderelay/internal/session"
	"coderelay/internal/store"

	"golang.org/x/sync/errgroup"
)

// ErrNoProjectBound reports a command for a channel without a project
// binding. Surfaced directly as an instruction to bind a project first.
var ErrNoProjectBound = errors.New("no project bound to this channel")

// ReplyFunc delivers a user-facing reply to a channel. Fire-and-forget from
// the engine's perspective; panics are caught and logged.
type ReplyFunc func(channelID, content string)

// Config tunes the orchestrator.
type Config struct {
	// Bridge configures subprocess invocation for every session.
	Bridge bridge.Options
	// QueueSize bounds each session's command queue.
	QueueSize int
	// IdleEviction is how long an idle manager stays in the in-memory
	// registry. Eviction never touches the durable record.
	IdleEviction time.Duration
}

// Orchestrator coordinates all active session managers.
type Orchestrator struct {
	store *store.Store
	gate  *approval.Gate
	reply ReplyFunc
	cfg   Config

	mu       sync.Mutex
	managers map[string]*session.Manager // keyed by project path
	closing  bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates an orchestrator. The approval gate's timeout notifications are
// wired to pause the owning session until the user responds.
func New(st *store.Store, gate *approval.Gate, reply ReplyFunc, cfg Config) *Orchestrator {
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 30 * time.Minute
	}
	o := &Orchestrator{
		store:       st,
		gate:        gate,
		reply:       reply,
		cfg:         cfg,
		managers:    make(map[string]*session.Manager),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	gate.OnTimeout(o.onApprovalTimeout)
	go o.janitor()
	return o
}

// ExecuteCommand routes an inbound chat command to its session and blocks
// until the command's response cycle completes. Commands for different
// sessions run fully concurrently; commands for the same session serialize
// in arrival order.
func (o *Orchestrator) ExecuteCommand(ctx context.Context, channelID, text string) error {
	projectPath, err := o.store.ProjectForChannel(channelID)
	if err != nil {
		if errors.Is(err, store.ErrBindingNotFound) {
			o.sendReply(channelID, "No project is bound to this channel yet. Bind one first.")
			return fmt.Errorf("%w: %s", ErrNoProjectBound, channelID)
		}
		return err
	}

	mgr, err := o.managerFor(channelID, projectPath)
	if err != nil {
		o.sendReply(channelID, userMessageFor(err))
		return err
	}

	if err := mgr.Execute(ctx, text); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("command failed for %s: %v", projectPath, err)
		return err
	}
	return nil
}

// ResolveApproval applies a user decision to a pending request.
func (o *Orchestrator) ResolveApproval(requestID string, decision approval.Status) error {
	err := o.gate.Resolve(requestID, decision)
	if err == nil {
		o.resumeOwner(requestID)
	}
	return err
}

// ResolveApprovalBatch resolves several requests independently; per-id
// results are returned and one failure never blocks the rest.
func (o *Orchestrator) ResolveApprovalBatch(requestIDs []string, decision approval.Status) map[string]error {
	results := o.gate.ResolveBatch(requestIDs, decision)
	for id, err := range results {
		if err == nil {
			o.resumeOwner(id)
		}
	}
	return results
}

// BindProject binds a channel to a project directory.
func (o *Orchestrator) BindProject(channelID, projectPath string) error {
	return o.store.BindProject(channelID, projectPath)
}

// ActivateEmergency turns on the global emergency override.
func (o *Orchestrator) ActivateEmergency(actor string) error {
	return o.gate.ActivateEmergency(actor)
}

// DeactivateEmergency turns the override off.
func (o *Orchestrator) DeactivateEmergency() error {
	return o.gate.DeactivateEmergency()
}

// ResumeSession lifts an approval-timeout pause for a channel's session.
func (o *Orchestrator) ResumeSession(channelID string) error {
	projectPath, err := o.store.ProjectForChannel(channelID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	mgr := o.managers[projectPath]
	o.mu.Unlock()
	if mgr != nil {
		mgr.Resume()
	}
	return nil
}

// TerminateSession explicitly ends a channel's session. The durable record
// is kept; only the in-memory manager is removed.
func (o *Orchestrator) TerminateSession(channelID string) error {
	projectPath, err := o.store.ProjectForChannel(channelID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	mgr := o.managers[projectPath]
	delete(o.managers, projectPath)
	o.mu.Unlock()

	if mgr == nil {
		// No live manager; terminate the durable record directly.
		sess, err := o.store.ActiveSessionForProject(projectPath)
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		lc := session.NewLifecycle(o.store)
		if sess.Status != session.StatusTerminating {
			if err := lc.Transition(sess, session.StatusTerminating); err != nil {
				return err
			}
		}
		return lc.Transition(sess, session.StatusTerminated)
	}

	mgr.Close()
	return mgr.Terminate()
}

// Close shuts down all managers concurrently and stops the janitor.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	managers := make([]*session.Manager, 0, len(o.managers))
	for _, m := range o.managers {
		managers = append(managers, m)
	}
	o.managers = make(map[string]*session.Manager)
	o.mu.Unlock()

	close(o.janitorStop)
	<-o.janitorDone

	var g errgroup.Group
	for _, m := range managers {
		m := m
		g.Go(func() error {
			m.Close()
			if err := m.Suspend(); err != nil && !errors.Is(err, session.ErrNotFound) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	o.gate.Close()
	logging.Boot("orchestrator closed (%d managers)", len(managers))
	return err
}

// managerFor returns the session manager for a project, creating the
// session record and manager on first reference. The registry lock guards
// only the map; session creation happens outside any blocking path.
func (o *Orchestrator) managerFor(channelID, projectPath string) (*session.Manager, error) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator is shutting down")
	}
	if mgr, ok := o.managers[projectPath]; ok {
		o.mu.Unlock()
		return mgr, nil
	}
	o.mu.Unlock()

	sess, err := o.store.ActiveSessionForProject(projectPath)
	if errors.Is(err, session.ErrNotFound) {
		sess = session.New(projectPath)
		if cerr := o.store.CreateSession(sess); cerr != nil {
			// Lost a creation race; the winner's session is the one.
			if errors.Is(cerr, session.ErrSessionExists) {
				sess, err = o.store.ActiveSessionForProject(projectPath)
				if err != nil {
					return nil, err
				}
			} else {
				return nil, cerr
			}
		}
	} else if err != nil {
		return nil, err
	}

	reply := func(content string) { o.sendReply(channelID, content) }

	o.mu.Lock()
	defer o.mu.Unlock()
	if mgr, ok := o.managers[projectPath]; ok {
		return mgr, nil
	}
	mgr := session.NewManager(sess.ID, projectPath, o.store, o.gate, reply, session.ManagerConfig{
		Bridge:    o.cfg.Bridge,
		QueueSize: o.cfg.QueueSize,
	})
	o.managers[projectPath] = mgr
	logging.Get(logging.CategoryOrchestrator).Info("manager created for %s (session %s)", projectPath, sess.ID)
	return mgr, nil
}

// onApprovalTimeout pauses the session owning a timed-out request and
// notifies its channel.
func (o *Orchestrator) onApprovalTimeout(sessionID, requestID string) {
	o.mu.Lock()
	var mgr *session.Manager
	for _, m := range o.managers {
		if m.SessionID() == sessionID {
			mgr = m
			break
		}
	}
	o.mu.Unlock()

	if mgr == nil {
		return
	}
	mgr.Pause()

	if channelID, err := o.store.ChannelForProject(mgr.ProjectPath()); err == nil {
		o.sendReply(channelID,
			"An approval request timed out. The session is paused; reply to resume.")
	}
}

func (o *Orchestrator) resumeOwner(requestID string) {
	sessionID, err := o.gate.Owner(requestID)
	if err != nil || sessionID == "" {
		return
	}
	o.mu.Lock()
	for _, m := range o.managers {
		if m.SessionID() == sessionID {
			m.Resume()
			break
		}
	}
	o.mu.Unlock()
}

// janitor evicts idle managers from the in-memory registry. The durable
// session record is suspended, never deleted.
func (o *Orchestrator) janitor() {
	defer close(o.janitorDone)
	interval := o.cfg.IdleEviction / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.janitorStop:
			return
		case <-ticker.C:
			o.evictIdle()
		}
	}
}

func (o *Orchestrator) evictIdle() {
	cutoff := time.Now().Add(-o.cfg.IdleEviction)

	o.mu.Lock()
	var victims []*session.Manager
	for path, m := range o.managers {
		if m.LastUsed().Before(cutoff) {
			victims = append(victims, m)
			delete(o.managers, path)
		}
	}
	o.mu.Unlock()

	for _, m := range victims {
		logging.Get(logging.CategoryOrchestrator).Info("evicting idle manager for %s", m.ProjectPath())
		m.Close()
		if err := m.Suspend(); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("suspend on eviction failed: %v", err)
		}
	}
}

// sendReply invokes the outbound callback, catching panics so transport
// faults never abort engine processing.
func (o *Orchestrator) sendReply(channelID, content string) {
	if o.reply == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryTransport).Error("reply callback panicked: %v", r)
		}
	}()
	o.reply(channelID, content)
}

// userMessageFor maps internal errors to short, actionable replies. Raw
// internal detail never reaches the user-facing channel.
func userMessageFor(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionExists):
		return "This project already has an active session."
	case errors.Is(err, bridge.ErrProcessStart):
		return "Could not start the coding CLI. Check that it is installed and the project directory exists."
	case errors.Is(err, session.ErrStaleState):
		return "The session changed underneath this command. Try again."
	default:
		return "Something went wrong handling that command."
	}
}
