package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"coderelay/internal/approval"
	"coderelay/internal/bridge"
	"coderelay/internal/logging"
	"coderelay/internal/parser"
)

// ReplyFunc delivers user-facing output for this session. Supplied by the
// transport collaborator; its failures are caught and logged, never allowed
// to abort session processing.
type ReplyFunc func(content string)

// ManagerConfig tunes a session manager.
type ManagerConfig struct {
	// Bridge configures subprocess invocation.
	Bridge bridge.Options
	// QueueSize bounds the command queue. Enqueueing blocks when full;
	// commands are never reordered or dropped.
	QueueSize int
}

// command is one queued unit of work.
type command struct {
	ctx    context.Context
	text   string
	result chan error
}

// Manager wires bridge, parser, approval gate and lifecycle into one
// per-project unit. Commands for the same session are strictly serialized in
// arrival order; the manager holds the session id as a lookup key, the
// record itself is owned by the store.
type Manager struct {
	sessionID   string
	projectPath string
	store       Persister
	lifecycle   *Lifecycle
	gate        *approval.Gate
	reply       ReplyFunc
	cfg         ManagerConfig

	mu       sync.Mutex
	cond     *sync.Cond
	br       *bridge.Bridge
	parse    *parser.Parser
	queue    chan command
	paused   bool
	closing  bool
	lastUsed time.Time

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a manager for an existing session record and starts its
// command loop.
func NewManager(sessionID, projectPath string, store Persister, gate *approval.Gate, reply ReplyFunc, cfg ManagerConfig) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	m := &Manager{
		sessionID:   sessionID,
		projectPath: projectPath,
		store:       store,
		lifecycle:   NewLifecycle(store),
		gate:        gate,
		reply:       reply,
		cfg:         cfg,
		queue:       make(chan command, cfg.QueueSize),
		lastUsed:    time.Now(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.loop()
	return m
}

// SessionID returns the managed session's id.
func (m *Manager) SessionID() string { return m.sessionID }

// ProjectPath returns the bound project directory.
func (m *Manager) ProjectPath() string { return m.projectPath }

// LastUsed returns when the manager last processed a command.
func (m *Manager) LastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}

// Execute queues a command and blocks until it completes. Commands queued
// behind a pending approval stay queued; ordering is preserved.
func (m *Manager) Execute(ctx context.Context, text string) error {
	cmd := command{ctx: ctx, text: text, result: make(chan error, 1)}

	select {
	case m.queue <- cmd:
	case <-m.stop:
		return fmt.Errorf("session %s: manager closed", m.sessionID)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-m.stop:
		// The loop drains queued commands before exiting; wait for it so a
		// command that was already picked up still reports its real result.
		<-m.done
		select {
		case err := <-cmd.result:
			return err
		default:
			return fmt.Errorf("session %s: manager closed", m.sessionID)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops command processing after the current command. Used when an
// approval request times out: the session stays paused until the user
// responds.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	logging.Session("session %s: paused", m.sessionID)
}

// Resume lifts a pause. Idempotent.
func (m *Manager) Resume() {
	m.mu.Lock()
	if m.paused {
		m.paused = false
		logging.Session("session %s: resumed", m.sessionID)
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Suspend transitions the session out of active and stops the subprocess.
// Used by idle eviction and daemon shutdown.
func (m *Manager) Suspend() error {
	sess, err := m.store.GetSession(m.sessionID)
	if err != nil {
		return err
	}
	if sess.Status == StatusActive {
		if err := m.lifecycle.Transition(sess, StatusSuspended); err != nil {
			return err
		}
	}
	m.stopBridge()
	return nil
}

// Terminate drives the session to its terminal state and stops the
// subprocess. The record stays in the store.
func (m *Manager) Terminate() error {
	sess, err := m.store.GetSession(m.sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if !CanTransition(sess.Status, StatusTerminating) {
		// Crashed sessions terminate directly.
		if err := m.lifecycle.Transition(sess, StatusTerminated); err != nil {
			return err
		}
	} else {
		if err := m.lifecycle.Transition(sess, StatusTerminating); err != nil {
			return err
		}
		if err := m.lifecycle.Transition(sess, StatusTerminated); err != nil {
			return err
		}
	}
	m.stopBridge()
	return nil
}

// Close shuts the manager down: no new commands, subprocess stopped. The
// session record is left as-is unless Suspend/Terminate ran first.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closing = true
	close(m.stop)
	m.cond.Broadcast()
	m.mu.Unlock()

	<-m.done
	m.stopBridge()
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case cmd := <-m.queue:
			m.waitWhilePaused()
			m.mu.Lock()
			closing := m.closing
			m.lastUsed = time.Now()
			m.mu.Unlock()
			if closing {
				cmd.result <- fmt.Errorf("session %s: manager closed", m.sessionID)
				continue
			}
			// The caller gave up while the command was queued; its result
			// channel is abandoned, so the command must not run.
			if err := cmd.ctx.Err(); err != nil {
				cmd.result <- err
				continue
			}
			cmd.result <- m.process(cmd)
		case <-m.stop:
			// Fail queued commands instead of abandoning their callers.
			for {
				select {
				case cmd := <-m.queue:
					cmd.result <- fmt.Errorf("session %s: manager closed", m.sessionID)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) waitWhilePaused() {
	m.mu.Lock()
	for m.paused && !m.closing {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// process runs one command end to end: ensure the session is active with a
// live subprocess, forward the command, and drive parsed events until the
// response cycle completes.
func (m *Manager) process(cmd command) error {
	timer := logging.StartTimer(logging.CategorySession, "process")
	defer timer.Stop()

	sess, err := m.store.GetSession(m.sessionID)
	if err != nil {
		return err
	}

	if err := m.ensureActive(sess); err != nil {
		m.sendReply("Could not start the coding session. Check that the project directory and CLI are available.")
		return err
	}

	br, parse := m.current()
	if br == nil {
		return fmt.Errorf("session %s: no running subprocess", m.sessionID)
	}

	if err := br.Send(cmd.text); err != nil {
		// The process died between commands; mark the crash and let the
		// next command lazily re-initialize.
		m.noteCrash(sess)
		m.sendReply("The coding session stopped unexpectedly. Send another command to restart it.")
		return err
	}

	return m.driveEvents(cmd, sess, br, parse)
}

// current snapshots the live bridge and parser under the lock.
func (m *Manager) current() (*bridge.Bridge, *parser.Parser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.br, m.parse
}

// ensureActive walks the session to Active, starting a subprocess if none is
// running. Crashed-but-unrecovered sessions take the same lazy
// re-initialization path as suspended ones.
func (m *Manager) ensureActive(sess *Session) error {
	if sess.Status == StatusCrashed {
		if err := m.lifecycle.Transition(sess, StatusSuspended); err != nil {
			return err
		}
	}

	m.mu.Lock()
	alive := m.br != nil && m.br.Alive()
	m.mu.Unlock()

	if sess.Status == StatusActive && alive {
		return nil
	}
	if sess.Status == StatusActive && !alive {
		// Persisted active but no live process (e.g. after eviction with a
		// stale record). Walk back through suspended to restart cleanly.
		if err := m.lifecycle.Transition(sess, StatusSuspended); err != nil {
			return err
		}
	}

	if err := m.lifecycle.Transition(sess, StatusInitializing); err != nil {
		return err
	}

	br, err := bridge.Start(m.projectPath, m.cfg.Bridge)
	if err != nil {
		// Roll back so the session is not stuck initializing.
		if terr := m.lifecycle.Transition(sess, StatusCrashed); terr == nil {
			m.lifecycle.Transition(sess, StatusSuspended)
		}
		return err
	}

	m.mu.Lock()
	m.br = br
	m.parse = parser.New()
	m.mu.Unlock()

	if err := m.lifecycle.Transition(sess, StatusActive); err != nil {
		br.Stop()
		return err
	}
	return nil
}

// driveEvents consumes bridge output for one response cycle. Events reach
// the caller in exactly the order the CLI emitted them.
func (m *Manager) driveEvents(cmd command, sess *Session, br *bridge.Bridge, parse *parser.Parser) error {
	var responseText []string

	for {
		select {
		case chunk, ok := <-br.Output():
			if !ok {
				m.noteCrash(sess)
				m.sendReply("The coding session stopped unexpectedly.")
				return bridge.ErrBridgeClosed
			}
			if chunk.Terminal {
				// Flush any buffered partial line before reporting.
				for _, ev := range parse.Flush() {
					m.handleEventText(ev, &responseText)
				}
				if chunk.Err != nil {
					m.noteCrash(sess)
					m.sendReply("The coding session stopped unexpectedly.")
					return chunk.Err
				}
				// Clean exit mid-command still ends the cycle.
				m.finishTurn(cmd.text, responseText)
				return nil
			}
			for _, ev := range parse.Feed(chunk.Text) {
				done, err := m.handleEvent(cmd, sess, ev, &responseText)
				if err != nil {
					return err
				}
				if done {
					m.finishTurn(cmd.text, responseText)
					return nil
				}
			}
		case <-cmd.ctx.Done():
			return cmd.ctx.Err()
		}
	}
}

// handleEvent processes one parsed event. Returns done=true on the
// completion marker.
func (m *Manager) handleEvent(cmd command, sess *Session, ev parser.Event, responseText *[]string) (bool, error) {
	switch e := ev.(type) {
	case parser.TextFragment:
		*responseText = append(*responseText, e.Content)
		m.sendReply(e.Content)

	case parser.ErrorEvent:
		// Errors are surfaced but do not alone terminate the session.
		logging.Get(logging.CategorySession).Warn("session %s: CLI error: %s", m.sessionID, e.Message)
		m.sendReply("Error from the coding CLI: " + e.Message)

	case parser.ToolCall:
		if err := m.gateToolCall(cmd, e); err != nil {
			return false, err
		}

	case parser.CompletionMarker:
		return true, nil
	}
	return false, nil
}

func (m *Manager) handleEventText(ev parser.Event, responseText *[]string) {
	if tf, ok := ev.(parser.TextFragment); ok {
		*responseText = append(*responseText, tf.Content)
		m.sendReply(tf.Content)
	}
}

// gateToolCall routes an observed tool invocation through the approval gate
// and blocks this command until resolution when a request is created.
func (m *Manager) gateToolCall(cmd command, tc parser.ToolCall) error {
	req, err := m.gate.RequestApproval(m.sessionID, approval.ToolInvocation{
		Tool:         tc.Tool,
		Target:       tc.Target,
		RawArguments: tc.RawArgs,
	})
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	m.sendReply(fmt.Sprintf("Approval needed: %s on %s (request %s). Reply approve or reject.",
		tc.Tool, tc.Target, req.ID))

	status, err := m.gate.Wait(cmd.ctx, req.ID)
	if err != nil {
		return err
	}
	switch status {
	case approval.StatusApproved:
		m.sendReply("Approved. Continuing.")
	case approval.StatusRejected:
		m.sendReply("Rejected. The operation was blocked.")
	case approval.StatusTimedOut:
		// The gate's timeout callback has already paused this session;
		// the current cycle ends so the queue drains no further.
		m.sendReply("Approval request timed out. The session is paused until you respond.")
		return fmt.Errorf("approval request %s timed out", req.ID)
	}
	return nil
}

// finishTurn records the completed command/response cycle on the session.
func (m *Manager) finishTurn(commandText string, responseText []string) {
	turn := Turn{
		Command:  commandText,
		Response: strings.Join(responseText, "\n"),
		At:       time.Now().UTC(),
	}
	if err := m.store.AppendTurn(m.sessionID, turn); err != nil {
		logging.Get(logging.CategorySession).Warn("session %s: failed to record turn: %v", m.sessionID, err)
	}
	if err := m.store.Touch(m.sessionID); err != nil {
		logging.SessionDebug("session %s: touch failed: %v", m.sessionID, err)
	}
	m.sendReply("Done.")
}

// noteCrash transitions the session to crashed, tolerating stale state from
// concurrent writers by retrying once from fresh state.
func (m *Manager) noteCrash(sess *Session) {
	err := m.lifecycle.Transition(sess, StatusCrashed)
	if errors.Is(err, ErrStaleState) {
		if rErr := m.lifecycle.Refresh(sess); rErr == nil {
			err = m.lifecycle.Transition(sess, StatusCrashed)
		}
	}
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		logging.Get(logging.CategorySession).Error("session %s: crash transition failed: %v", m.sessionID, err)
	}
	m.stopBridge()
}

func (m *Manager) stopBridge() {
	m.mu.Lock()
	br := m.br
	m.br = nil
	m.parse = nil
	m.mu.Unlock()
	if br != nil {
		br.Stop()
		// Drain so the bridge read loop can finish.
		for range br.Output() {
		}
	}
}

// sendReply invokes the transport callback, catching panics so a faulty
// collaborator can never abort session processing.
func (m *Manager) sendReply(content string) {
	if m.reply == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryTransport).Error("reply callback panicked: %v", r)
		}
	}()
	m.reply(content)
}

