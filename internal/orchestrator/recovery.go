package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"time"

	"coderelay/internal/logging"
	"coderelay/internal/session"
	"coderelay/internal/store"

	"golang.org/x/sync/errgroup"
)

// RecoveryReport summarizes one crash-recovery sweep.
type RecoveryReport struct {
	Scanned   int
	Recovered int
	Failed    int
}

// RunRecovery reconciles sessions left in a runtime status by an unclean
// shutdown. It runs once, before the orchestrator accepts any commands:
// every persisted Active or Initializing session is walked to Crashed and
// then Suspended, with a recovery timestamp recorded in its context. No
// subprocess is respawned here; that happens lazily on the session's next
// command.
//
// The sweep is idempotent: a repeated run finds no runtime-status sessions
// and changes nothing, so a crash-looping daemon cannot corrupt state.
func RunRecovery(st *store.Store) (RecoveryReport, error) {
	timer := logging.StartTimer(logging.CategoryRecovery, "RunRecovery")
	defer timer.Stop()

	var report RecoveryReport

	sessions, err := st.SessionsByStatus(session.StatusActive, session.StatusInitializing)
	if err != nil {
		return report, fmt.Errorf("recovery scan: %w", err)
	}
	report.Scanned = len(sessions)
	if len(sessions) == 0 {
		logging.Recovery("no sessions to recover")
		return report, nil
	}

	logging.Recovery("found %d session(s) from unclean shutdown", len(sessions))

	var g errgroup.Group
	g.SetLimit(4)
	results := make([]error, len(sessions))

	for i, sess := range sessions {
		i, sess := i, sess
		g.Go(func() error {
			results[i] = recoverOne(st, sess)
			return nil
		})
	}
	g.Wait()

	for i, err := range results {
		if err != nil {
			report.Failed++
			logging.Get(logging.CategoryRecovery).Error("recovery of session %s failed: %v",
				sessions[i].ID, err)
			continue
		}
		report.Recovered++
	}

	logging.Recovery("recovery done: %d recovered, %d failed", report.Recovered, report.Failed)
	return report, nil
}

func recoverOne(st *store.Store, sess *session.Session) error {
	lc := session.NewLifecycle(st)

	if err := lc.Transition(sess, session.StatusCrashed); err != nil {
		// A concurrent recovery attempt may have moved it already; stale
		// state here means the work is done or in progress elsewhere.
		if errors.Is(err, session.ErrStaleState) {
			return nil
		}
		return err
	}

	// A session whose project directory is gone cannot be resumed; it
	// terminates instead of suspending.
	target := session.StatusSuspended
	note := "recovered after unclean shutdown"
	if info, err := os.Stat(sess.ProjectPath); err != nil || !info.IsDir() {
		target = session.StatusTerminated
		note = "terminated after unclean shutdown: project directory missing"
	}

	if err := lc.Transition(sess, target); err != nil {
		if errors.Is(err, session.ErrStaleState) {
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	if err := st.AppendActivity(sess.ID, session.ActivityEntry{
		At:   now,
		Note: note,
	}); err != nil {
		logging.Get(logging.CategoryRecovery).Warn("could not record recovery note for %s: %v",
			sess.ID, err)
	}

	logging.Audit(logging.AuditEvent{
		Type:      logging.AuditSessionRecovered,
		SessionID: sess.ID,
		Details:   map[string]string{"project": sess.ProjectPath, "resolution": string(target)},
	})
	return nil
}
