package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderelay/internal/approval"
	"coderelay/internal/bridge"
	"coderelay/internal/session"
)

// channelReplies records outbound replies per channel.
type channelReplies struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newChannelReplies() *channelReplies {
	return &channelReplies{lines: make(map[string][]string)}
}

func (r *channelReplies) add(channelID, content string) {
	r.mu.Lock()
	r.lines[channelID] = append(r.lines[channelID], content)
	r.mu.Unlock()
}

func (r *channelReplies) contains(channelID, sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines[channelID] {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func newOrchestrator(t *testing.T, script string) (*Orchestrator, *channelReplies, string) {
	t.Helper()
	st := openTestStore(t)

	project := t.TempDir()
	cli := filepath.Join(project, "fake-cli.sh")
	require.NoError(t, os.WriteFile(cli, []byte("#!/bin/sh\n"+script), 0o755))

	gate := approval.NewGate(st, approval.NewClassifier(), time.Minute)
	replies := newChannelReplies()
	orch := New(st, gate, replies.add, Config{
		Bridge: bridge.Options{
			Command:      cli,
			OutputBuffer: 16,
			StopTimeout:  2 * time.Second,
		},
		QueueSize:    8,
		IdleEviction: time.Hour,
	})
	t.Cleanup(func() { orch.Close() })
	return orch, replies, project
}

const echoScript = `while read line; do echo "echo: $line"; echo "[done]"; done`

func TestExecuteCommandUnboundChannel(t *testing.T) {
	orch, replies, _ := newOrchestrator(t, echoScript)

	err := orch.ExecuteCommand(context.Background(), "chan-1", "hello")
	assert.ErrorIs(t, err, ErrNoProjectBound)
	assert.True(t, replies.contains("chan-1", "No project is bound"))
}

func TestBindAndExecute(t *testing.T) {
	orch, replies, project := newOrchestrator(t, echoScript)

	require.NoError(t, orch.BindProject("chan-1", project))
	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "hello"))

	assert.True(t, replies.contains("chan-1", "echo: hello"))
	assert.True(t, replies.contains("chan-1", "Done."))
}

func TestExecuteReusesOneSessionPerProject(t *testing.T) {
	orch, _, project := newOrchestrator(t, echoScript)
	st := orch.store

	require.NoError(t, orch.BindProject("chan-1", project))
	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "one"))

	first, err := st.ActiveSessionForProject(project)
	require.NoError(t, err)

	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "two"))
	second, err := st.ActiveSessionForProject(project)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Context.Turns, 2)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	orch, replies, projectA := newOrchestrator(t, echoScript)

	// The bridge command path is absolute, so a second project directory can
	// run the same script with its own working directory.
	projectB := t.TempDir()

	require.NoError(t, orch.BindProject("chan-a", projectA))
	require.NoError(t, orch.BindProject("chan-b", projectB))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = orch.ExecuteCommand(context.Background(), "chan-a", "alpha")
	}()
	go func() {
		defer wg.Done()
		errs[1] = orch.ExecuteCommand(context.Background(), "chan-b", "beta")
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, replies.contains("chan-a", "echo: alpha"))
	assert.True(t, replies.contains("chan-b", "echo: beta"))
	assert.False(t, replies.contains("chan-a", "echo: beta"), "replies crossed channels")
}

func TestApprovalResolvedThroughOrchestrator(t *testing.T) {
	script := `read line
echo "` + "⏺" + ` Edit(main.go)"
echo "[done]"
while read line; do echo "[done]"; done`
	orch, replies, project := newOrchestrator(t, script)
	st := orch.store

	require.NoError(t, orch.BindProject("chan-1", project))

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			pending, err := st.PendingApprovals()
			if err == nil && len(pending) > 0 {
				orch.ResolveApproval(pending[0].ID, approval.StatusApproved)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "edit it"))
	assert.True(t, replies.contains("chan-1", "Approval needed"))
	assert.True(t, replies.contains("chan-1", "Approved. Continuing."))
}

func TestResolveApprovalUnknownRequest(t *testing.T) {
	orch, _, _ := newOrchestrator(t, echoScript)

	err := orch.ResolveApproval("ghost", approval.StatusApproved)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestEmergencyToggleThroughOrchestrator(t *testing.T) {
	orch, _, _ := newOrchestrator(t, echoScript)
	st := orch.store

	require.NoError(t, orch.ActivateEmergency("operator"))
	state, err := st.EmergencyState()
	require.NoError(t, err)
	assert.True(t, state.Active)

	require.NoError(t, orch.DeactivateEmergency())
	state, err = st.EmergencyState()
	require.NoError(t, err)
	assert.False(t, state.Active)
}

func TestTerminateSessionWithLiveManager(t *testing.T) {
	orch, _, project := newOrchestrator(t, echoScript)
	st := orch.store

	require.NoError(t, orch.BindProject("chan-1", project))
	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "hello"))

	sess, err := st.ActiveSessionForProject(project)
	require.NoError(t, err)

	require.NoError(t, orch.TerminateSession("chan-1"))

	got, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, got.Status)

	// A new command starts a fresh session; the terminated record stays.
	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "again"))
	fresh, err := st.ActiveSessionForProject(project)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestTerminateSessionWithoutManager(t *testing.T) {
	orch, _, project := newOrchestrator(t, echoScript)
	st := orch.store

	require.NoError(t, orch.BindProject("chan-1", project))

	// Durable record exists but no manager ever ran.
	sess := session.New(project)
	require.NoError(t, st.CreateSession(sess))

	require.NoError(t, orch.TerminateSession("chan-1"))
	got, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, got.Status)

	// No session at all is a no-op.
	require.NoError(t, orch.TerminateSession("chan-1"))
}

func TestCloseStopsAcceptingCommands(t *testing.T) {
	orch, _, project := newOrchestrator(t, echoScript)

	require.NoError(t, orch.BindProject("chan-1", project))
	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "hello"))

	require.NoError(t, orch.Close())
	require.NoError(t, orch.Close())

	err := orch.ExecuteCommand(context.Background(), "chan-1", "too late")
	assert.Error(t, err)
}

func TestCloseSuspendsActiveSessions(t *testing.T) {
	orch, _, project := newOrchestrator(t, echoScript)
	st := orch.store

	require.NoError(t, orch.BindProject("chan-1", project))
	require.NoError(t, orch.ExecuteCommand(context.Background(), "chan-1", "hello"))

	require.NoError(t, orch.Close())

	sess, err := st.ActiveSessionForProject(project)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuspended, sess.Status)
}
