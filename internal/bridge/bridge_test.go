package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// drain collects all chunks until the channel closes and returns the
// concatenated text plus the terminal chunk.
func drain(t *testing.T, out <-chan Chunk) (string, Chunk) {
	t.Helper()
	var text strings.Builder
	for chunk := range out {
		if chunk.Terminal {
			return text.String(), chunk
		}
		text.WriteString(chunk.Text)
	}
	t.Fatal("output channel closed without a terminal chunk")
	return "", Chunk{}
}

func testOptions(command string, args ...string) Options {
	return Options{
		Command:      command,
		Args:         args,
		OutputBuffer: 16,
		StopTimeout:  2 * time.Second,
	}
}

func TestStartRejectsMissingProjectDir(t *testing.T) {
	_, err := Start(filepath.Join(t.TempDir(), "nope"), testOptions("/bin/true"))
	if !errors.Is(err, ErrProcessStart) {
		t.Fatalf("expected ErrProcessStart, got %v", err)
	}
}

func TestStartRejectsFileAsProjectDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Start(file, testOptions("/bin/true"))
	if !errors.Is(err, ErrProcessStart) {
		t.Fatalf("expected ErrProcessStart, got %v", err)
	}
}

func TestStartRejectsMissingExecutable(t *testing.T) {
	_, err := Start(t.TempDir(), testOptions("/no/such/binary"))
	if !errors.Is(err, ErrProcessStart) {
		t.Fatalf("expected ErrProcessStart, got %v", err)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh",
		`while read line; do echo "got: $line"; done`)

	b, err := Start(dir, testOptions(cli))
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Send("hello"); err != nil {
		t.Fatal(err)
	}
	if err := b.Send("world"); err != nil {
		t.Fatal(err)
	}

	// Wait for both echoes before stopping so termination cannot race the
	// script's processing of buffered stdin.
	var text strings.Builder
	out := b.Output()
	deadline := time.After(5 * time.Second)
	for !strings.Contains(text.String(), "got: world") {
		select {
		case chunk := <-out:
			if chunk.Terminal {
				t.Fatalf("process exited early, output so far: %q", text.String())
			}
			text.WriteString(chunk.Text)
		case <-deadline:
			t.Fatalf("timed out waiting for echoes, output so far: %q", text.String())
		}
	}
	if !strings.Contains(text.String(), "got: hello") {
		t.Errorf("missing first echo in output: %q", text.String())
	}

	b.Stop()
	_, terminal := drain(t, out)
	if terminal.Err != nil {
		t.Errorf("graceful stop must not carry an exit error, got %v", terminal.Err)
	}
}

func TestRunsInProjectDirectory(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh", `pwd`)

	b, err := Start(dir, testOptions(cli))
	if err != nil {
		t.Fatal(err)
	}
	text, _ := drain(t, b.Output())
	b.Stop()

	resolved, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(text, dir) && !strings.Contains(text, resolved) {
		t.Errorf("subprocess cwd %q, want %q", strings.TrimSpace(text), dir)
	}
}

func TestStderrMergedIntoOutput(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh", `echo "to stderr" >&2`)

	b, err := Start(dir, testOptions(cli))
	if err != nil {
		t.Fatal(err)
	}
	text, _ := drain(t, b.Output())
	b.Stop()

	if !strings.Contains(text, "to stderr") {
		t.Errorf("stderr not merged into output: %q", text)
	}
}

func TestCrashSurfacesAsTerminalChunk(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh", `echo "partial work"; exit 7`)

	b, err := Start(dir, testOptions(cli))
	if err != nil {
		t.Fatal(err)
	}

	text, terminal := drain(t, b.Output())
	if !strings.Contains(text, "partial work") {
		t.Errorf("pre-crash output lost: %q", text)
	}
	if terminal.Err == nil {
		t.Error("unexpected exit must carry the exit error on the terminal chunk")
	}
	if b.Alive() {
		t.Error("bridge must report dead after the terminal chunk")
	}

	// Stop after death is a harmless no-op.
	b.Stop()
}

func TestSendAfterExitFails(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh", `exit 0`)

	b, err := Start(dir, testOptions(cli))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, b.Output())

	if err := b.Send("late"); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("expected ErrBridgeClosed, got %v", err)
	}
	b.Stop()
}

func TestStopEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	// Ignores SIGTERM and never reads stdin. Output fds are closed up front
	// so the orphaned sleep child cannot hold the stdout pipe open.
	cli := writeScript(t, dir, "fake-cli.sh",
		`trap '' TERM
exec >&- 2>&-
sleep 60`)

	opts := testOptions(cli)
	opts.StopTimeout = 200 * time.Millisecond
	b, err := Start(dir, opts)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	b.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stop took %s, kill escalation did not fire", elapsed)
	}
	drain(t, b.Output())
	if b.Alive() {
		t.Error("bridge must be dead after kill escalation")
	}
}

func TestStopReturnsWithUnconsumedOutput(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh",
		`i=0
while [ $i -lt 500 ]; do
  echo "line $i of chatty output"
  i=$((i+1))
done
while read line; do :; done
`)

	opts := testOptions(cli)
	opts.OutputBuffer = 2
	opts.StopTimeout = 500 * time.Millisecond
	b, err := Start(dir, opts)
	if err != nil {
		t.Fatal(err)
	}

	// No consumer: wait until the chunk channel is full and the read loop
	// is blocked on it.
	deadline := time.Now().Add(2 * time.Second)
	for len(b.out) < cap(b.out) {
		if time.Now().After(deadline) {
			t.Fatal("subprocess output never filled the channel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while output was unconsumed")
	}

	for range b.Output() {
	}
	if b.Alive() {
		t.Fatal("process still alive after Stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh", `while read line; do :; done`)

	b, err := Start(dir, testOptions(cli))
	if err != nil {
		t.Fatal(err)
	}

	b.Stop()
	b.Stop()
	b.Stop()
	drain(t, b.Output())
}

func TestPidReported(t *testing.T) {
	dir := t.TempDir()
	cli := writeScript(t, dir, "fake-cli.sh", `while read line; do :; done`)

	b, err := Start(dir, testOptions(cli))
	if err != nil {
		t.Fatal(err)
	}
	if b.Pid() <= 0 {
		t.Errorf("pid = %d, want positive", b.Pid())
	}
	b.Stop()
	drain(t, b.Output())
}
