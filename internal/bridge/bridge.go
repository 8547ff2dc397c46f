// Package bridge owns the coding-assistant CLI subprocess for one session.
//
// Exactly one subprocess runs per active session, scoped to the session's
// project directory. Commands go in line-delimited on stdin; raw output
// chunks come out on a bounded channel. Unexpected process death surfaces as
// a terminal chunk on the output channel rather than an error, so the
// consumer can transition the session to crashed instead of propagating an
// unhandled fault.
package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"coderelay/internal/logging"
)

// Sentinel errors for subprocess lifecycle faults.
var (
	// ErrProcessStart reports that the subprocess could not be spawned.
	ErrProcessStart = errors.New("failed to start CLI process")
	// ErrBridgeClosed reports a send to a bridge whose process has exited.
	ErrBridgeClosed = errors.New("bridge is closed")
	// ErrBridgeRead reports a broken pipe while reading subprocess output.
	ErrBridgeRead = errors.New("bridge read failed")
)

// Chunk is one raw piece of subprocess output. The final chunk has Terminal
// set and the channel is closed after it; Err carries the read fault or exit
// error, if any.
type Chunk struct {
	Text     string
	Terminal bool
	Err      error
}

// Options configures bridge subprocess invocation.
type Options struct {
	// Command is the CLI executable. Arguments are passed as an argv
	// array, never shell-interpreted.
	Command string
	// Args are fixed arguments prepended on every invocation.
	Args []string
	// OutputBuffer is the chunk channel capacity.
	OutputBuffer int
	// StopTimeout bounds graceful termination before escalating to kill.
	StopTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Command:      "claude",
		OutputBuffer: 64,
		StopTimeout:  5 * time.Second,
	}
}

// Bridge supervises one CLI subprocess.
type Bridge struct {
	opts        Options
	projectPath string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	out      chan Chunk
	stopping chan struct{}
	done     chan struct{}
	stopped  bool
}

// Start spawns the CLI subprocess with the project directory as working
// directory. Fails with ErrProcessStart if the executable is missing or the
// directory is inaccessible.
func Start(projectPath string, opts Options) (*Bridge, error) {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 64
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	info, err := os.Stat(projectPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: project directory %s inaccessible", ErrProcessStart, projectPath)
	}

	// Argument-array invocation only; nothing here passes through a shell.
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = projectPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrProcessStart, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrProcessStart, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessStart, err)
	}

	b := &Bridge{
		opts:        opts,
		projectPath: projectPath,
		cmd:         cmd,
		stdin:       stdin,
		out:         make(chan Chunk, opts.OutputBuffer),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
	}

	logging.Bridge("spawned %s (pid %d) in %s", opts.Command, cmd.Process.Pid, projectPath)
	go b.readLoop(stdout)
	return b, nil
}

// Send writes a line-delimited command to the subprocess. Fails with
// ErrBridgeClosed if the process has already exited.
func (b *Bridge) Send(command string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return ErrBridgeClosed
	default:
	}

	if _, err := io.WriteString(b.stdin, command+"\n"); err != nil {
		logging.Get(logging.CategoryBridge).Warn("send failed: %v", err)
		return fmt.Errorf("%w: %v", ErrBridgeClosed, err)
	}
	logging.BridgeDebug("sent %d bytes to pid %d", len(command)+1, b.cmd.Process.Pid)
	return nil
}

// Output returns the chunk channel. It is unbounded in duration and closes
// when the process exits. A new consumer may attach within the same process
// lifetime, but the sequence does not restart across process restarts.
func (b *Bridge) Output() <-chan Chunk {
	return b.out
}

// Alive reports whether the subprocess is still running.
func (b *Bridge) Alive() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Pid returns the subprocess pid, for diagnostics.
func (b *Bridge) Pid() int {
	return b.cmd.Process.Pid
}

// Stop requests graceful termination and escalates to a forceful kill if
// the process has not exited within the configured timeout. Idempotent:
// stopping an already-stopped bridge is a no-op.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	// Unblocks the read loop if no consumer is draining the chunk channel,
	// so the process can always be reaped and done always closes.
	close(b.stopping)
	b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	logging.Bridge("stopping pid %d (timeout %s)", b.cmd.Process.Pid, b.opts.StopTimeout)

	// Closing stdin is the cooperative shutdown signal for a CLI reading
	// line-delimited commands; SIGTERM follows for processes that ignore it.
	b.stdin.Close()
	b.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-b.done:
		return
	case <-time.After(b.opts.StopTimeout):
		logging.Get(logging.CategoryBridge).Warn("pid %d did not exit in %s, killing",
			b.cmd.Process.Pid, b.opts.StopTimeout)
		b.cmd.Process.Kill()
		<-b.done
	}
}

// readLoop owns the stdout pipe. It publishes chunks until EOF or a read
// fault, then reaps the process and emits the terminal chunk.
func (b *Bridge) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	buf := make([]byte, 4096)

	var readErr error
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			b.publish(Chunk{Text: string(buf[:n])})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = fmt.Errorf("%w: %v", ErrBridgeRead, err)
				logging.Get(logging.CategoryBridge).Warn("read loop fault on pid %d: %v",
					b.cmd.Process.Pid, err)
			}
			break
		}
	}

	waitErr := b.cmd.Wait()

	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()

	terminal := Chunk{Terminal: true, Err: readErr}
	if terminal.Err == nil && waitErr != nil && !stopped {
		terminal.Err = waitErr
	}
	if waitErr != nil && !stopped {
		logging.Get(logging.CategoryBridge).Warn("pid %d exited unexpectedly: %v",
			b.cmd.Process.Pid, waitErr)
	} else {
		logging.BridgeDebug("pid %d exited", b.cmd.Process.Pid)
	}

	close(b.done)
	b.publish(terminal)
	close(b.out)
}

// publish delivers a chunk to the output channel. Once Stop is underway a
// blocked send would keep the process from being reaped, so the chunk is
// dropped instead of waiting on a consumer that may never come.
func (b *Bridge) publish(c Chunk) {
	select {
	case b.out <- c:
		return
	default:
	}
	select {
	case b.out <- c:
	case <-b.stopping:
		logging.BridgeDebug("dropped %d output bytes during stop of pid %d",
			len(c.Text), b.cmd.Process.Pid)
	}
}
