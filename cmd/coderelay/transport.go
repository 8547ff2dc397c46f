package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"coderelay/internal/approval"
	"coderelay/internal/logging"
	"coderelay/internal/orchestrator"
)

// stdioTransport is the line-delimited JSON surface a chat-transport
// collaborator attaches through. One JSON object per line in, one per line
// out. It exists so the engine can be driven without a specific chat client
// compiled in.
type stdioTransport struct {
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
	enc *json.Encoder
}

// inboundMessage is one command from the remote user.
type inboundMessage struct {
	// Channel identifies the conversation. Required.
	Channel string `json:"channel"`
	// Text is a coding command for the channel's project.
	Text string `json:"text,omitempty"`
	// Resolve carries an approval request id to resolve instead.
	Resolve  string `json:"resolve,omitempty"`
	Decision string `json:"decision,omitempty"`
	// Bind binds the channel to a project directory.
	Bind string `json:"bind,omitempty"`
	// Emergency is "on" or "off" to toggle the override.
	Emergency string `json:"emergency,omitempty"`
	// Resume lifts an approval-timeout pause.
	Resume bool `json:"resume,omitempty"`
}

// outboundMessage is one reply to the remote user.
type outboundMessage struct {
	Channel string `json:"channel"`
	Content string `json:"content"`
}

func newStdioTransport(in io.Reader, out io.Writer) *stdioTransport {
	return &stdioTransport{in: in, out: out, enc: json.NewEncoder(out)}
}

// Reply delivers engine output to the channel. Safe for concurrent use.
func (t *stdioTransport) Reply(channelID, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(outboundMessage{Channel: channelID, Content: content}); err != nil {
		logging.Get(logging.CategoryTransport).Warn("reply encode failed: %v", err)
	}
}

// Serve reads inbound messages until EOF. Each command runs in its own
// goroutine; per-session ordering is the orchestrator's concern, not ours.
func (t *stdioTransport) Serve(orch *orchestrator.Orchestrator) {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logging.Get(logging.CategoryTransport).Warn("discarding malformed inbound line: %v", err)
			continue
		}
		if msg.Channel == "" {
			logging.Get(logging.CategoryTransport).Warn("discarding inbound line without channel")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.dispatch(orch, msg)
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		logging.Get(logging.CategoryTransport).Error("inbound stream failed: %v", err)
	}
}

func (t *stdioTransport) dispatch(orch *orchestrator.Orchestrator, msg inboundMessage) {
	switch {
	case msg.Bind != "":
		if err := orch.BindProject(msg.Channel, msg.Bind); err != nil {
			t.Reply(msg.Channel, "Could not bind project: it may already belong to another channel.")
			return
		}
		t.Reply(msg.Channel, "Project bound. Send a command to start a session.")

	case msg.Resolve != "":
		decision := approval.StatusRejected
		if strings.EqualFold(msg.Decision, "approve") || strings.EqualFold(msg.Decision, "approved") {
			decision = approval.StatusApproved
		}
		if err := orch.ResolveApproval(msg.Resolve, decision); err != nil {
			t.Reply(msg.Channel, "That approval request was already resolved or does not exist.")
			return
		}

	case msg.Emergency != "":
		var err error
		if strings.EqualFold(msg.Emergency, "on") {
			err = orch.ActivateEmergency(msg.Channel)
		} else {
			err = orch.DeactivateEmergency()
		}
		if err != nil {
			t.Reply(msg.Channel, "Could not change emergency mode.")
			return
		}
		t.Reply(msg.Channel, "Emergency mode "+strings.ToLower(msg.Emergency)+".")

	case msg.Resume:
		if err := orch.ResumeSession(msg.Channel); err != nil {
			t.Reply(msg.Channel, "No session to resume on this channel.")
			return
		}
		t.Reply(msg.Channel, "Session resumed.")

	case msg.Text != "":
		// Errors already produced a user-facing reply inside the engine;
		// the log is for the operator.
		if err := orch.ExecuteCommand(context.Background(), msg.Channel, msg.Text); err != nil {
			logging.Get(logging.CategoryTransport).Warn("command on %s failed: %v", msg.Channel, err)
		}

	default:
		t.Reply(msg.Channel, "Nothing to do: send text, bind, resolve, resume, or emergency.")
	}
}
