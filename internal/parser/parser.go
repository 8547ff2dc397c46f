// Package parser turns raw coding-CLI output chunks into typed events.
//
// Chunk boundaries do not align with line boundaries, so the parser buffers
// incomplete lines across chunks and flushes on line terminators or a
// double-newline paragraph break. Recognition is line-pattern based;
// anything unrecognized degrades to a TextFragment rather than being
// dropped. The parser holds no state beyond its line buffer, so a fresh
// parser can be attached to a running bridge within the same process
// lifetime.
package parser

import (
	"regexp"
	"strings"

	"coderelay/internal/logging"
)

// Event is one typed piece of parsed CLI output.
type Event interface {
	isEvent()
}

// ToolCall reports an observed tool invocation.
type ToolCall struct {
	Tool    string
	Target  string
	RawArgs string
}

// TextFragment is plain response text.
type TextFragment struct {
	Content string
}

// ErrorEvent is an error banner emitted by the CLI.
type ErrorEvent struct {
	Message string
}

// CompletionMarker ends one command's response cycle.
type CompletionMarker struct{}

func (ToolCall) isEvent()         {}
func (TextFragment) isEvent()     {}
func (ErrorEvent) isEvent()       {}
func (CompletionMarker) isEvent() {}

// Line conventions of the coding CLI. Tool invocations are bullet- or
// tag-prefixed so ordinary prose and code never match.
var (
	// "⏺ Edit(main.go)" or "● Bash(go test ./...)"
	toolBulletPattern = regexp.MustCompile(`^[⏺●]\s*([A-Za-z][\w-]*)\((.*)\)\s*$`)
	// "[tool] edit-file main.go --force"
	toolTagPattern = regexp.MustCompile(`^\[tool\]\s+(\S+)(?:\s+(.*))?$`)
	// "✗ something failed" / "ERROR: boom" / "Error: boom"
	errorPattern = regexp.MustCompile(`^(?:✗|ERROR:|Error:)\s*(.+)$`)
	// "[done]" alone on a line ends the response cycle.
	completionPattern = regexp.MustCompile(`^\[done\]\s*$`)
)

// Parser accumulates chunks and emits events in input order.
type Parser struct {
	buf strings.Builder
}

// New returns an empty parser.
func New() *Parser {
	return &Parser{}
}

// Feed consumes one raw chunk and returns the events completed by it.
// Partial trailing lines stay buffered for the next chunk.
func (p *Parser) Feed(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	p.buf.WriteString(chunk)

	data := p.buf.String()
	last := strings.LastIndexByte(data, '\n')
	if last < 0 {
		return nil
	}

	complete := data[:last+1]
	p.buf.Reset()
	p.buf.WriteString(data[last+1:])

	var events []Event
	for _, line := range strings.Split(complete, "\n") {
		if ev := parseLine(line); ev != nil {
			events = append(events, ev)
		}
	}
	logging.ParserDebug("fed %d bytes, emitted %d events, %d buffered",
		len(chunk), len(events), p.buf.Len())
	return events
}

// Flush drains the buffered partial line, if any, as a final event. Called
// when the chunk stream ends mid-line.
func (p *Parser) Flush() []Event {
	if p.buf.Len() == 0 {
		return nil
	}
	line := p.buf.String()
	p.buf.Reset()
	if ev := parseLine(line); ev != nil {
		return []Event{ev}
	}
	return nil
}

// Buffered reports how many bytes of partial line are held.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

func parseLine(line string) Event {
	trimmed := strings.TrimRight(line, "\r")
	if strings.TrimSpace(trimmed) == "" {
		// Blank lines separate paragraphs; they carry no content.
		return nil
	}

	if m := toolBulletPattern.FindStringSubmatch(trimmed); m != nil {
		return ToolCall{Tool: m[1], Target: firstField(m[2]), RawArgs: m[2]}
	}
	if m := toolTagPattern.FindStringSubmatch(trimmed); m != nil {
		return ToolCall{Tool: m[1], Target: firstField(m[2]), RawArgs: m[2]}
	}
	if completionPattern.MatchString(trimmed) {
		return CompletionMarker{}
	}
	if m := errorPattern.FindStringSubmatch(trimmed); m != nil {
		return ErrorEvent{Message: m[1]}
	}

	return TextFragment{Content: trimmed}
}

func firstField(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], ",")
}
