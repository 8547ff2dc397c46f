// Package session models durable coding sessions and drives them through a
// fixed lifecycle state machine. One session binds one project directory to
// one coding-CLI subprocess; the session record itself is owned by the
// persistent store, this package holds only lookup keys and in-memory copies.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusCreated      Status = "created"
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusCrashed      Status = "crashed"
)

// validTransitions is the closed adjacency table. Same-state transitions are
// not listed; Transition treats them as no-op successes so retried commands
// stay idempotent.
var validTransitions = map[Status][]Status{
	StatusCreated:      {StatusInitializing, StatusTerminating},
	StatusInitializing: {StatusActive, StatusTerminating, StatusCrashed},
	StatusActive:       {StatusSuspended, StatusTerminating, StatusCrashed},
	StatusSuspended:    {StatusInitializing, StatusActive, StatusTerminating},
	StatusTerminating:  {StatusTerminated},
	StatusTerminated:   {},
	StatusCrashed:      {StatusSuspended, StatusTerminated},
}

// CanTransition reports whether from → to is in the adjacency table.
// A same-state pair is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusTerminated
}

// Runtime reports whether a status can only legitimately be observed while a
// daemon process is alive. Sessions found in a runtime status at startup are
// residue of an unclean shutdown.
func (s Status) Runtime() bool {
	return s == StatusActive || s == StatusInitializing
}

// Turn is one command/response cycle in the conversation history.
type Turn struct {
	Command  string    `json:"command"`
	Response string    `json:"response,omitempty"`
	At       time.Time `json:"at"`
}

// ActivityEntry is a free-form note in the session's activity log, such as a
// recovery timestamp or an approval outcome.
type ActivityEntry struct {
	At   time.Time `json:"at"`
	Note string    `json:"note"`
}

// Context is the durable conversational state carried by a session.
type Context struct {
	Turns    []Turn          `json:"turns,omitempty"`
	Activity []ActivityEntry `json:"activity,omitempty"`
}

// Session is one durable conversation bound to one project directory.
// Version increments on every persisted mutation and backs the stale-state
// check on concurrent writes.
type Session struct {
	ID           string
	ProjectPath  string
	Status       Status
	Context      Context
	Version      int64
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// New returns a fresh Created session for a project directory.
func New(projectPath string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		ProjectPath:  projectPath,
		Status:       StatusCreated,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}
