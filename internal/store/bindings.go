package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"coderelay/internal/logging"
)

// ErrBindingConflict reports an attempt to bind a channel or project that is
// already bound elsewhere; the channel/project mapping is bijective.
var ErrBindingConflict = errors.New("binding conflict")

// ErrBindingNotFound reports an unbound channel.
var ErrBindingNotFound = errors.New("binding not found")

// Binding maps an external conversation channel to a project directory.
type Binding struct {
	ChannelID   string
	ProjectPath string
}

// BindProject creates or replaces the binding for a channel. Re-binding the
// same channel to the same project is a no-op; binding a project that
// belongs to another channel fails with ErrBindingConflict.
func (s *Store) BindProject(channelID, projectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("BindProject", func() error {
		_, err := s.db.Exec(
			`INSERT INTO project_bindings (channel_id, project_path) VALUES (?, ?)
			 ON CONFLICT(channel_id) DO UPDATE SET project_path = excluded.project_path`,
			channelID, projectPath)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed: project_bindings.project_path") {
				return fmt.Errorf("%w: project %s already bound to another channel",
					ErrBindingConflict, projectPath)
			}
			return err
		}
		logging.Store("bound channel %s -> %s", channelID, projectPath)
		return nil
	})
}

// ProjectForChannel resolves a channel to its project directory.
func (s *Store) ProjectForChannel(channelID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var path string
	err := s.db.QueryRow(
		`SELECT project_path FROM project_bindings WHERE channel_id = ?`, channelID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrBindingNotFound, channelID)
	}
	return path, err
}

// ChannelForProject resolves a project directory back to its channel.
func (s *Store) ChannelForProject(projectPath string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var channel string
	err := s.db.QueryRow(
		`SELECT channel_id FROM project_bindings WHERE project_path = ?`, projectPath).Scan(&channel)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrBindingNotFound, projectPath)
	}
	return channel, err
}

// Bindings returns all channel/project bindings.
func (s *Store) Bindings() ([]Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT channel_id, project_path FROM project_bindings ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ChannelID, &b.ProjectPath); err != nil {
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}
