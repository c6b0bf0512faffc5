// Package storage keeps recent events and decoy sessions for the read
// API, and archives events to ClickHouse.
package storage

import (
	"context"
	"time"

	"ghostwall/internal/event"
)

// maxSessionCommands caps the commands kept per session aggregate.
const maxSessionCommands = 100

// Store persists events and the session aggregates derived from them.
type Store interface {
	// SaveEvent stores ev and folds session events into their aggregate.
	SaveEvent(ctx context.Context, ev event.Event) error
	// Events returns matching events, newest first.
	Events(ctx context.Context, q EventQuery) ([]event.Event, error)
	// Sessions returns session aggregates, most recently active first.
	Sessions(ctx context.Context, q SessionQuery) ([]Session, error)
	// Prune drops events and sessions last seen before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	// Reset drops everything.
	Reset(ctx context.Context) error
	Close() error
}

// EventQuery filters Events. Zero fields do not filter.
type EventQuery struct {
	Since time.Time
	Type  event.Type
	SrcIP string
	Limit int
}

func (q EventQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return 100
	}
	return q.Limit
}

func (q EventQuery) match(ev event.Event) bool {
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	if q.SrcIP != "" && ev.SrcIP != q.SrcIP {
		return false
	}
	return true
}

// SessionQuery filters Sessions.
type SessionQuery struct {
	Since time.Time
	Limit int
}

func (q SessionQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return 100
	}
	return q.Limit
}

// Session aggregates one decoy session.
type Session struct {
	ID           string       `json:"session"`
	SrcIP        string       `json:"src_ip"`
	Source       event.Source `json:"source"`
	FirstSeen    time.Time    `json:"first_seen"`
	LastSeen     time.Time    `json:"last_seen"`
	Username     string       `json:"username,omitempty"`
	LoginSuccess bool         `json:"login_success"`
	CommandCount int          `json:"command_count"`
	Commands     []string     `json:"commands"`
}

// fold applies one session event to s. It reports false for events that
// carry no session id.
func (s *Session) fold(ev event.Event) bool {
	meta, ok := ev.Session()
	if !ok || meta.Session == "" {
		return false
	}
	if s.ID == "" {
		s.ID = meta.Session
		s.SrcIP = ev.SrcIP
		s.Source = ev.Source
		s.FirstSeen = ev.Timestamp
		s.Commands = []string{}
	}
	if ev.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(s.LastSeen) {
		s.LastSeen = ev.Timestamp
	}
	if meta.Username != "" {
		s.Username = meta.Username
	}
	switch meta.Action {
	case event.ActionLoginSuccess:
		s.LoginSuccess = true
	case event.ActionCommand, event.ActionDownload:
		s.CommandCount++
		cmd := meta.Command
		if cmd == "" {
			cmd = meta.URL
		}
		if cmd != "" && len(s.Commands) < maxSessionCommands {
			s.Commands = append(s.Commands, cmd)
		}
	}
	return true
}
