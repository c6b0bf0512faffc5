// Package event defines the typed security events and defense actions
// shared by every GhostWall component.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of a security event.
type Type string

const (
	TypeConnectAttempt Type = "connect_attempt"
	TypeBruteForce     Type = "brute_force"
	TypePortSweep      Type = "port_sweep"
	TypeARPScan        Type = "arp_scan"
	TypeHTTPProbe      Type = "http_probe"
	TypeCowrieSession  Type = "cowrie_session"
	TypeFTPSession     Type = "ftp_session"
	TypeBan            Type = "ban"
	TypeEscalation     Type = "escalation"
)

// IsValid checks if the type is a known value.
func (t Type) IsValid() bool {
	switch t {
	case TypeConnectAttempt, TypeBruteForce, TypePortSweep, TypeARPScan, TypeHTTPProbe,
		TypeCowrieSession, TypeFTPSession, TypeBan, TypeEscalation:
		return true
	}
	return false
}

// IsSession reports whether the type carries decoy session metadata.
func (t Type) IsSession() bool {
	return t == TypeCowrieSession || t == TypeFTPSession
}

// Source identifies the service or layer an event was observed on.
type Source string

const (
	SourceSSH    Source = "ssh"
	SourceHTTP   Source = "http"
	SourceFTP    Source = "ftp"
	SourceTelnet Source = "telnet"
	SourceSMTP   Source = "smtp"
	SourceARP    Source = "arp"
	SourceCowrie Source = "cowrie"
	SourceNet    Source = "net"
)

// IsValid checks if the source is a known value.
func (s Source) IsValid() bool {
	switch s {
	case SourceSSH, SourceHTTP, SourceFTP, SourceTelnet, SourceSMTP, SourceARP, SourceCowrie, SourceNet:
		return true
	}
	return false
}

// SourceForPort maps a destination port to the service it belongs to.
func SourceForPort(port int) Source {
	switch port {
	case 22, 2222:
		return SourceSSH
	case 20, 21:
		return SourceFTP
	case 23:
		return SourceTelnet
	case 25, 465, 587:
		return SourceSMTP
	case 80, 443, 8080, 8443:
		return SourceHTTP
	}
	return SourceNet
}

// Event is an immutable security observation. Construct with New; never
// modify an Event after it has been emitted.
type Event struct {
	ID        uuid.UUID `validate:"required"`
	Type      Type      `validate:"required,event_type"`
	Source    Source    `validate:"required,event_source"`
	SrcIP     string    `validate:"required,ip"`
	Timestamp time.Time `validate:"required"`
	Meta      Metadata
	Extra     map[string]string
}

// New creates an event stamped with a fresh ID. A zero timestamp means now.
func New(t Type, src Source, ip string, at time.Time, meta Metadata) Event {
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:        uuid.New(),
		Type:      t,
		Source:    src,
		SrcIP:     ip,
		Timestamp: at,
		Meta:      meta,
	}
}

// WithExtra returns a copy of e with an additional detector-specific field.
func (e Event) WithExtra(key, value string) Event {
	extra := make(map[string]string, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	e.Extra = extra
	return e
}

// Magnitude is how many underlying occurrences the event summarizes.
func (e Event) Magnitude() int {
	switch m := e.Meta.(type) {
	case BruteForceMeta:
		return max(m.Count, 1)
	case SweepMeta:
		return max(m.Distinct, 1)
	case ARPMeta:
		return max(m.Count, 1)
	case ProbeMeta:
		return max(m.Count, 1)
	}
	return 1
}

// DstPort returns the destination port carried by the metadata, if any.
func (e Event) DstPort() int {
	switch m := e.Meta.(type) {
	case ConnectMeta:
		return m.DstPort
	case BruteForceMeta:
		return m.DstPort
	case ProbeMeta:
		return m.DstPort
	}
	return 0
}

// PassedThrough reports whether the event is a connection the redirector
// forwarded to the real service. Such sources are allow-listed; their
// events are recorded and scored but never enforced against.
func (e Event) PassedThrough() bool {
	m, ok := e.Meta.(ConnectMeta)
	return ok && m.Route == "backend"
}

// Session returns the decoy session metadata when present.
func (e Event) Session() (SessionMeta, bool) {
	m, ok := e.Meta.(SessionMeta)
	return m, ok
}

// Metadata returns the flattened string-to-scalar view of the event's
// typed metadata merged with its extras.
func (e Event) Metadata() map[string]any {
	out := make(map[string]any)
	for k, v := range e.Extra {
		out[k] = v
	}
	if e.Meta != nil {
		for k, v := range e.Meta.Fields() {
			out[k] = v
		}
	}
	return out
}

type wireEvent struct {
	ID        uuid.UUID      `json:"id"`
	Type      Type           `json:"event_type"`
	Source    Source         `json:"source"`
	SrcIP     string         `json:"src_ip"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON flattens the typed metadata into a metadata object.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Source:    e.Source,
		SrcIP:     e.SrcIP,
		Timestamp: e.Timestamp,
		Metadata:  e.Metadata(),
	})
}

// UnmarshalJSON restores the typed metadata variant from event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	meta, extra := DecodeMetadata(w.Type, w.Metadata)
	*e = Event{
		ID:        w.ID,
		Type:      w.Type,
		Source:    w.Source,
		SrcIP:     w.SrcIP,
		Timestamp: w.Timestamp,
		Meta:      meta,
		Extra:     extra,
	}
	return nil
}
