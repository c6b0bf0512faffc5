// Package decoy turns decoy-service activity logs into session events.
package decoy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"ghostwall/internal/event"
)

// ErrSkip marks a line that carries nothing to normalize (blank lines,
// comments). It is not an input error.
var ErrSkip = errors.New("decoy: nothing to normalize")

// EventIDMappings maps Cowrie event IDs to session actions. Unlisted IDs
// are kept verbatim as the action.
var EventIDMappings = map[string]string{
	"cowrie.login.failed":          event.ActionLoginFailed,
	"cowrie.login.success":         event.ActionLoginSuccess,
	"cowrie.command.input":         event.ActionCommand,
	"cowrie.command.failed":        event.ActionCommand,
	"cowrie.session.connect":       event.ActionConnect,
	"cowrie.client.version":        event.ActionConnect,
	"cowrie.session.closed":        event.ActionDisconnect,
	"cowrie.session.file_download": event.ActionDownload,
}

// FTPVerbMappings maps FTP decoy verbs to session actions.
var FTPVerbMappings = map[string]string{
	"CONNECT":      event.ActionConnect,
	"USER":         "user",
	"PASS":         "pass",
	"LOGIN_FAILED": event.ActionLoginFailed,
	"LOGIN_OK":     event.ActionLoginSuccess,
	"CMD":          event.ActionCommand,
	"CLOSE":        event.ActionDisconnect,
}

var cowrieTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

// cowrieRecord is the subset of a Cowrie JSON log line that we read.
type cowrieRecord struct {
	EventID   string `json:"eventid"`
	Timestamp string `json:"timestamp"`
	SrcIP     string `json:"src_ip"`
	PeerIP    string `json:"peerIP"`
	Session   string `json:"session"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Input     string `json:"input"`
	Version   string `json:"version"`
	URL       string `json:"url"`
	DstPort   int    `json:"dst_port"`
}

// Normalizer converts decoy log lines into events.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a normalizer. Lines with an unreadable timestamp
// are stamped with the current time.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: func() time.Time { return time.Now().UTC() }}
}

// NormalizeCowrie converts one Cowrie JSON line.
func (n *Normalizer) NormalizeCowrie(line string) (event.Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return event.Event{}, ErrSkip
	}

	var rec cowrieRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return event.Event{}, fmt.Errorf("decode cowrie record: %w", err)
	}
	if rec.EventID == "" {
		return event.Event{}, errors.New("cowrie record has no eventid")
	}

	ip := rec.SrcIP
	if ip == "" {
		ip = rec.PeerIP
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return event.Event{}, fmt.Errorf("cowrie record source %q: %w", ip, err)
	}

	action, ok := EventIDMappings[rec.EventID]
	if !ok {
		action = rec.EventID
	}

	meta := event.SessionMeta{
		Session:  rec.Session,
		Action:   action,
		Username: rec.Username,
		Password: rec.Password,
		Command:  rec.Input,
		Version:  rec.Version,
		URL:      rec.URL,
	}
	ev := event.New(event.TypeCowrieSession, event.SourceCowrie, addr.Unmap().String(), n.parseTime(rec.Timestamp), meta)
	if rec.DstPort > 0 {
		ev = ev.WithExtra("dst_port", fmt.Sprint(rec.DstPort))
	}
	return ev, nil
}

// NormalizeFTP converts one line of the FTP decoy's text log:
//
//	<RFC3339 timestamp> <src_ip> <session> <VERB> [args...]
func (n *Normalizer) NormalizeFTP(line string) (event.Event, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return event.Event{}, ErrSkip
	}

	fields := strings.Fields(line)
	if len(fields) < 4 {
		return event.Event{}, fmt.Errorf("ftp line has %d fields, want at least 4", len(fields))
	}
	at, err := time.Parse(time.RFC3339Nano, fields[0])
	if err != nil {
		return event.Event{}, fmt.Errorf("ftp line timestamp: %w", err)
	}
	addr, err := netip.ParseAddr(fields[1])
	if err != nil {
		return event.Event{}, fmt.Errorf("ftp line source: %w", err)
	}
	verb := strings.ToUpper(fields[3])
	action, ok := FTPVerbMappings[verb]
	if !ok {
		return event.Event{}, fmt.Errorf("ftp line verb %q not recognized", fields[3])
	}
	args := strings.Join(fields[4:], " ")

	meta := event.SessionMeta{Session: fields[2], Action: action}
	switch verb {
	case "USER", "LOGIN_FAILED", "LOGIN_OK":
		meta.Username = args
	case "PASS":
		meta.Password = args
	case "CMD":
		meta.Command = args
	case "CONNECT":
		meta.Version = args
	}
	return event.New(event.TypeFTPSession, event.SourceFTP, addr.Unmap().String(), at.UTC(), meta), nil
}

func (n *Normalizer) parseTime(s string) time.Time {
	for _, layout := range cowrieTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return n.now()
}
