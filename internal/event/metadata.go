package event

import (
	"fmt"
	"strconv"
	"time"
)

// Metadata is the typed payload of an event. Each event type has one
// concrete variant; Fields flattens it for storage and transport.
type Metadata interface {
	Fields() map[string]any
}

// ConnectMeta describes a single inbound connection seen by the redirector.
type ConnectMeta struct {
	DstPort int
	Route   string // backend, decoy, refused
	Outcome string // empty on success, failed_backend when the target was unreachable
	ConnID  string
}

func (m ConnectMeta) Fields() map[string]any {
	f := map[string]any{"dst_port": m.DstPort, "route": m.Route}
	if m.Outcome != "" {
		f["outcome"] = m.Outcome
	}
	if m.ConnID != "" {
		f["conn_id"] = m.ConnID
	}
	return f
}

// BruteForceMeta summarizes repeated attempts against one port.
type BruteForceMeta struct {
	DstPort int
	Count   int
	Window  time.Duration
}

func (m BruteForceMeta) Fields() map[string]any {
	return map[string]any{"dst_port": m.DstPort, "count": m.Count, "window_s": m.Window.Seconds()}
}

// SweepMeta summarizes distinct ports touched by one source.
type SweepMeta struct {
	Distinct int
	Ports    string // sample of touched ports, comma separated
	Window   time.Duration
}

func (m SweepMeta) Fields() map[string]any {
	return map[string]any{"distinct_ports": m.Distinct, "ports": m.Ports, "window_s": m.Window.Seconds()}
}

// ARPMeta summarizes ARP requests from one host.
type ARPMeta struct {
	SrcMAC string
	Count  int
	Window time.Duration
}

func (m ARPMeta) Fields() map[string]any {
	return map[string]any{"src_mac": m.SrcMAC, "count": m.Count, "window_s": m.Window.Seconds()}
}

// ProbeMeta summarizes repeated web connections from one source.
type ProbeMeta struct {
	DstPort int
	Count   int
	Window  time.Duration
}

func (m ProbeMeta) Fields() map[string]any {
	return map[string]any{"dst_port": m.DstPort, "count": m.Count, "window_s": m.Window.Seconds()}
}

// Session actions shared by the decoy normalizers.
const (
	ActionConnect      = "connect"
	ActionLoginFailed  = "login_failed"
	ActionLoginSuccess = "login_success"
	ActionCommand      = "command"
	ActionDisconnect   = "disconnect"
	ActionDownload     = "download"
)

// SessionMeta is one line of decoy session activity.
type SessionMeta struct {
	Session  string
	Action   string
	Username string
	Password string
	Command  string
	Version  string
	URL      string
}

func (m SessionMeta) Fields() map[string]any {
	f := map[string]any{"session": m.Session, "action": m.Action}
	for k, v := range map[string]string{
		"username": m.Username,
		"password": m.Password,
		"command":  m.Command,
		"version":  m.Version,
		"url":      m.URL,
	} {
		if v != "" {
			f[k] = v
		}
	}
	return f
}

// BanMeta records an applied block.
type BanMeta struct {
	Reason   string
	Duration time.Duration
}

func (m BanMeta) Fields() map[string]any {
	return map[string]any{"reason": m.Reason, "duration_s": m.Duration.Seconds()}
}

// DecodeMetadata rebuilds the typed variant for t from a flattened map.
// Keys the variant does not own are returned as extras.
func DecodeMetadata(t Type, fields map[string]any) (Metadata, map[string]string) {
	if len(fields) == 0 {
		return nil, nil
	}
	used := make(map[string]bool)
	str := func(k string) string {
		used[k] = true
		return asString(fields[k])
	}
	num := func(k string) int {
		used[k] = true
		return asInt(fields[k])
	}
	secs := func(k string) time.Duration {
		used[k] = true
		return time.Duration(asFloat(fields[k]) * float64(time.Second))
	}

	var meta Metadata
	switch t {
	case TypeConnectAttempt:
		meta = ConnectMeta{DstPort: num("dst_port"), Route: str("route"), Outcome: str("outcome"), ConnID: str("conn_id")}
	case TypeBruteForce:
		meta = BruteForceMeta{DstPort: num("dst_port"), Count: num("count"), Window: secs("window_s")}
	case TypePortSweep:
		meta = SweepMeta{Distinct: num("distinct_ports"), Ports: str("ports"), Window: secs("window_s")}
	case TypeARPScan:
		meta = ARPMeta{SrcMAC: str("src_mac"), Count: num("count"), Window: secs("window_s")}
	case TypeHTTPProbe:
		meta = ProbeMeta{DstPort: num("dst_port"), Count: num("count"), Window: secs("window_s")}
	case TypeCowrieSession, TypeFTPSession:
		meta = SessionMeta{
			Session:  str("session"),
			Action:   str("action"),
			Username: str("username"),
			Password: str("password"),
			Command:  str("command"),
			Version:  str("version"),
			URL:      str("url"),
		}
	case TypeBan:
		meta = BanMeta{Reason: str("reason"), Duration: secs("duration_s")}
	}

	var extra map[string]string
	for k, v := range fields {
		if used[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[k] = asString(v)
	}
	return meta, extra
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

func asInt(v any) int {
	return int(asFloat(v))
}
