package event

import (
	"math"
	"slices"
	"time"
)

// Severity grades a defense action.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities from low to high.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// Enforcement records whether an action changed the firewall.
type Enforcement struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason"`
}

// Enforcement reasons that are not error strings.
const (
	ReasonDetectMode   = "policy_mode_detect"
	ReasonNoMitigation = "no_mitigation"
	ReasonInvalidIP    = "invalid_ip"
)

// Action is a defense decision. It is never mutated after creation and is
// written to the ledger exactly as serialized here.
type Action struct {
	EventType   Type        `json:"event_type"`
	Source      Source      `json:"source"`
	SrcIP       string      `json:"src_ip"`
	Summary     string      `json:"summary"`
	Severity    Severity    `json:"severity"`
	Confidence  float64     `json:"confidence"`
	Tags        []string    `json:"tags"`
	Commands    []string    `json:"commands"`
	PolicyMode  string      `json:"policy_mode"`
	Enforcement Enforcement `json:"enforcement"`
	Recommended bool        `json:"recommended"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ClampConfidence bounds c to [0,1] and rounds it to two decimals.
func ClampConfidence(c float64) float64 {
	c = math.Max(0, math.Min(1, c))
	return math.Round(c*100) / 100
}

// TagSet returns tags deduplicated and sorted.
func TagSet(tags ...string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
