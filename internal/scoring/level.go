// Package scoring turns the event stream into a decaying threat score with
// discrete escalation levels.
package scoring

import "time"

// Level is a threat band.
type Level string

const (
	LevelGreen  Level = "GREEN"
	LevelYellow Level = "YELLOW"
	LevelOrange Level = "ORANGE"
	LevelRed    Level = "RED"
)

// LevelFor returns the band containing score: [0,25], (25,50], (50,75],
// (75,100].
func LevelFor(score float64) Level {
	switch {
	case score <= 25:
		return LevelGreen
	case score <= 50:
		return LevelYellow
	case score <= 75:
		return LevelOrange
	default:
		return LevelRed
	}
}

// Rank orders levels from GREEN (0) to RED (3).
func (l Level) Rank() int {
	switch l {
	case LevelYellow:
		return 1
	case LevelOrange:
		return 2
	case LevelRed:
		return 3
	}
	return 0
}

// Transition is a change of level produced by a recompute.
type Transition struct {
	From  Level     `json:"from"`
	To    Level     `json:"to"`
	Score float64   `json:"score"`
	At    time.Time `json:"at"`
}

// Escalating reports whether the transition moves to a higher level.
func (t Transition) Escalating() bool {
	return t.To.Rank() > t.From.Rank()
}
