package scoring

import "time"

// Point is one recompute result on the score timeline.
type Point struct {
	At    time.Time `json:"at"`
	Score float64   `json:"score"`
	Raw   float64   `json:"raw"`
	Level Level     `json:"level"`
}

// timeline keeps the most recent points in a fixed ring. Callers hold the
// engine lock.
type timeline struct {
	points []Point
	head   int
	count  int
}

func newTimeline(size int) *timeline {
	return &timeline{points: make([]Point, max(size, 1))}
}

func (t *timeline) add(p Point) {
	t.points[(t.head+t.count)%len(t.points)] = p
	if t.count < len(t.points) {
		t.count++
		return
	}
	t.head = (t.head + 1) % len(t.points)
}

// last returns up to n points, oldest first.
func (t *timeline) last(n int) []Point {
	if n <= 0 || n > t.count {
		n = t.count
	}
	out := make([]Point, 0, n)
	for i := t.count - n; i < t.count; i++ {
		out = append(out, t.points[(t.head+i)%len(t.points)])
	}
	return out
}
