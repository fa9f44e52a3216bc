package reveal

import "time"

const (
	// TickInterval is the pause between two reveal frames.
	TickInterval = 28 * time.Millisecond
	// WatchInterval is how often the completion watcher checks for a fully shown answer.
	WatchInterval = 120 * time.Millisecond
)

// Step returns how many characters the next frame reveals when remain are still hidden.
// The reveal slows down as it approaches the end of the answer.
func Step(remain int) int {
	switch {
	case remain > 1000:
		return 24
	case remain > 500:
		return 12
	case remain > 200:
		return 6
	case remain > 50:
		return 3
	default:
		return 2
	}
}

// Schedule returns the shown counter after every tick of a reveal of total characters.
// Its length is the number of ticks the reveal takes.
func Schedule(total int) []int {
	var out []int
	for shown := 0; shown < total; {
		shown = min(total, shown+Step(total-shown))
		out = append(out, shown)
	}
	return out
}
