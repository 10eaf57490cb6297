// Package capacity holds the pure invariant checks shared by the reservation
// manager, the join request workflow and the stores.
package capacity

import (
	"strconv"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
)

// DefaultEventDuration is the window length assumed for events the catalog
// publishes without an end time.
const DefaultEventDuration = 4 * time.Hour

// Check returns ErrCapacityExceeded when applying delta to current would leave
// the party outside [0, max].
func Check(current, max, delta int) error {
	next := current + delta
	if max <= 0 || next > max || next < 0 {
		return domain.WithMeta(domain.ErrCapacityExceeded, "", map[string]string{
			"current": strconv.Itoa(current),
			"max":     strconv.Itoa(max),
			"delta":   strconv.Itoa(delta),
		})
	}
	return nil
}

// Remaining is the number of members that can still be added.
func Remaining(current, max int) int {
	if r := max - current; r > 0 {
		return r
	}
	return 0
}

// Window is a half-open [Start, End) schedule interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor builds an event window. A missing or non-positive end falls back
// to start + defaultDuration.
func WindowFor(start time.Time, end *time.Time, defaultDuration time.Duration) Window {
	if defaultDuration <= 0 {
		defaultDuration = DefaultEventDuration
	}
	w := Window{Start: start.UTC(), End: start.UTC().Add(defaultDuration)}
	if end != nil && end.After(start) {
		w.End = end.UTC()
	}
	return w
}

// Overlaps reports whether a and b intersect: a.Start < b.End && b.Start < a.End.
func Overlaps(a, b Window) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Over reports whether the window has ended at now.
func (w Window) Over(now time.Time) bool {
	return !now.Before(w.End)
}
