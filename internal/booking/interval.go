package booking

import "time"

// Overlaps reports whether the half-open intervals [startA, endA) and
// [startB, endB) share at least one instant. Intervals that only touch at an
// endpoint do not overlap.
func Overlaps(startA, endA, startB, endB time.Time) bool {
	return startA.Before(endB) && startB.Before(endA)
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Valid() bool {
	return i.Start.Before(i.End)
}

func (i Interval) Overlaps(o Interval) bool {
	return Overlaps(i.Start, i.End, o.Start, o.End)
}
