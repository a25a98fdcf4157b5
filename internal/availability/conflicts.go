// Package availability resolves a resource's blocked calendar dates and
// classifies candidate dates, ranges and slots against them.
package availability

import (
	"sort"
	"time"

	"github.com/diagnosis/tripdesk/internal/domain"
)

// BlockedSet is a day-granular set of unavailable dates.
type BlockedSet map[time.Time]struct{}

func NewBlockedSet(days []time.Time) BlockedSet {
	set := make(BlockedSet, len(days))
	for _, d := range days {
		set[domain.Day(d)] = struct{}{}
	}
	return set
}

// ExpandPeriods flattens blocked periods into their individual days, sorted
// and without duplicates.
func ExpandPeriods(periods []domain.DateRange) []time.Time {
	set := make(BlockedSet)
	for _, p := range periods {
		for _, d := range p.Days() {
			set[d] = struct{}{}
		}
	}
	return set.Days()
}

func (s BlockedSet) Has(day time.Time) bool {
	_, ok := s[domain.Day(day)]
	return ok
}

// Days returns the set in ascending order.
func (s BlockedSet) Days() []time.Time {
	days := make([]time.Time, 0, len(s))
	for d := range s {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Conflicts returns every day of r that is blocked, in order. An empty result
// means the range is free.
func Conflicts(r domain.DateRange, blocked BlockedSet) []time.Time {
	var out []time.Time
	for _, d := range r.Days() {
		if blocked.Has(d) {
			out = append(out, d)
		}
	}
	return out
}
