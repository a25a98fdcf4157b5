package availability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/tripdesk/internal/domain"
)

type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching_blocked_dates"
	StateReady      State = "ready"
	StateValidating State = "validating"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
)

const (
	FieldStart = "start_date"
	FieldEnd   = "end_date"
	FieldSlot  = "slot"
)

type Options struct {
	HorizonDays int
	Now         func() time.Time
}

// Checker tracks one booking attempt's date selection for a single resource.
// Start and end carry independent error slots: re-picking one never clears
// the other's error.
type Checker struct {
	fetcher    *Fetcher
	resourceID string
	horizon    int
	now        func() time.Time

	mu       sync.Mutex
	state    State
	loaded   bool
	blocked  BlockedSet
	from, to time.Time

	start, end       time.Time
	hasStart, hasEnd bool
	startErr, endErr error

	slot    *domain.Slot
	slotErr error
}

func NewChecker(fetcher *Fetcher, resourceID string, opts Options) *Checker {
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 60
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Checker{
		fetcher:    fetcher,
		resourceID: resourceID,
		horizon:    opts.HorizonDays,
		now:        opts.Now,
		state:      StateIdle,
	}
}

func (c *Checker) ResourceID() string { return c.resourceID }

// Load fetches the blocked dates for the lookahead window once; later calls
// reuse the session copy until Invalidate.
func (c *Checker) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.state = StateFetching
	from := domain.Day(c.now())
	to := from.AddDate(0, 0, c.horizon)
	c.mu.Unlock()

	days, err := c.fetcher.Fetch(ctx, c.resourceID, from, to)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateIdle
		return fmt.Errorf("load blocked dates for %s: %w", c.resourceID, err)
	}
	c.blocked = NewBlockedSet(days)
	c.from, c.to = from, to
	c.loaded = true
	c.state = c.settledLocked()
	return nil
}

// Blocked returns the session's blocked days in order, or nil before Load.
func (c *Checker) Blocked() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return nil
	}
	return c.blocked.Days()
}

func (c *Checker) Window() (from, to time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.from, c.to
}

func (c *Checker) PickStart(ctx context.Context, day time.Time) error {
	if err := c.Load(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateValidating
	c.start, c.hasStart = domain.Day(day), true
	var r *domain.DateRange
	if c.hasEnd && c.endErr == nil {
		r = &domain.DateRange{Start: c.start, End: c.end}
	}
	c.startErr = c.checkEndpointLocked(FieldStart, c.start, r)
	c.state = c.settledLocked()
	return c.startErr
}

func (c *Checker) PickEnd(ctx context.Context, day time.Time) error {
	if err := c.Load(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateValidating
	c.end, c.hasEnd = domain.Day(day), true
	var r *domain.DateRange
	if c.hasStart && c.startErr == nil {
		r = &domain.DateRange{Start: c.start, End: c.end}
	}
	c.endErr = c.checkEndpointLocked(FieldEnd, c.end, r)
	c.state = c.settledLocked()
	return c.endErr
}

// SelectSlot picks a capacity-limited slot for headcount guests. The slot's
// day must be inside the window and not blocked.
func (c *Checker) SelectSlot(ctx context.Context, slot domain.Slot, headcount int) error {
	if err := c.Load(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateValidating
	slot.Date = domain.Day(slot.Date)
	c.slot = &slot
	c.slotErr = c.checkSlotLocked(slot, headcount)
	c.state = c.settledLocked()
	return c.slotErr
}

// Revalidate re-checks the current selection, for use right before checkout.
// A missing selection is a validation error.
func (c *Checker) Revalidate(headcount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot != nil {
		c.slotErr = c.checkSlotLocked(*c.slot, headcount)
		c.state = c.settledLocked()
		return c.slotErr
	}
	if !c.hasStart {
		return domain.ValidationError{Field: FieldStart, Msg: "select a start date"}
	}
	if !c.hasEnd {
		return domain.ValidationError{Field: FieldEnd, Msg: "select an end date"}
	}
	if c.startErr != nil {
		return c.startErr
	}
	if c.endErr != nil {
		return c.endErr
	}
	if err := c.checkRangeLocked(FieldEnd, domain.DateRange{Start: c.start, End: c.end}); err != nil {
		c.endErr = err
		c.state = c.settledLocked()
		return err
	}
	return nil
}

// Selection returns the accepted range, or the slot's single day.
func (c *Checker) Selection() (domain.DateRange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot != nil {
		if c.slotErr != nil {
			return domain.DateRange{}, false
		}
		return domain.DateRange{Start: c.slot.Date, End: c.slot.Date}, true
	}
	if c.hasStart && c.hasEnd && c.startErr == nil && c.endErr == nil {
		return domain.DateRange{Start: c.start, End: c.end}, true
	}
	return domain.DateRange{}, false
}

func (c *Checker) Slot() (domain.Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return domain.Slot{}, false
	}
	return *c.slot, true
}

func (c *Checker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type Snapshot struct {
	State      State
	Start      *time.Time
	End        *time.Time
	StartError error
	EndError   error
	SlotID     string
	SlotError  error
	Blocked    []time.Time
}

func (c *Checker) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:      c.state,
		StartError: c.startErr,
		EndError:   c.endErr,
		SlotError:  c.slotErr,
	}
	if c.hasStart {
		start := c.start
		s.Start = &start
	}
	if c.hasEnd {
		end := c.end
		s.End = &end
	}
	if c.slot != nil {
		s.SlotID = c.slot.ID
	}
	if c.loaded {
		s.Blocked = c.blocked.Days()
	}
	return s
}

// ClearSelection drops the picked dates or slot and their errors. Blocked
// dates stay cached.
func (c *Checker) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearSelectionLocked()
	c.state = c.settledLocked()
}

// Invalidate forgets the blocked dates, locally and in the shared cache, and
// the current selection. The next pick fetches fresh availability.
func (c *Checker) Invalidate(ctx context.Context) {
	c.mu.Lock()
	from, to, loaded := c.from, c.to, c.loaded
	c.loaded = false
	c.blocked = nil
	c.clearSelectionLocked()
	c.state = StateIdle
	c.mu.Unlock()

	if loaded {
		c.fetcher.Forget(ctx, c.resourceID, from, to)
	}
}

func (c *Checker) clearSelectionLocked() {
	c.hasStart, c.hasEnd = false, false
	c.start, c.end = time.Time{}, time.Time{}
	c.startErr, c.endErr = nil, nil
	c.slot, c.slotErr = nil, nil
}

// checkEndpointLocked validates one picked day. Without an accepted other end
// the pick short-circuits on its own membership in the blocked set; once the
// range is complete every conflicting day in it is reported.
func (c *Checker) checkEndpointLocked(field string, day time.Time, r *domain.DateRange) error {
	if err := c.checkWindowLocked(field, day); err != nil {
		return err
	}
	if r != nil {
		return c.checkRangeLocked(field, *r)
	}
	if c.blocked.Has(day) {
		return domain.ConflictError{Field: field, Dates: []time.Time{day}}
	}
	return nil
}

func (c *Checker) checkWindowLocked(field string, day time.Time) error {
	if day.Before(c.from) || day.After(c.to) {
		return domain.ValidationError{
			Field: field,
			Msg: fmt.Sprintf("choose a date between %s and %s",
				c.from.Format(domain.DateLayout), c.to.Format(domain.DateLayout)),
		}
	}
	return nil
}

func (c *Checker) checkRangeLocked(field string, r domain.DateRange) error {
	if !r.Ordered() {
		return domain.ValidationError{Field: field, Msg: "end date must not be before start date"}
	}
	if conflicts := Conflicts(r, c.blocked); len(conflicts) > 0 {
		return domain.ConflictError{Field: field, Dates: conflicts}
	}
	return nil
}

func (c *Checker) checkSlotLocked(slot domain.Slot, headcount int) error {
	if err := c.checkEndpointLocked(FieldSlot, slot.Date, nil); err != nil {
		return err
	}
	if headcount > slot.Remaining() {
		return domain.ValidationError{
			Field: FieldSlot,
			Msg:   fmt.Sprintf("only %d places left on %s", slot.Remaining(), slot.Date.Format(domain.DateLayout)),
		}
	}
	return nil
}

func (c *Checker) settledLocked() State {
	switch {
	case !c.loaded:
		return StateIdle
	case c.startErr != nil || c.endErr != nil || c.slotErr != nil:
		return StateRejected
	case c.slot != nil || c.hasStart || c.hasEnd:
		return StateAccepted
	default:
		return StateReady
	}
}
