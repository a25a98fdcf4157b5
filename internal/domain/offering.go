package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type BookingMode string

const (
	// ModeSlot books a package on one date-scoped, capacity-limited slot.
	ModeSlot BookingMode = "slot"
	// ModeRange books a resource (guide/captain) for a start..end range.
	ModeRange BookingMode = "range"
)

type TierPrices struct {
	Adult float64 `json:"adult"`
	Child float64 `json:"child"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Slot struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	MaxCapacity int       `json:"maxCapacity"`
	Booked      int       `json:"booked"`
}

type slotJSON struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	MaxCapacity int    `json:"maxCapacity"`
	Booked      int    `json:"booked"`
}

// MarshalJSON writes the date as YYYY-MM-DD.
func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal(slotJSON{ID: s.ID, Date: s.Date.Format(DateLayout), MaxCapacity: s.MaxCapacity, Booked: s.Booked})
}

// UnmarshalJSON accepts a bare YYYY-MM-DD date or a full timestamp, whose
// date part is kept.
func (s *Slot) UnmarshalJSON(data []byte) error {
	var raw slotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	date, err := ParseDay(raw.Date)
	if err != nil {
		return fmt.Errorf("slot %s: %w", raw.ID, err)
	}
	*s = Slot{ID: raw.ID, Date: date, MaxCapacity: raw.MaxCapacity, Booked: raw.Booked}
	return nil
}

func (s Slot) Remaining() int {
	if r := s.MaxCapacity - s.Booked; r > 0 {
		return r
	}
	return 0
}

// Offering is what the user is checking out: a package with slots, or a
// resource whose calendar is checked for conflicts.
type Offering struct {
	ResourceRef string       `json:"resourceRef"`
	Name        string       `json:"name"`
	Mode        BookingMode  `json:"mode"`
	Tiers       TierPrices   `json:"tiers"`
	Currency    string       `json:"currency"`
	Base        *Coordinates `json:"base,omitempty"`
	Slots       []Slot       `json:"slots,omitempty"`
}

func (o Offering) Slot(id string) (Slot, bool) {
	for _, s := range o.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}
