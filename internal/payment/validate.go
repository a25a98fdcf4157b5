package payment

import (
	"fmt"
	"strings"

	"github.com/diagnosis/tripdesk/internal/domain"
)

// ValidateRequest applies the client-side checkout rules in order: contact,
// then each guest, then the date selection. The first failing rule wins.
func ValidateRequest(req domain.BookingRequest) error {
	if missing := req.Contact.MissingFields(); len(missing) > 0 {
		return domain.ValidationError{
			Field: "contact." + missing[0],
			Msg:   fmt.Sprintf("contact %s is required", missing[0]),
		}
	}
	if len(req.Guests) == 0 {
		return domain.ValidationError{Field: "guests", Msg: "add at least one guest"}
	}
	for i, g := range req.Guests {
		if missing := g.MissingFields(); len(missing) > 0 {
			return domain.ValidationError{
				Field: fmt.Sprintf("guests[%d].%s", i, missing[0]),
				Msg:   fmt.Sprintf("guest %d: %s is required", i+1, missing[0]),
			}
		}
	}
	if strings.TrimSpace(req.ResourceRef) == "" {
		return domain.ValidationError{Field: "resourceRef", Msg: "nothing selected to book"}
	}
	switch {
	case req.SlotID != "" || req.TripDate != "":
		if req.TripDate == "" {
			return domain.ValidationError{Field: "tripDate", Msg: "select a trip date"}
		}
	case req.DateRange != nil:
		if !req.DateRange.Ordered() {
			return domain.ValidationError{Field: "dateRange", Msg: "end date must not be before start date"}
		}
	default:
		return domain.ValidationError{Field: "dates", Msg: "select your travel dates"}
	}
	return nil
}
