package distributor

import "time"

// Calendar answers whether a symbol's market accepts orders at an instant.
type Calendar interface {
	IsOpen(symbol string, at time.Time) bool
}

// AlwaysOpen is the calendar for 24/7 venues.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(string, time.Time) bool { return true }

// EquityHours approximates US equity regular hours: weekdays 09:30-16:00 in
// the exchange timezone. Holidays are not modeled; closed-market submissions
// on a holiday surface as executor rejections instead.
type EquityHours struct {
	loc *time.Location
}

// NewEquityHours creates the calendar. An unloadable timezone falls back to
// UTC, which fails closed outside UTC trading hours rather than open.
func NewEquityHours() *EquityHours {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &EquityHours{loc: loc}
}

func (e *EquityHours) IsOpen(_ string, at time.Time) bool {
	t := at.In(e.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= 9*60+30 && mins < 16*60
}
