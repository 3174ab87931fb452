// Package markethours decides whether a timestamp falls inside a trading
// session. The feed pipeline uses it to discard ticks printed outside hours.
package markethours

import (
	"fmt"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session is a daily trading window on weekdays, minus holidays.
type Session struct {
	Loc      *time.Location
	Open     int // minutes after midnight
	Close    int // minutes after midnight, exclusive
	holidays map[string]bool
}

// NSE returns the NSE cash session, 09:15 to 15:30 IST.
func NSE() *Session {
	return &Session{Loc: IST, Open: 9*60 + 15, Close: 15*60 + 30, holidays: map[string]bool{}}
}

// Parse reads "NSE" or "HH:MM-HH:MM[@Zone]". Zone is an IANA name or "IST";
// it defaults to UTC.
func Parse(spec string) (*Session, error) {
	spec = strings.TrimSpace(spec)
	if strings.EqualFold(spec, "NSE") {
		return NSE(), nil
	}
	window, zone, _ := strings.Cut(spec, "@")
	from, to, ok := strings.Cut(window, "-")
	if !ok {
		return nil, fmt.Errorf("session %q: want HH:MM-HH:MM[@zone]", spec)
	}
	open, err := parseClock(from)
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", spec, err)
	}
	cl, err := parseClock(to)
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", spec, err)
	}
	if cl <= open {
		return nil, fmt.Errorf("session %q: close must be after open", spec)
	}

	loc := time.UTC
	switch zone = strings.TrimSpace(zone); {
	case zone == "":
	case strings.EqualFold(zone, "IST"):
		loc = IST
	default:
		if loc, err = time.LoadLocation(zone); err != nil {
			return nil, fmt.Errorf("session %q: %w", spec, err)
		}
	}
	return &Session{Loc: loc, Open: open, Close: cl, holidays: map[string]bool{}}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// AddHolidays marks dates (YYYY-MM-DD, session-local) as closed.
func (s *Session) AddHolidays(dates ...string) error {
	for _, d := range dates {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("holiday %q: %w", d, err)
		}
		s.holidays[d] = true
	}
	return nil
}

// IsHoliday reports whether t's session-local date is a holiday.
func (s *Session) IsHoliday(t time.Time) bool {
	return s.holidays[t.In(s.Loc).Format("2006-01-02")]
}

// IsTradingDay reports whether t is a weekday and not a holiday.
func (s *Session) IsTradingDay(t time.Time) bool {
	wd := t.In(s.Loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !s.IsHoliday(t)
}

// IsOpen reports whether t falls inside the session.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	local := t.In(s.Loc)
	hm := local.Hour()*60 + local.Minute()
	return hm >= s.Open && hm < s.Close
}

func (s *Session) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, s.Loc)
}

// NextOpen returns the next session open at or after t. If t is before
// today's open on a trading day it returns today's open.
func (s *Session) NextOpen(t time.Time) time.Time {
	local := t.In(s.Loc)
	if open := s.at(local, s.Open); !local.After(open) && s.IsTradingDay(local) {
		return open
	}
	d := local.AddDate(0, 0, 1)
	for i := 0; i < 30; i++ {
		if s.IsTradingDay(d) {
			return s.at(d, s.Open)
		}
		d = d.AddDate(0, 0, 1)
	}
	return s.at(d, s.Open)
}

// TimeUntilClose returns the time left in today's session, or 0 when
// closed.
func (s *Session) TimeUntilClose(t time.Time) time.Duration {
	if !s.IsOpen(t) {
		return 0
	}
	return s.at(t.In(s.Loc), s.Close).Sub(t)
}

// Status returns a human-readable session status.
func (s *Session) Status(t time.Time) string {
	if s.IsOpen(t) {
		return "open, closes in " + fmtDur(s.TimeUntilClose(t))
	}
	next := s.NextOpen(t)
	return fmt.Sprintf("closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
