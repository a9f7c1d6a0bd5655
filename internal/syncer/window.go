package syncer

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the YYYYMMDD form of CLI dates.
const DateLayout = "20060102"

// Window is an inclusive time range to sync.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowForDates covers start 00:00:00 through end 23:59:59 in loc. An empty
// end means through the end of today.
func WindowForDates(start, end string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.Local
	}
	if start == "" {
		return Window{}, eris.New("syncer: start date is required")
	}
	from, err := time.ParseInLocation(DateLayout, start, loc)
	if err != nil {
		return Window{}, eris.Wrapf(err, "syncer: parse start date %q", start)
	}

	to := time.Now().In(loc)
	if end != "" {
		to, err = time.ParseInLocation(DateLayout, end, loc)
		if err != nil {
			return Window{}, eris.Wrapf(err, "syncer: parse end date %q", end)
		}
	}
	to = time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, 0, loc)

	if to.Before(from) {
		return Window{}, eris.Errorf("syncer: end date %s is before start date %s", end, start)
	}
	return Window{Start: from, End: to}, nil
}

// WindowForDays covers the last n days up to now.
func WindowForDays(n int, now time.Time) Window {
	return Window{Start: now.AddDate(0, 0, -n), End: now}
}

// RollingWindow covers width back from now.
func RollingWindow(width time.Duration, now time.Time) Window {
	return Window{Start: now.Add(-width), End: now}
}

// Days splits w into calendar days of its start's location, each clipped to
// w. Sub-window ends are the last second of the day since Crossbar date
// ranges are inclusive.
func (w Window) Days() []Window {
	if w.End.Before(w.Start) {
		return nil
	}
	loc := w.Start.Location()
	var out []Window
	cur := w.Start
	for !cur.After(w.End) {
		next := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		end := next.Add(-time.Second)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: cur, End: end})
		cur = next
	}
	return out
}

func (w Window) String() string {
	return w.Start.Format(time.RFC3339) + "/" + w.End.Format(time.RFC3339)
}
