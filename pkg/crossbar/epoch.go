package crossbar

import "time"

// EpochOffset is the number of seconds between year 0 and the Unix epoch.
// Crossbar exchanges every timestamp as seconds since year 0.
const EpochOffset int64 = 62167219200

// ToGregorian converts t to Crossbar seconds.
func ToGregorian(t time.Time) int64 {
	return t.Unix() + EpochOffset
}

// FromGregorian converts Crossbar seconds to a UTC time.
func FromGregorian(seconds int64) time.Time {
	return time.Unix(seconds-EpochOffset, 0).UTC()
}
