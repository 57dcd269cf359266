package domain

import "time"

// Clock abstracts wall-clock time so cooldowns and TTLs can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time { return time.Now() }
