// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/coin-ingest/internal/etl"
)

// Clock reads the wall clock at the precision the relational stores keep, so
// a timestamp written and read back compares equal.
type Clock struct{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time truncated to microseconds.
func (Clock) Now() time.Time {
	return etl.TruncateTimestamp(time.Now())
}
