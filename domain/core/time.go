package core

import (
	"time"
)

// Now returns the current UTC time, truncated to milliseconds so values survive
// JSON round trips through every cache backend unchanged.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
