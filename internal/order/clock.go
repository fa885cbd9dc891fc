package order

import "time"

// Clock is the time source used for expiry checks and audit timestamps.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
