package clock

import "time"

// Clock is the time source used by every expiry and settlement decision.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
