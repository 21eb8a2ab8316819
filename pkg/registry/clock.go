package registry

import "time"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// realClock implements Clock using the real time package.
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}
