// Package clock abstracts the time operations the guard engines wait
// on, so polling loops and inhibition windows can be driven
// deterministically in tests.
//
// Production code uses Real(). Tests use Fake(), whose time only moves
// when Advance is called:
//
//	c := clock.Fake(time.Unix(0, 0))
//	go loop(c)
//	c.WaitForTimers(1)       // loop is now parked in After
//	c.Advance(time.Second)   // fire it
package clock

import "time"

// Clock is the subset of the time package the engines depend on.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If
	// d <= 0 the channel is ready immediately. Callers that must stay
	// interruptible select on it together with their quit channel.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
