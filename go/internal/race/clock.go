package race

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimeLeft returns the whole seconds remaining on the race clock, rounded up.
// ok is false when room is not running.
func TimeLeft(room Room, rules Rules, now time.Time) (int, bool) {
	if room.Status != StatusRunning || room.StartTime == nil {
		return 0, false
	}
	remaining := room.StartTime.Add(rules.RaceDuration).Sub(now)
	if remaining <= 0 {
		return 0, true
	}
	return int(math.Ceil(remaining.Seconds())), true
}

// cadence is a restartable one-second ticker. A stopped cadence has a nil
// channel so selecting on it blocks forever.
type cadence struct {
	clock  clockwork.Clock
	period time.Duration
	ticker clockwork.Ticker
}

func newCadence(clock clockwork.Clock, period time.Duration) *cadence {
	return &cadence{clock: clock, period: period}
}

func (c *cadence) Start() {
	if c.ticker != nil {
		return
	}
	c.ticker = c.clock.NewTicker(c.period)
}

func (c *cadence) Stop() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	c.ticker = nil
}

func (c *cadence) Running() bool {
	return c.ticker != nil
}

func (c *cadence) C() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.Chan()
}
