package flow

import (
	"sync/atomic"

	"github.com/INLOpen/flowbase/internal/clock"
)

// TimestampMultiplier scales wall-clock milliseconds into the generated
// timestamp space. The six extra decimal digits leave a million distinct
// values per millisecond, so concurrent writes to the same column each land
// in their own version slot instead of overwriting one another.
const TimestampMultiplier int64 = 1_000_000

// WallMillis truncates a generated timestamp back to the wall-clock
// millisecond it was issued in.
func WallMillis(ts int64) int64 {
	return ts / TimestampMultiplier
}

// TimestampGenerator hands out strictly increasing cell timestamps for one
// region. It is safe for concurrent use. Restarts reseed implicitly: the
// generator starts from the current wall clock, which has moved past
// everything issued before.
type TimestampGenerator struct {
	clock clock.Clock
	last  atomic.Int64
}

// NewTimestampGenerator creates a generator reading the given clock. A nil
// clock falls back to the system clock.
func NewTimestampGenerator(clk clock.Clock) *TimestampGenerator {
	if clk == nil {
		clk = clock.SystemClockDefault
	}
	return &TimestampGenerator{clock: clk}
}

// CurrentTime reports the wall clock scaled into the generated timestamp
// space without claiming a slot.
func (g *TimestampGenerator) CurrentTime() int64 {
	return g.clock.Now().UnixMilli() * TimestampMultiplier
}

// Next claims the next unique timestamp: the scaled wall clock, or one past
// the last issued value when the clock has not moved beyond it yet.
func (g *TimestampGenerator) Next() int64 {
	for {
		last := g.last.Load()
		next := g.CurrentTime()
		if next <= last {
			next = last + 1
		}
		if g.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
