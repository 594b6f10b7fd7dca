package download

import "time"

// Controller adapts download concurrency with additive increase and
// multiplicative decrease. It is owned by the dispatch loop and never shared
// between goroutines.
type Controller struct {
	min, max  int
	limit     int
	peak      int
	window    int
	threshold float64

	// current window
	completions int
	failures    int
	bytes       int64
	start       time.Time

	prevThroughput float64
	hasPrev        bool
}

// tolerance treats small throughput dips as noise rather than congestion
const tolerance = 0.9

// NewController starts at initial, bounded by [lo, hi]
func NewController(initial, lo, hi, window int, threshold float64, now time.Time) *Controller {
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	if window < 1 {
		window = 1
	}
	initial = clamp(initial, lo, hi)
	return &Controller{
		min:       lo,
		max:       hi,
		limit:     initial,
		peak:      initial,
		window:    window,
		threshold: threshold,
		start:     now,
	}
}

// Limit is the number of tasks allowed in flight
func (c *Controller) Limit() int { return c.limit }

// Peak is the highest limit reached so far
func (c *Controller) Peak() int { return c.peak }

// Observe records one finished attempt. Once a window of attempts is
// complete the limit is re-evaluated; Observe reports whether it changed.
func (c *Controller) Observe(n int64, failed bool, now time.Time) bool {
	c.completions++
	c.bytes += n
	if failed {
		c.failures++
	}
	if c.completions < c.window {
		return false
	}

	elapsed := now.Sub(c.start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-3
	}
	throughput := float64(c.bytes) / elapsed
	errorRate := float64(c.failures) / float64(c.completions)

	old := c.limit
	switch {
	case errorRate > c.threshold:
		c.decrease()
	case !c.hasPrev || throughput >= c.prevThroughput*tolerance:
		c.increase()
	default:
		c.decrease()
	}

	c.prevThroughput = throughput
	c.hasPrev = true
	c.completions, c.failures, c.bytes = 0, 0, 0
	c.start = now

	return c.limit != old
}

func (c *Controller) increase() {
	if c.limit < c.max {
		c.limit++
	}
	if c.limit > c.peak {
		c.peak = c.limit
	}
}

func (c *Controller) decrease() {
	c.limit /= 2
	if c.limit < c.min {
		c.limit = c.min
	}
}
