package mon

import "sync/atomic"

const (
	ringShift = 7 // 128 samples
	ringElems = 1 << ringShift
	ringMask  = ringElems - 1
)

// Histogram keeps a ring of the most recently observed durations in
// nanoseconds. All methods are safe for concurrent use.
type Histogram struct {
	total   int64
	current int64
	durs    [ringElems]int64
}

// start marks an execution as in flight.
func (h *Histogram) start() { atomic.AddInt64(&h.current, 1) }

// done records the duration of an execution and marks it finished.
func (h *Histogram) done(dur int64) {
	loc := &h.durs[(atomic.AddInt64(&h.total, 1)-1)&ringMask]
	atomic.StoreInt64(loc, dur)
	atomic.AddInt64(&h.current, -1)
}

// Total returns how many durations have been recorded.
func (h *Histogram) Total() int64 { return atomic.LoadInt64(&h.total) }

// Current returns how many executions are in flight.
func (h *Histogram) Current() int64 { return atomic.LoadInt64(&h.current) }

// valid returns the number of live samples in the ring.
func (h *Histogram) valid() int {
	if n := h.Total(); n < ringElems {
		return int(n)
	}
	return ringElems
}

// Durations returns a copy of the recorded samples.
func (h *Histogram) Durations() []int64 {
	out := make([]int64, h.valid())
	for i := range out {
		out[i] = atomic.LoadInt64(&h.durs[i])
	}
	return out
}

// Average returns the mean of the recorded samples in nanoseconds, or
// zero if nothing has been recorded.
func (h *Histogram) Average() float64 {
	n := h.valid()
	if n == 0 {
		return 0
	}
	total := int64(0)
	for i := 0; i < n; i++ {
		total += atomic.LoadInt64(&h.durs[i])
	}
	return float64(total) / float64(n)
}

// Max returns the largest recorded sample in nanoseconds.
func (h *Histogram) Max() int64 {
	max := int64(0)
	for i, n := 0, h.valid(); i < n; i++ {
		if d := atomic.LoadInt64(&h.durs[i]); d > max {
			max = d
		}
	}
	return max
}
