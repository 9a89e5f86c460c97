package mon

import "time"

// Thunk is a cheap named timing site. The zero value is valid. Typical
// use is a package-level variable with a deferred Start/Stop pair:
//
//	var gcThunk mon.Thunk
//
//	func (t *T) gc() error {
//		defer gcThunk.Start().Stop()
//		...
//	}
type Thunk struct {
	hist Histogram
}

// Histogram returns the histogram of observed durations.
func (t *Thunk) Histogram() *Histogram { return &t.hist }

// Start begins a timed region and returns the timer to stop it with.
func (t *Thunk) Start() Timer {
	t.hist.start()
	return Timer{
		thunk: t,
		begin: time.Now(),
	}
}

// Timer is an outstanding timed region.
type Timer struct {
	thunk *Thunk
	begin time.Time
}

// Stop ends the timed region, recording its duration.
func (t Timer) Stop() {
	t.thunk.hist.done(int64(time.Since(t.begin)))
}
