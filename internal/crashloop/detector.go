// Package crashloop keeps a supervised component running: it restarts
// the subprocess when it dies, restarts it when its binary is
// redeployed, and raises a single degraded alert when restarts are
// happening too fast to be ordinary crashes.
package crashloop

import "time"

// Detector tracks restart timestamps over a rolling window. It trips
// when the restart rate crosses the threshold and stays tripped until
// the window drains, so one crash-loop episode raises one alert no
// matter how many restarts it contains.
type Detector struct {
	window  time.Duration
	max     int
	times   []time.Time
	tripped bool
}

// NewDetector creates a detector that trips at max restarts within
// window.
func NewDetector(window time.Duration, max int) *Detector {
	return &Detector{window: window, max: max}
}

// Record registers one restart at now. It returns true exactly once
// per episode: on the restart that crosses the threshold.
func (d *Detector) Record(now time.Time) bool {
	d.prune(now)
	d.times = append(d.times, now)

	if len(d.times) < d.max {
		return false
	}
	if d.tripped {
		return false
	}
	d.tripped = true
	return true
}

// Looping reports whether the detector is currently tripped
func (d *Detector) Looping(now time.Time) bool {
	d.prune(now)
	return d.tripped
}

// Count returns the number of restarts inside the current window
func (d *Detector) Count(now time.Time) int {
	d.prune(now)
	return len(d.times)
}

func (d *Detector) prune(now time.Time) {
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(d.times) && d.times[i].Before(cutoff) {
		i++
	}
	d.times = d.times[i:]

	// An empty window ends the episode and re-arms the alert.
	if len(d.times) == 0 {
		d.tripped = false
	}
}
