package ppg

// BPMEstimator turns the peak queue into a rate: the number of peaks held,
// divided by the minutes between the peak just evicted and the peak just
// added. The window length is whatever the calibration scan found.
type BPMEstimator struct {
	current int
	valid   bool
}

// Update recomputes the estimate. It returns false, leaving the previous
// estimate in place, when the elapsed time is not positive.
func (e *BPMEstimator) Update(peaks int, windowStart, newest int64) (int, bool) {
	elapsedMs := newest - windowStart
	if elapsedMs <= 0 || peaks <= 0 {
		return e.current, false
	}
	e.current = int(float64(peaks) / (float64(elapsedMs) / 60000.0))
	e.valid = true
	return e.current, true
}

// Current returns the last estimate and whether one exists yet.
func (e *BPMEstimator) Current() (int, bool) {
	return e.current, e.valid
}
