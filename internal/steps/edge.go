package steps

import "pulsestep/internal/sample"

// EdgeDetector finds steep falling threshold crossings in one window.
type EdgeDetector struct {
	// MinSlope is the drop between consecutive samples a crossing must exceed.
	MinSlope float64
}

// Detect returns the indices of window samples that complete a step: the
// previous sample is above the threshold, this one is at or below it, and
// the drop exceeds MinSlope. The first sample only seeds the comparison.
func (e EdgeDetector) Detect(window []sample.Sample, cal Calibration) []int {
	if !cal.Valid() || len(window) < 2 {
		return nil
	}
	ax := int(cal.Axis)
	var hits []int
	prev := window[0].Values[ax]
	for i := 1; i < len(window); i++ {
		cur := window[i].Values[ax]
		slope := prev - cur
		if prev > cal.Threshold && cur <= cal.Threshold && slope > e.MinSlope {
			hits = append(hits, i)
		}
		prev = cur
	}
	return hits
}
