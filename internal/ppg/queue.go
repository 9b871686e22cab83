package ppg

import "errors"

var ErrEmptyQueue = errors.New("ppg: peak queue is empty")

// PeakQueue is a FIFO of peak timestamps (ms). Its size is fixed by the
// calibration scan; the steady phase always dequeues before it enqueues.
type PeakQueue struct {
	ts []int64
}

func NewPeakQueue(seed []int64) *PeakQueue {
	return &PeakQueue{ts: append([]int64(nil), seed...)}
}

func (q *PeakQueue) Len() int {
	return len(q.ts)
}

func (q *PeakQueue) Enqueue(at int64) {
	q.ts = append(q.ts, at)
}

// Dequeue removes and returns the oldest timestamp.
func (q *PeakQueue) Dequeue() (int64, error) {
	if len(q.ts) == 0 {
		return 0, ErrEmptyQueue
	}
	at := q.ts[0]
	q.ts = q.ts[1:]
	return at, nil
}

// Oldest returns the head without removing it.
func (q *PeakQueue) Oldest() (int64, bool) {
	if len(q.ts) == 0 {
		return 0, false
	}
	return q.ts[0], true
}

// Newest returns the tail without removing it.
func (q *PeakQueue) Newest() (int64, bool) {
	if len(q.ts) == 0 {
		return 0, false
	}
	return q.ts[len(q.ts)-1], true
}
