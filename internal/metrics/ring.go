package metrics

import (
	"math"
	"sort"
)

// ring is a fixed-capacity circular buffer of observations in
// milliseconds. Push is O(1); the oldest element is overwritten once the
// buffer is full.
type ring struct {
	buf  []float64
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) len() int { return r.size }

// values returns a copy of the stored observations, unordered.
func (r *ring) values() []float64 {
	out := make([]float64, r.size)
	if r.size < len(r.buf) {
		copy(out, r.buf[:r.size])
	} else {
		copy(out, r.buf)
	}
	return out
}

func (r *ring) mean() float64 {
	if r.size == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.values() {
		sum += v
	}
	return sum / float64(r.size)
}

// percentile returns the p-quantile (0 < p <= 1) of the ring contents
// using the nearest-rank method: sort a copy, take index ceil(N*p)-1.
// An empty ring yields 0.
func (r *ring) percentile(p float64) float64 {
	if r.size == 0 {
		return 0
	}
	vals := r.values()
	sort.Float64s(vals)
	idx := int(math.Ceil(float64(len(vals))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}
