package resource

import "time"

// ring is a fixed-capacity FIFO of samples; the oldest sample is overwritten
// once the buffer is full.
type ring struct {
	buf   []Sample
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

// at returns the i-th oldest sample.
func (r *ring) at(i int) Sample {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) last() (Sample, bool) {
	if r.n == 0 {
		return Sample{}, false
	}
	return r.at(r.n - 1), true
}

// values returns a copy of the samples, oldest first.
func (r *ring) values() []Sample {
	out := make([]Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.at(i)
	}
	return out
}

// average returns the mean of samples with from <= Time < to, and how many
// samples contributed.
func (r *ring) average(from, to time.Time) (float64, int) {
	var sum float64
	count := 0
	for i := 0; i < r.n; i++ {
		s := r.at(i)
		if s.Time.Before(from) || !s.Time.Before(to) {
			continue
		}
		sum += s.Value
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return sum / float64(count), count
}
