package market

// Series is a bounded, time-ordered bar ring. Append is O(1); once
// capacity is reached the oldest bar is evicted. Appending a bar whose
// timestamp equals the newest bar's timestamp overwrites it in place, so
// replays from the push feed and the poll fallback stay idempotent.
type Series struct {
	samples []Sample
	head    int
	count   int
}

// DefaultCapacity matches the per-ticker history window: enough minutes
// to cover a trading morning without unbounded growth.
const DefaultCapacity = 100

// NewSeries creates a Series holding at most capacity bars. A capacity
// of zero or less falls back to DefaultCapacity.
func NewSeries(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Series{samples: make([]Sample, capacity)}
}

// Append inserts a bar, keeping the sequence ordered by time, and
// reports whether it was stored. Bars older than the newest are dropped
// (the feed guarantees non-decreasing order per ticker; anything else
// is a late duplicate).
func (s *Series) Append(sample Sample) bool {
	if s.count > 0 {
		newest := &s.samples[s.idx(s.count-1)]
		if sample.Time.Equal(newest.Time) {
			*newest = sample
			return true
		}
		if sample.Time.Before(newest.Time) {
			return false
		}
	}
	if s.count == len(s.samples) {
		s.samples[s.head] = sample
		s.head = (s.head + 1) % len(s.samples)
		return true
	}
	s.samples[s.idx(s.count)] = sample
	s.count++
	return true
}

func (s *Series) idx(i int) int { return (s.head + i) % len(s.samples) }

// Len returns the number of bars currently held.
func (s *Series) Len() int { return s.count }

// Last returns the newest bar and false if the series is empty.
func (s *Series) Last() (Sample, bool) {
	if s.count == 0 {
		return Sample{}, false
	}
	return s.samples[s.idx(s.count-1)], true
}

// At returns the bar at index i, oldest first.
func (s *Series) At(i int) Sample { return s.samples[s.idx(i)] }

// Tail returns a copy of up to n newest bars, oldest first.
func (s *Series) Tail(n int) []Sample {
	if n > s.count {
		n = s.count
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		out[i] = s.samples[s.idx(s.count-n+i)]
	}
	return out
}
