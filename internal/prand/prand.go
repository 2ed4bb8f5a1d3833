// Package prand is a small deterministic random source. Two peers seeded
// with the same value produce identical sequences on any platform, which
// is what lets setup callbacks and action appliers stay in lockstep.
package prand

// Source is a splitmix64 generator. Not safe for concurrent use; each
// runtime owns exactly one.
type Source struct {
	state uint64
}

func New(seed int64) *Source {
	return &Source{state: uint64(seed)}
}

func (s *Source) Uint64() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Float64 returns a value in [0, 1).
func (s *Source) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}

// Intn returns a value in [0, n). Panics if n <= 0.
func (s *Source) Intn(n int) int {
	if n <= 0 {
		panic("prand: Intn with non-positive n")
	}
	return int(s.Uint64() % uint64(n))
}

// Range returns a value in [min, max). Returns min when max <= min.
func (s *Source) Range(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + s.Float64()*(max-min)
}

// Shuffle reorders n elements via the swap callback, Fisher-Yates style.
func (s *Source) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		swap(i, s.Intn(i+1))
	}
}

// Pick returns a uniformly chosen element of items, or the zero value for
// an empty slice.
func Pick[T any](s *Source, items []T) T {
	var zero T
	if len(items) == 0 {
		return zero
	}
	return items[s.Intn(len(items))]
}
