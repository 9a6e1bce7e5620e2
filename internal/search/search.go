// Package search provides binary-search primitives over sequences whose key
// mapping is non-decreasing.
package search

// FirstPositive returns the index of the first element of seq for which f
// returns a value > 0, or -1 if there is none. f must be non-decreasing over
// seq; otherwise the result is unspecified.
func FirstPositive[T any](seq []T, f func(T) float64) int {
	start, end := 0, len(seq)-1
	if end < start {
		return -1
	}
	if f(seq[end]) <= 0 {
		return -1
	}
	if f(seq[start]) > 0 {
		return start
	}

	// invariant: f(seq[start]) <= 0 < f(seq[end])
	for end-start > 1 {
		pivot := start + (end-start)/2
		if f(seq[pivot]) <= 0 {
			start = pivot
		} else {
			end = pivot
		}
	}
	return end
}

// FilterRange returns the contiguous sub-slice of seq whose keys lie in
// [lo, hi]. key must be non-decreasing over seq. The returned slice shares
// storage with seq.
func FilterRange[T any](seq []T, key func(T) float64, lo, hi float64) []T {
	if lo > hi {
		return seq[:0]
	}
	start := FirstPositive(seq, func(v T) float64 {
		if key(v) >= lo {
			return 1
		}
		return 0
	})
	if start == -1 {
		return seq[:0]
	}
	end := FirstPositive(seq[start:], func(v T) float64 {
		if key(v) > hi {
			return 1
		}
		return 0
	})
	if end == -1 {
		return seq[start:]
	}
	return seq[start : start+end]
}
