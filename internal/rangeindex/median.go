package rangeindex

import "math/rand/v2"

// Median returns the lower median of xs (element k = len/2 in sorted order).
// xs is reordered in place. Runs in expected linear time.
func Median(xs []float64) float64 {
	return SelectK(xs, len(xs)/2)
}

// SelectK returns the k-th smallest element of xs (0-based) using randomized
// quickselect. xs is reordered in place. Panics if k is out of range.
func SelectK(xs []float64, k int) float64 {
	if k < 0 || k >= len(xs) {
		panic("rangeindex: SelectK index out of range")
	}
	left, right := 0, len(xs)-1
	for left < right {
		p := partition(xs, left, right, left+rand.IntN(right-left+1))
		switch {
		case p == k:
			return xs[p]
		case p < k:
			left = p + 1
		default:
			right = p - 1
		}
	}
	return xs[left]
}

// partition is a Lomuto partition around xs[pivot]; returns the pivot's final index
func partition(xs []float64, left, right, pivot int) int {
	xs[pivot], xs[right] = xs[right], xs[pivot]
	pv := xs[right]
	store := left
	for i := left; i < right; i++ {
		if xs[i] < pv {
			xs[i], xs[store] = xs[store], xs[i]
			store++
		}
	}
	xs[store], xs[right] = xs[right], xs[store]
	return store
}
