package rangeindex

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectK(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + r.IntN(40)
		xs := make([]float64, n)
		for i := range xs {
			xs[i] = float64(r.IntN(15))
		}
		sorted := append([]float64(nil), xs...)
		sort.Float64s(sorted)

		k := r.IntN(n)
		assert.Equal(t, sorted[k], SelectK(xs, k))
	}
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3, 2, 4}))
	assert.Equal(t, 7.0, Median([]float64{7}))
	assert.Panics(t, func() { SelectK(nil, 0) })
}

func bruteForce(points []Point[int], xMin, xMax, yMin, yMax float64) []int {
	var out []int
	for _, p := range points {
		if xMin <= p.X && p.X <= xMax && yMin <= p.Y && p.Y <= yMax {
			out = append(out, p.Value)
		}
	}
	sort.Ints(out)
	return out
}

func values(points []Point[int]) []int {
	out := make([]int, 0, len(points))
	for _, p := range points {
		out = append(out, p.Value)
	}
	sort.Ints(out)
	return out
}

func TestQueryMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	points := make([]Point[int], 3000)
	for i := range points {
		points[i] = Point[int]{X: r.Float64(), Y: r.Float64(), Value: i}
	}

	tree := Build(points, WithLeafSize(50))
	require.Equal(t, len(points), tree.Len())

	for iter := 0; iter < 100; iter++ {
		x0, x1 := r.Float64(), r.Float64()
		y0, y1 := r.Float64(), r.Float64()
		if x0 > x1 {
			x0, x1 = x1, x0
		}
		if y0 > y1 {
			y0, y1 = y1, y0
		}
		want := bruteForce(points, x0, x1, y0, y1)
		got := values(tree.Query(x0, x1, y0, y1))
		if len(want) == 0 {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, want, got)
	}
}

func TestQueryDuplicateX(t *testing.T) {
	points := make([]Point[int], 0, 300)
	for i := 0; i < 300; i++ {
		x := 1.0
		if i%3 == 0 {
			x = 2.0
		}
		points = append(points, Point[int]{X: x, Y: float64(i), Value: i})
	}

	tree := Build(points, WithLeafSize(10))
	assert.Equal(t, bruteForce(points, 2, 2, 0, 299), values(tree.Query(2, 2, 0, 299)))
	assert.Equal(t, bruteForce(points, 0, 1.5, 100, 200), values(tree.Query(0, 1.5, 100, 200)))
}

func TestQueryEdgeCases(t *testing.T) {
	empty := Build[int](nil)
	assert.Empty(t, empty.Query(0, 1, 0, 1))

	tree := Build([]Point[int]{{X: 1, Y: 1, Value: 1}, {X: 2, Y: 0, Value: 2}})
	assert.Empty(t, tree.Query(3, 2, 0, 1), "inverted x range")
	assert.Equal(t, []int{1, 2}, values(tree.Query(0, 5, 0, 5)))

	// a fully covered node answers in ascending Y order
	got := tree.Query(0, 5, 0, 5)
	assert.Equal(t, 2, got[0].Value)
}
