// Package rangeindex implements a static two-axis range index: a median-split
// tree on X whose nodes keep their points sorted by Y, so a node fully inside
// the X range answers the Y range with a binary search.
package rangeindex

import (
	"math"
	"sort"

	"github.com/pbaille/chanscope/internal/search"
)

// DefaultLeafSize is the number of points at or below which a node is not split
const DefaultLeafSize = 2000

// Point is an indexed item with its coordinates
type Point[T any] struct {
	X, Y  float64
	Value T
}

// Tree is a read-only 2D range index
type Tree[T any] struct {
	root *node[T]
	size int
}

type node[T any] struct {
	items       []Point[T] // sorted ascending by Y
	minX, maxX  float64
	split       float64
	left, right *node[T]
}

// Option configures Build
type Option func(*buildOptions)

type buildOptions struct {
	leafSize int
	sortedY  bool
}

// WithLeafSize sets the split threshold
func WithLeafSize(n int) Option {
	return func(o *buildOptions) {
		if n > 0 {
			o.leafSize = n
		}
	}
}

// WithSortedY declares that the input is already sorted ascending by Y
func WithSortedY() Option {
	return func(o *buildOptions) { o.sortedY = true }
}

// Build constructs a Tree over points. The input slice is not modified.
func Build[T any](points []Point[T], opts ...Option) *Tree[T] {
	o := buildOptions{leafSize: DefaultLeafSize}
	for _, opt := range opts {
		opt(&o)
	}

	items := make([]Point[T], len(points))
	copy(items, points)
	if !o.sortedY {
		sort.SliceStable(items, func(i, j int) bool { return items[i].Y < items[j].Y })
	}

	return &Tree[T]{root: newNode(items, o.leafSize), size: len(items)}
}

// Len returns the number of indexed points
func (t *Tree[T]) Len() int {
	return t.size
}

func newNode[T any](items []Point[T], leafSize int) *node[T] {
	n := &node[T]{items: items}
	if len(items) == 0 {
		return n
	}

	n.minX, n.maxX = math.Inf(1), math.Inf(-1)
	xs := make([]float64, len(items))
	for i, it := range items {
		xs[i] = it.X
		n.minX = math.Min(n.minX, it.X)
		n.maxX = math.Max(n.maxX, it.X)
	}
	if len(items) <= leafSize || n.minX == n.maxX {
		return n
	}

	n.split = Median(xs)
	var left, right []Point[T]
	for _, it := range items {
		if it.X <= n.split {
			left = append(left, it)
		} else {
			right = append(right, it)
		}
	}
	if len(right) == 0 {
		// every x is <= the median; split just below the maximum instead
		n.split = math.Nextafter(n.maxX, math.Inf(-1))
		left, right = left[:0:0], nil
		for _, it := range items {
			if it.X <= n.split {
				left = append(left, it)
			} else {
				right = append(right, it)
			}
		}
	}

	n.left = newNode(left, leafSize)
	n.right = newNode(right, leafSize)
	return n
}

// Query returns every point with xMin <= X <= xMax and yMin <= Y <= yMax.
// Results are grouped by subtree; within a group they are ascending by Y.
func (t *Tree[T]) Query(xMin, xMax, yMin, yMax float64) []Point[T] {
	if t.root == nil || xMin > xMax || yMin > yMax {
		return nil
	}
	var out []Point[T]
	t.root.query(xMin, xMax, yMin, yMax, &out)
	return out
}

func (n *node[T]) query(xMin, xMax, yMin, yMax float64, out *[]Point[T]) {
	if len(n.items) == 0 || xMax < n.minX || n.maxX < xMin {
		return
	}
	if xMin <= n.minX && n.maxX <= xMax {
		*out = append(*out, search.FilterRange(n.items, pointY[T], yMin, yMax)...)
		return
	}
	if n.left == nil {
		for _, it := range n.items {
			if xMin <= it.X && it.X <= xMax && yMin <= it.Y && it.Y <= yMax {
				*out = append(*out, it)
			}
		}
		return
	}
	if xMin <= n.split {
		n.left.query(xMin, xMax, yMin, yMax, out)
	}
	if xMax > n.split {
		n.right.query(xMin, xMax, yMin, yMax, out)
	}
}

func pointY[T any](p Point[T]) float64 { return p.Y }
