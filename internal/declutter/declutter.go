// Package declutter merges visually overlapping items into clusters, keeping
// the highest-priority member of each cluster as its representative.
package declutter

import (
	"math"

	"github.com/pbaille/chanscope/internal/domain"
)

// DefaultThreshold is the overlap factor above which two items merge
const DefaultThreshold = 0.2

// Item is an event placed on screen. Its interval is Pos ± Height/2.
type Item struct {
	Event  domain.Event
	Pos    float64
	Height float64
	Score  float64
}

// Lo returns the top edge of the item's interval
func (it Item) Lo() float64 { return it.Pos - it.Height/2 }

// Hi returns the bottom edge of the item's interval
func (it Item) Hi() float64 { return it.Pos + it.Height/2 }

// Cluster is a group of overlapping items with one representative
type Cluster struct {
	Representative Item
	Members        []Item
}

// Compare orders items by priority: > 0 when a outranks b, < 0 when b
// outranks a, 0 on a tie.
type Compare func(a, b Item) int

// Overlap returns the overlap factor of the intervals of a and b: 1 when they
// coincide, 0 when they touch, negative and proportional to the gap when they
// are disjoint.
func Overlap(a, b Item) float64 {
	total := math.Abs(a.Hi()-a.Lo()) + math.Abs(b.Hi()-b.Lo())
	if total == 0 {
		if a.Pos == b.Pos {
			return 1
		}
		return math.Inf(-1)
	}
	span := math.Max(math.Abs(a.Hi()-b.Lo()), math.Abs(b.Hi()-a.Lo()))
	return 2 - 2*span/total
}

// Aggregate clusters items, which must be sorted ascending by Pos. Each item
// is compared only with the representative of the last cluster; it joins that
// cluster when their overlap factor is strictly greater than threshold.
// A nil cmp keeps the first item of every cluster as its representative.
func Aggregate(items []Item, cmp Compare, threshold float64) []Cluster {
	var clusters []Cluster
	for _, it := range items {
		if len(clusters) == 0 {
			clusters = append(clusters, Cluster{Representative: it, Members: []Item{it}})
			continue
		}
		last := &clusters[len(clusters)-1]
		if Overlap(it, last.Representative) > threshold {
			last.Members = append(last.Members, it)
			if cmp != nil && cmp(it, last.Representative) > 0 {
				last.Representative = it
			}
			continue
		}
		clusters = append(clusters, Cluster{Representative: it, Members: []Item{it}})
	}
	return clusters
}

// Representatives returns the representative event of each cluster
func Representatives(clusters []Cluster) []domain.Event {
	out := make([]domain.Event, len(clusters))
	for i, c := range clusters {
		out[i] = c.Representative.Event
	}
	return out
}
