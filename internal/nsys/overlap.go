package nsys

import (
	"cmp"
	"slices"
)

// Span is the half-open interval [Start, End). An Unbounded span has no end.
type Span struct {
	Start     int64
	End       int64
	Unbounded bool
}

// Contains reports whether t lies in [Start, End).
func (s Span) Contains(t int64) bool {
	return t >= s.Start && (s.Unbounded || t < s.End)
}

// sweep point kinds, in the order they are processed at equal timestamps:
// an A ending at t does not contain a B starting at t, an A starting at t
// does.
const (
	pointEndA = iota
	pointStartA
	pointStartB
)

type sweepPoint struct {
	at    int64
	kind  int
	index int
}

// FindOverlapping returns, for every span in as, the indices of the spans in
// bs that started while it was active, i.e. whose Start lies in [a.Start,
// a.End). This is not a symmetric overlap test: a B that started before a
// and is still running when a starts does not match.
//
// Each list is ordered by B start time, ties in input order.
func FindOverlapping(as, bs []Span) [][]int {
	result := make([][]int, len(as))
	if len(as) == 0 || len(bs) == 0 {
		return result
	}

	points := make([]sweepPoint, 0, 2*len(as)+len(bs))
	for i, a := range as {
		if !a.Unbounded && a.End <= a.Start {
			// [s, s) contains nothing.
			continue
		}
		points = append(points, sweepPoint{at: a.Start, kind: pointStartA, index: i})
		if !a.Unbounded {
			points = append(points, sweepPoint{at: a.End, kind: pointEndA, index: i})
		}
	}
	for j, b := range bs {
		points = append(points, sweepPoint{at: b.Start, kind: pointStartB, index: j})
	}
	slices.SortStableFunc(points, func(x, y sweepPoint) int {
		if c := cmp.Compare(x.at, y.at); c != 0 {
			return c
		}
		return cmp.Compare(x.kind, y.kind)
	})

	active := make([]int, 0, len(as))
	position := make([]int, len(as))
	for _, p := range points {
		switch p.kind {
		case pointStartA:
			position[p.index] = len(active)
			active = append(active, p.index)
		case pointEndA:
			at := position[p.index]
			last := active[len(active)-1]
			active[at] = last
			position[last] = at
			active = active[:len(active)-1]
		case pointStartB:
			for _, a := range active {
				result[a] = append(result[a], p.index)
			}
		}
	}
	return result
}

// FindOverlappingNaive is the quadratic reference for FindOverlapping and
// returns identical results.
func FindOverlappingNaive(as, bs []Span) [][]int {
	order := make([]int, len(bs))
	for j := range order {
		order[j] = j
	}
	slices.SortStableFunc(order, func(x, y int) int {
		return cmp.Compare(bs[x].Start, bs[y].Start)
	})

	result := make([][]int, len(as))
	for i, a := range as {
		for _, j := range order {
			if a.Contains(bs[j].Start) {
				result[i] = append(result[i], j)
			}
		}
	}
	return result
}

func spansOf[T interface{ Span() Span }](items []T) []Span {
	spans := make([]Span, len(items))
	for i, item := range items {
		spans[i] = item.Span()
	}
	return spans
}
