package stats

import (
	"slices"
	"sort"
)

// Group is one distinct value and the number of rows holding it. Classifiers
// take groups sorted by Value ascending with no duplicate values.
type Group struct {
	Value float64
	Count int64
}

// Compact collapses sorted values into groups.
func Compact(sorted []float64) []Group {
	var groups []Group
	for _, v := range sorted {
		if n := len(groups); n > 0 && groups[n-1].Value == v {
			groups[n-1].Count++
			continue
		}
		groups = append(groups, Group{Value: v, Count: 1})
	}
	return groups
}

func total(groups []Group) int64 {
	var n int64
	for _, g := range groups {
		n += g.Count
	}
	return n
}

// Class is one resulting bin. Every class is [Min, Max) except the last,
// which is [Min, Max].
type Class struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

// boundariesAt converts interior cut positions (group indices where a new
// class starts) into break values. An interior break sits halfway between the
// last value of one class and the first value of the next, so that every
// value lands in its class under the [lo, hi) convention.
func boundariesAt(groups []Group, cuts []int) []float64 {
	if len(groups) == 0 {
		return nil
	}
	if len(groups) == 1 {
		return []float64{groups[0].Value}
	}
	b := make([]float64, 0, len(cuts)+2)
	b = append(b, groups[0].Value)
	for _, c := range cuts {
		lo, hi := groups[c-1].Value, groups[c].Value
		m := lo + (hi-lo)/2
		if m <= lo {
			m = hi
		}
		b = append(b, m)
	}
	return append(b, groups[len(groups)-1].Value)
}

// EqualInterval returns k+1 breaks dividing [min, max] into k classes of equal
// width. The last break is exactly max. min == max yields the single break min.
func EqualInterval(min, max float64, k int) []float64 {
	if k < 1 || min >= max {
		return []float64{min}
	}
	w := (max - min) / float64(k)
	b := make([]float64, 0, k+1)
	b = append(b, min)
	for i := 1; i < k; i++ {
		v := min + float64(i)*w
		if v > b[len(b)-1] && v < max {
			b = append(b, v)
		}
	}
	return append(b, max)
}

// Quantile returns breaks for k classes holding as close to n/k rows each as
// ties allow. Cut i targets row round(i*n/k) and snaps to the nearest position
// where the value changes, preferring the lower position on equal distance.
// Cuts that collapse onto an earlier cut are dropped.
func Quantile(groups []Group, k int) []float64 {
	return boundariesAt(groups, quantileCuts(groups, k))
}

func quantileCuts(groups []Group, k int) []int {
	g := len(groups)
	if g < 2 || k < 2 {
		return nil
	}

	cum := make([]int64, g+1)
	for i, gr := range groups {
		cum[i+1] = cum[i] + gr.Count
	}
	n := cum[g]

	var cuts []int
	for i := 1; i < k; i++ {
		target := (2*int64(i)*n + int64(k)) / (2 * int64(k))
		j := sort.Search(g+1, func(j int) bool { return cum[j] >= target })

		best := -1
		var bestDist int64
		for _, c := range []int{j - 1, j} {
			if c < 1 || c > g-1 {
				continue
			}
			d := cum[c] - target
			if d < 0 {
				d = -d
			}
			if best < 0 || d < bestDist {
				best, bestDist = c, d
			}
		}
		if best < 0 || (len(cuts) > 0 && best <= cuts[len(cuts)-1]) {
			continue
		}
		cuts = append(cuts, best)
	}
	return cuts
}

// DefaultMaxIterations caps natural-breaks refinement.
const DefaultMaxIterations = 1000

// NaturalBreaks returns Jenks-style breaks for k classes. Classes are seeded
// from quantile cuts, then each iteration moves every interior cut, in order,
// to the position between its neighbours that minimises the summed squared
// deviation of the two classes it separates. A cut moves only on a strict
// improvement and the lowest such position wins, so the result depends on the
// input alone. Refinement stops when an iteration moves nothing or after
// maxIter iterations.
func NaturalBreaks(groups []Group, k, maxIter int) []float64 {
	g := len(groups)
	if g < 2 || k < 2 {
		return boundariesAt(groups, nil)
	}
	if k > g {
		k = g
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	cuts := quantileCuts(groups, k)
	if len(cuts) < k-1 {
		cuts = evenCuts(g, k)
	}

	ssd := newSSD(groups)
	tol := 1e-12 * (1 + ssd.total(cuts))

	for iter := 0; iter < maxIter; iter++ {
		next := slices.Clone(cuts)
		moved := false
		for i := range next {
			start, end := 0, g
			if i > 0 {
				start = next[i-1]
			}
			if i+1 < len(next) {
				end = next[i+1]
			}
			cur := next[i]
			bestPos, bestVal := cur, ssd.of(start, cur)+ssd.of(cur, end)
			for p := start + 1; p < end; p++ {
				if v := ssd.of(start, p) + ssd.of(p, end); v < bestVal-tol {
					bestPos, bestVal = p, v
				}
			}
			if bestPos != cur {
				next[i] = bestPos
				moved = true
			}
		}
		cuts = next
		if !moved {
			break
		}
	}
	return boundariesAt(groups, cuts)
}

// evenCuts spreads k-1 cuts over g groups by group index.
func evenCuts(g, k int) []int {
	cuts := make([]int, 0, k-1)
	for i := 1; i < k; i++ {
		c := (2*i*g + k) / (2 * k)
		if c < 1 {
			c = 1
		}
		if len(cuts) > 0 && c <= cuts[len(cuts)-1] {
			c = cuts[len(cuts)-1] + 1
		}
		if c > g-1 {
			break
		}
		cuts = append(cuts, c)
	}
	return cuts
}

// ssdTable answers within-class sum of squared deviations for any group range
// in O(1) from prefix sums over values centred on the overall mean.
type ssdTable struct {
	w, s, q []float64
}

func newSSD(groups []Group) ssdTable {
	var sum, n float64
	for _, g := range groups {
		sum += g.Value * float64(g.Count)
		n += float64(g.Count)
	}
	mean := sum / n

	t := ssdTable{
		w: make([]float64, len(groups)+1),
		s: make([]float64, len(groups)+1),
		q: make([]float64, len(groups)+1),
	}
	for i, g := range groups {
		c := float64(g.Count)
		v := g.Value - mean
		t.w[i+1] = t.w[i] + c
		t.s[i+1] = t.s[i] + c*v
		t.q[i+1] = t.q[i] + c*v*v
	}
	return t
}

// of returns the SSD of groups[a:b].
func (t ssdTable) of(a, b int) float64 {
	w := t.w[b] - t.w[a]
	if w == 0 {
		return 0
	}
	s := t.s[b] - t.s[a]
	v := t.q[b] - t.q[a] - s*s/w
	if v < 0 {
		return 0
	}
	return v
}

func (t ssdTable) total(cuts []int) float64 {
	var sum float64
	prev := 0
	for _, c := range cuts {
		sum += t.of(prev, c)
		prev = c
	}
	return sum + t.of(prev, len(t.w)-1)
}

// HeadTail returns head/tail breaks for heavy-tailed data: split at the mean,
// recurse into the head (values above the mean) while it holds less than 40%
// of the rows, up to k classes.
func HeadTail(groups []Group, k int) []float64 {
	g := len(groups)
	if g < 2 {
		return boundariesAt(groups, nil)
	}
	breaks := []float64{groups[0].Value}
	lo := 0
	for interior := 0; interior < k-1; interior++ {
		var sum float64
		var n int64
		for _, gr := range groups[lo:] {
			sum += gr.Value * float64(gr.Count)
			n += gr.Count
		}
		mean := sum / float64(n)

		j := sort.Search(g-lo, func(i int) bool { return groups[lo+i].Value > mean }) + lo
		if j >= g || mean <= breaks[len(breaks)-1] {
			break
		}
		breaks = append(breaks, mean)

		head := total(groups[j:])
		if float64(head)/float64(n) >= 0.4 || g-j < 2 {
			break
		}
		lo = j
	}
	return append(breaks, groups[g-1].Value)
}

// CountInBreaks counts rows per class. A value v falls in class i when
// breaks[i] <= v < breaks[i+1], the last class also including its upper
// break. Values outside [breaks[0], breaks[last]] are not counted. A single
// break forms one class holding the rows equal to it.
func CountInBreaks(groups []Group, breaks []float64) []int64 {
	switch len(breaks) {
	case 0:
		return nil
	case 1:
		var n int64
		for _, g := range groups {
			if g.Value == breaks[0] {
				n += g.Count
			}
		}
		return []int64{n}
	}

	counts := make([]int64, len(breaks)-1)
	interior := breaks[1 : len(breaks)-1]
	for _, g := range groups {
		if g.Value < breaks[0] || g.Value > breaks[len(breaks)-1] {
			continue
		}
		counts[bucket(interior, g.Value)] += g.Count
	}
	return counts
}

// bucket returns how many interior breaks are <= v, matching PostgreSQL's
// width_bucket(v, thresholds).
func bucket(interior []float64, v float64) int {
	return sort.Search(len(interior), func(i int) bool { return interior[i] > v })
}

// Classes pairs breaks with counts.
func Classes(breaks []float64, counts []int64) []Class {
	if len(breaks) == 1 {
		return []Class{{Min: breaks[0], Max: breaks[0], Count: counts[0]}}
	}
	classes := make([]Class, 0, len(counts))
	for i, c := range counts {
		classes = append(classes, Class{Min: breaks[i], Max: breaks[i+1], Count: c})
	}
	return classes
}
