package worker

import "sort"

// fairQueue implements weighted fair queuing over a fixed set of names.
// Each name accrues a virtual cost of invocations/weight; Order returns
// names cheapest first so long-run invocation ratios converge to the
// configured weight ratios. Ties break on name, which makes scheduling
// deterministic and testable. The set of names is fixed at construction;
// the loop owns the structure afterwards.
type fairQueue struct {
	entries []*fairEntry
}

type fairEntry struct {
	name        string
	weight      float64
	invocations int
}

func newFairQueue(weights map[string]float64) *fairQueue {
	q := &fairQueue{}
	for name, w := range weights {
		if w <= 0 {
			w = 1
		}
		q.entries = append(q.entries, &fairEntry{name: name, weight: w})
	}
	sort.Slice(q.entries, func(i, j int) bool { return q.entries[i].name < q.entries[j].name })
	return q
}

func (e *fairEntry) cost() float64 {
	return float64(e.invocations) / e.weight
}

// Order returns all names ordered by (accumulated cost, name).
func (q *fairQueue) Order() []string {
	sorted := make([]*fairEntry, len(q.entries))
	copy(sorted, q.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].cost(), sorted[j].cost()
		if ci != cj {
			return ci < cj
		}
		return sorted[i].name < sorted[j].name
	})
	names := make([]string, len(sorted))
	for i, e := range sorted {
		names[i] = e.name
	}
	return names
}

// Charge records one invocation of name.
func (q *fairQueue) Charge(name string) {
	for _, e := range q.entries {
		if e.name == name {
			e.invocations++
			return
		}
	}
}
