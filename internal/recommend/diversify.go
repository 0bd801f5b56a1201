package recommend

import (
	"cmp"
	"maps"
	"slices"
)

const (
	// diversifyWindow is the number of picks after which the recently used genre set resets.
	diversifyWindow = 3
	// maxRun is the longest run of consecutive items sharing a genre that Diversify allows
	// while it has a choice.
	maxRun = 2
	// searchBudget bounds the picks tried while backtracking for the dominant genres.
	searchBudget = 20000
)

// Keyed is anything with a deduplication key.
type Keyed interface {
	Key() string
}

// Genred is anything tagged with genre IDs.
type Genred interface {
	Genres() []int
}

// Deduplicate keeps the first occurrence of every key.
func Deduplicate[T Keyed](items []T) []T {
	seen := make(map[string]bool, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := it.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

// Diversify greedily reorders items so consecutive picks share as few genres as possible.
//
// At each step it picks the remaining item with the highest fraction of genres not used in
// the current window. Ties go to the item sharing fewer genres with the previous pick, then
// to the item whose genres are more frequent in the remaining pool, then to input order.
//
// Run limits narrow the choice before scoring. A genre carried by at least 60% of the items
// is dominant: its runs never exceed maxRun when that is achievable, backtracking out of
// dead ends if needed. If several dominant genres cannot all be limited, the ones listed
// earlier in the items' genre lists keep the guarantee. Every other genre is avoided past
// maxRun, and hurried along when its items outnumber the rest, only while that leaves a
// choice.
func Diversify[T Genred](items []T) []T {
	if len(items) <= 2 {
		return slices.Clone(items)
	}

	d := newDiversifier(items)
	start := pickState{
		remaining: make([]int, len(items)),
		run:       map[int]int{},
		used:      map[int]bool{},
	}
	for i := range start.remaining {
		start.remaining[i] = i
	}

	var order []int
	for {
		d.budget = searchBudget
		var ok bool
		if order, ok = d.search(start, len(d.protected) > 0); ok {
			break
		}
		d.protected = d.protected[:len(d.protected)-1]
	}

	out := make([]T, len(order))
	for i, idx := range order {
		out[i] = items[idx]
	}
	return out
}

type diversifier struct {
	genres    [][]int
	priority  []int // all genres, most frequent first
	protected []int // dominant genres whose runs are a hard limit, primary genres first
	budget    int
}

type pickState struct {
	remaining []int
	out       []int
	run       map[int]int
	used      map[int]bool
	prev      []int
}

func newDiversifier[T Genred](items []T) *diversifier {
	n := len(items)
	d := &diversifier{genres: make([][]int, n)}
	count := map[int]int{}
	position := map[int]int{}
	first := map[int]int{}
	for i, it := range items {
		d.genres[i] = distinct(it.Genres())
		for k, g := range d.genres[i] {
			if _, seen := first[g]; !seen {
				first[g] = i
				d.priority = append(d.priority, g)
			}
			count[g]++
			position[g] += k
		}
	}

	slices.SortStableFunc(d.priority, func(a, b int) int {
		return cmp.Or(
			cmp.Compare(count[b], count[a]),
			cmp.Compare(position[a], position[b]),
			cmp.Compare(first[a], first[b]),
		)
	})
	for _, g := range d.priority {
		c := count[g]
		if c*5 >= 3*n && c <= maxRun+maxRun*(n-c) {
			d.protected = append(d.protected, g)
		}
	}
	// Genres listed earlier on average are the items' primary genres; they keep the limit first.
	slices.SortStableFunc(d.protected, func(a, b int) int {
		return cmp.Compare(position[a]*count[b], position[b]*count[a])
	})
	return d
}

// search extends st depth first. In strict mode it gives up once the budget is spent.
func (d *diversifier) search(st pickState, strict bool) ([]int, bool) {
	if len(st.remaining) == 0 {
		return st.out, true
	}

	used := st.used
	if len(st.out) > 0 && len(st.out)%diversifyWindow == 0 {
		used = map[int]bool{}
	}

	for _, pos := range d.rank(st, used) {
		d.budget--
		if strict && d.budget < 0 {
			return nil, false
		}

		idx := st.remaining[pos]
		picked := d.genres[idx]
		next := pickState{
			remaining: slices.Delete(slices.Clone(st.remaining), pos, pos+1),
			out:       append(slices.Clip(st.out), idx),
			run:       make(map[int]int, len(picked)),
			used:      maps.Clone(used),
			prev:      picked,
		}
		for _, g := range picked {
			next.run[g] = st.run[g] + 1
			next.used[g] = true
		}
		if out, ok := d.search(next, strict); ok {
			return out, true
		}
	}
	return nil, false
}

// rank returns the positions in st.remaining that respect every protected genre,
// best first.
func (d *diversifier) rank(st pickState, used map[int]bool) []int {
	count := map[int]int{}
	for _, idx := range st.remaining {
		for _, g := range d.genres[idx] {
			count[g]++
		}
	}
	allowed := func(g, pos int) bool {
		c := count[g]
		if slices.Contains(d.genres[st.remaining[pos]], g) {
			return st.run[g] < maxRun
		}
		// Leaving g out is fine while the items without it can still separate its runs.
		return c <= maxRun*(len(st.remaining)-c)
	}

	preferred := make([]int, len(st.remaining))
	for pos := range preferred {
		preferred[pos] = pos
	}
	for _, g := range d.priority {
		if count[g] == 0 {
			continue
		}
		narrowed := slices.DeleteFunc(slices.Clone(preferred), func(pos int) bool { return !allowed(g, pos) })
		if len(narrowed) > 0 {
			preferred = narrowed
		}
	}

	var candidates []int
	for pos := range st.remaining {
		ok := true
		for _, g := range d.protected {
			if count[g] > 0 && !allowed(g, pos) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, pos)
		}
	}

	type score struct {
		preferred bool
		unused    float64
		shared    int
		weight    int
	}
	scores := make(map[int]score, len(candidates))
	for _, pos := range candidates {
		genres := d.genres[st.remaining[pos]]
		sc := score{preferred: slices.Contains(preferred, pos)}
		unused := 0
		for _, g := range genres {
			if !used[g] {
				unused++
			}
			if slices.Contains(st.prev, g) {
				sc.shared++
			}
			sc.weight += count[g]
		}
		sc.unused = float64(unused) / float64(max(len(genres), 1))
		scores[pos] = sc
	}

	slices.SortStableFunc(candidates, func(a, b int) int {
		sa, sb := scores[a], scores[b]
		if sa.preferred != sb.preferred {
			if sa.preferred {
				return -1
			}
			return 1
		}
		return cmp.Or(
			cmp.Compare(sb.unused, sa.unused),
			cmp.Compare(sa.shared, sb.shared),
			cmp.Compare(sb.weight, sa.weight),
		)
	})
	return candidates
}

func distinct(ids []int) []int {
	if len(ids) < 2 {
		return ids
	}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
