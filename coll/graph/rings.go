package graph

import (
	"fmt"
	"sort"

	"github.com/collring/collring/coll/topo"
)

// RankInfo locates one rank for the search: its device on its host, plus the
// bootstrap-exchanged topology summary of that host.
type RankInfo struct {
	Device  string
	Host    string
	Summary topo.Summary
}

// hopScore ranks a candidate next hop. Higher link kind wins, then higher
// bandwidth, then fewer hops.
type hopScore struct {
	kind      topo.LinkKind
	bandwidth float64
	hops      int
}

func better(a, b hopScore) bool {
	if a.kind != b.kind {
		return a.kind > b.kind
	}
	if a.bandwidth != b.bandwidth {
		return a.bandwidth > b.bandwidth
	}
	return a.hops < b.hops
}

// interHostHops is the latency class charged for leaving the host.
const interHostHops = 4

// searchState holds the mutable side of the ring search: per-link channel
// capacity accounting shared by all channels of a plan.
type searchState struct {
	g          *topo.Graph
	ranks      []RankInfo
	capacity   map[string]int // physical link id -> channels already backed
	maxPerLink int
}

func newSearchState(g *topo.Graph, ranks []RankInfo, maxPerLink int) *searchState {
	return &searchState{
		g:          g,
		ranks:      ranks,
		capacity:   make(map[string]int),
		maxPerLink: maxPerLink,
	}
}

// score returns the hop score for rank a -> rank b, or ok=false when no path
// exists between them.
func (s *searchState) score(a, b int) (hopScore, bool) {
	ra, rb := s.ranks[a], s.ranks[b]
	if ra.Host == rb.Host {
		if ra.Host == s.g.Host() {
			p, ok := s.g.DevicePath(ra.Device, rb.Device)
			if !ok {
				return hopScore{}, false
			}
			return hopScore{kind: p.Kind, bandwidth: p.Bandwidth, hops: p.Hops}, true
		}
		// Co-located ranks on a remote host: score from the exchanged summary.
		if ra.Summary.IntraBandwidth <= 0 {
			return hopScore{}, false
		}
		return hopScore{kind: ra.Summary.FastestLink, bandwidth: ra.Summary.IntraBandwidth, hops: 1}, true
	}
	bw := ra.Summary.NICBandwidth
	if rb.Summary.NICBandwidth < bw {
		bw = rb.Summary.NICBandwidth
	}
	if bw <= 0 {
		return hopScore{}, false
	}
	return hopScore{kind: topo.LinkNet, bandwidth: bw, hops: interHostHops}, true
}

// linkID identifies the physical resource a hop consumes, for capacity
// accounting: the device pair on one host, or the host pair across hosts.
func (s *searchState) linkID(a, b int) string {
	ra, rb := s.ranks[a], s.ranks[b]
	if ra.Host == rb.Host {
		da, db := ra.Device, rb.Device
		if da > db {
			da, db = db, da
		}
		return ra.Host + "/" + da + "-" + db
	}
	ha, hb := ra.Host, rb.Host
	if ha > hb {
		ha, hb = hb, ha
	}
	return ha + "~" + hb
}

func (s *searchState) hasCapacity(a, b int) bool {
	return s.capacity[s.linkID(a, b)] < s.maxPerLink
}

func (s *searchState) commitRing(order []int) {
	n := len(order)
	for i := 0; i < n; i++ {
		s.capacity[s.linkID(order[i], order[(i+1)%n])]++
	}
}

// candidates returns the unused ranks reachable from rank with remaining link
// capacity, best hop first. Rank order breaks exact ties for determinism.
func (s *searchState) candidates(rank int, used []bool) []int {
	type scored struct {
		rank  int
		score hopScore
	}
	var cands []scored
	for r := range s.ranks {
		if used[r] || r == rank {
			continue
		}
		sc, ok := s.score(rank, r)
		if !ok || !s.hasCapacity(rank, r) {
			continue
		}
		cands = append(cands, scored{rank: r, score: sc})
	}
	sort.Slice(cands, func(i, j int) bool {
		if better(cands[i].score, cands[j].score) {
			return true
		}
		if better(cands[j].score, cands[i].score) {
			return false
		}
		return cands[i].rank < cands[j].rank
	})
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.rank
	}
	return out
}

// ringFrame is one level of the explicit backtracking stack: the rank placed
// at this depth and the candidate cursor for the next hop.
type ringFrame struct {
	rank  int
	cands []int
	idx   int
}

// findRing searches for one ring covering all ranks under the current
// capacity accounting. The walk is greedy with index-based backtracking (no
// recursion): at each depth it tries candidates best-first and pops the frame
// when none remains. Returns nil when no valid ring exists.
func (s *searchState) findRing() []int {
	n := len(s.ranks)
	if n == 1 {
		return []int{0}
	}
	used := make([]bool, n)
	used[0] = true
	order := []int{0}
	stack := []ringFrame{{rank: 0, cands: s.candidates(0, used)}}

	for len(stack) > 0 {
		if len(order) == n {
			// Ring complete if the closing hop back to rank 0 is viable.
			last := order[n-1]
			if _, ok := s.score(last, 0); ok && s.hasCapacity(last, 0) {
				out := make([]int, n)
				copy(out, order)
				return out
			}
			// Dead end: undo the last placement and keep trying siblings.
			used[last] = false
			order = order[:n-1]
			stack = stack[:len(stack)-1]
			continue
		}
		f := &stack[len(stack)-1]
		advanced := false
		for f.idx < len(f.cands) {
			next := f.cands[f.idx]
			f.idx++
			if used[next] {
				continue
			}
			used[next] = true
			order = append(order, next)
			stack = append(stack, ringFrame{rank: next, cands: s.candidates(next, used)})
			advanced = true
			break
		}
		if !advanced {
			stack = stack[:len(stack)-1]
			if len(order) > 1 {
				used[order[len(order)-1]] = false
				order = order[:len(order)-1]
			}
		}
	}
	return nil
}

// degenerateRing is the fallback pattern when no capacity-respecting ring
// exists: sequential rank order. Correct but performance-degraded.
func degenerateRing(nRanks int) []int {
	order := make([]int, nRanks)
	for i := range order {
		order[i] = i
	}
	return order
}

func ringString(order []int) string {
	s := ""
	for _, r := range order {
		s += fmt.Sprintf("%d->", r)
	}
	return s + fmt.Sprint(order[0])
}
