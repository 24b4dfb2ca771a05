// Package graph derives communication channels (rings and trees) from the
// topology model. The search is an explicit-stack backtracking walk over
// candidate ring permutations scored by link class and bandwidth; trees are a
// separate pass that builds double binary trees over each ring's ordering.
package graph

import "fmt"

// Ring is a cyclic ordering of ranks. Prev and Next are indexed by rank and
// materialized from Order by the connect pass.
type Ring struct {
	Order []int // cyclic rank order, every rank exactly once
	Prev  []int // per-rank predecessor
	Next  []int // per-rank successor
}

// Tree assigns each rank at most one parent and up to two children, used for
// reduction/broadcast patterns.
type Tree struct {
	Root  int
	Up    []int   // parent per rank, -1 for the root
	Down  [][]int // children per rank
	Depth int     // approximate depth, for pipelining heuristics
}

// Channel is one parallel data path of a communicator: a ring plus a tree
// over the same rank set.
type Channel struct {
	ID   int
	Ring Ring
	Tree Tree
}

// Plan is the ordered channel list produced by Search or supplied by an
// external plan producer.
type Plan struct {
	Channels []Channel
	Degraded bool     // true when the search fell back to a suboptimal pattern
	Warnings []string // construction-time degradation notes, reported once
}

// DegradedTopology records a non-fatal search fallback. It satisfies error so
// callers can collect it with their usual machinery, but it never aborts a
// communicator build.
type DegradedTopology struct {
	Reason string
}

func (e *DegradedTopology) Error() string {
	return "degraded topology: " + e.Reason
}

// Validate checks a plan (searched or externally supplied) against the rank
// count: every ring must be a permutation cycle over all ranks and every tree
// must span all ranks with exactly one root.
func Validate(p *Plan, nRanks int) error {
	if len(p.Channels) == 0 {
		return fmt.Errorf("plan has no channels")
	}
	for _, ch := range p.Channels {
		if err := validateRing(ch.Ring, nRanks); err != nil {
			return fmt.Errorf("channel %d: %w", ch.ID, err)
		}
		if err := validateTree(ch.Tree, nRanks); err != nil {
			return fmt.Errorf("channel %d: %w", ch.ID, err)
		}
	}
	return nil
}

func validateRing(r Ring, nRanks int) error {
	if len(r.Order) != nRanks {
		return fmt.Errorf("ring covers %d ranks, want %d", len(r.Order), nRanks)
	}
	seen := make([]bool, nRanks)
	for _, rank := range r.Order {
		if rank < 0 || rank >= nRanks {
			return fmt.Errorf("ring contains out-of-range rank %d", rank)
		}
		if seen[rank] {
			return fmt.Errorf("ring repeats rank %d", rank)
		}
		seen[rank] = true
	}
	return nil
}

func validateTree(t Tree, nRanks int) error {
	if len(t.Up) != nRanks {
		return fmt.Errorf("tree covers %d ranks, want %d", len(t.Up), nRanks)
	}
	roots := 0
	for rank, up := range t.Up {
		if up == -1 {
			roots++
			if rank != t.Root {
				return fmt.Errorf("rank %d has no parent but root is %d", rank, t.Root)
			}
			continue
		}
		if up < 0 || up >= nRanks {
			return fmt.Errorf("rank %d has out-of-range parent %d", rank, up)
		}
	}
	if roots != 1 {
		return fmt.Errorf("tree has %d roots, want 1", roots)
	}
	// Walk down from the root; a spanning tree reaches every rank once.
	reached := make([]bool, nRanks)
	stack := []int{t.Root}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[r] {
			return fmt.Errorf("tree reaches rank %d twice", r)
		}
		reached[r] = true
		stack = append(stack, t.Down[r]...)
	}
	for rank, ok := range reached {
		if !ok {
			return fmt.Errorf("tree does not reach rank %d", rank)
		}
	}
	return nil
}

// Connect materializes per-rank ring adjacency from each channel's rank
// order. It must run before transport setup, which enumerates edges from
// Prev/Next.
func Connect(p *Plan) {
	for i := range p.Channels {
		ring := &p.Channels[i].Ring
		n := len(ring.Order)
		ring.Prev = make([]int, n)
		ring.Next = make([]int, n)
		for pos, rank := range ring.Order {
			ring.Next[rank] = ring.Order[(pos+1)%n]
			ring.Prev[rank] = ring.Order[(pos-1+n)%n]
		}
	}
}
