package graph

// Balanced binary tree construction. Trees are computed over ring positions
// so that tree neighbors stay ring-local, then translated to actual ranks
// through the channel's ring order. Two complementary trees are built per
// ring (the second mirrored or shifted depending on parity) and assigned to
// channels alternately, so every non-root rank is a leaf in one of the two.

// btree computes parent and children of position rank in a balanced binary
// tree over nranks positions rooted at 0. Returns -1 for absent relations.
func btree(nranks, rank int) (up, down0, down1 int) {
	bit := 1
	for bit < nranks {
		if bit&rank != 0 {
			break
		}
		bit <<= 1
	}

	if rank == 0 {
		if nranks > 1 {
			return -1, -1, bit >> 1
		}
		return -1, -1, -1
	}

	up = (rank ^ bit) | (bit << 1)
	if up >= nranks {
		up = rank ^ bit
	}

	lowbit := bit >> 1
	down0, down1 = -1, -1
	if lowbit > 0 {
		down0 = rank - lowbit
		down1 = rank + lowbit
		for down1 >= nranks {
			lowbit >>= 1
			if lowbit == 0 {
				down1 = -1
				break
			}
			down1 = rank + lowbit
		}
	}
	return up, down0, down1
}

// dtree computes position rank's relations in the pair of complementary
// trees. Tree 0 is the plain btree; tree 1 is the btree shifted by one
// position when nranks is odd, mirrored otherwise. The mirror/shift keeps
// the two trees' interior nodes disjoint so each rank forwards data in at
// most one of them.
func dtree(nranks, rank int) (u0, d00, d01, u1, d10, d11 int) {
	u0, d00, d01 = btree(nranks, rank)
	if nranks%2 == 1 {
		shift := func(p int) int {
			if p == -1 {
				return -1
			}
			return (p + 1) % nranks
		}
		u, d0, d1 := btree(nranks, (rank-1+nranks)%nranks)
		u1, d10, d11 = shift(u), shift(d0), shift(d1)
	} else {
		mirror := func(p int) int {
			if p == -1 {
				return -1
			}
			return nranks - 1 - p
		}
		u, d0, d1 := btree(nranks, nranks-1-rank)
		u1, d10, d11 = mirror(u), mirror(d0), mirror(d1)
	}
	return u0, d00, d01, u1, d10, d11
}

// buildTree materializes the Tree for one channel: variant selects tree 0 or
// tree 1 of the pair, positions are translated through the ring order.
func buildTree(order []int, variant int) Tree {
	n := len(order)
	t := Tree{
		Up:   make([]int, n),
		Down: make([][]int, n),
	}
	for pos := 0; pos < n; pos++ {
		u0, d00, d01, u1, d10, d11 := dtree(n, pos)
		up, d0, d1 := u0, d00, d01
		if variant%2 == 1 {
			up, d0, d1 = u1, d10, d11
		}
		rank := order[pos]
		if up == -1 {
			t.Up[rank] = -1
			t.Root = rank
		} else {
			t.Up[rank] = order[up]
		}
		for _, d := range []int{d0, d1} {
			if d != -1 {
				t.Down[rank] = append(t.Down[rank], order[d])
			}
		}
	}
	t.Depth = treeDepth(t)
	return t
}

func treeDepth(t Tree) int {
	max := 0
	var walk func(rank, depth int)
	walk = func(rank, depth int) {
		if depth > max {
			max = depth
		}
		for _, c := range t.Down[rank] {
			walk(c, depth+1)
		}
	}
	walk(t.Root, 0)
	return max
}
