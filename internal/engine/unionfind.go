package engine

// unionFind is a disjoint-set structure over observation ids. Burst
// sibling chains collapse to a canonical representative instead of
// observations pointing at each other, which avoids pointer cycles when
// groups are unioned.
type unionFind struct {
	parent map[int64]int64
	rank   map[int64]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[int64]int64),
		rank:   make(map[int64]int),
	}
}

// find returns the canonical representative for id, with path compression.
func (u *unionFind) find(id int64) int64 {
	root, ok := u.parent[id]
	if !ok {
		u.parent[id] = id
		return id
	}
	if root == id {
		return id
	}
	canonical := u.find(root)
	u.parent[id] = canonical
	return canonical
}

// union merges the sets containing a and b.
func (u *unionFind) union(a, b int64) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// members returns every id in the same set as id, in arbitrary order.
func (u *unionFind) members(id int64) []int64 {
	root := u.find(id)
	var out []int64
	for candidate := range u.parent {
		if u.find(candidate) == root {
			out = append(out, candidate)
		}
	}
	return out
}
