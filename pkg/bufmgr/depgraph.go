package bufmgr

import "sync"

// depEdge records that `from` (the newer/dependent frame) must not be
// flushed before `to` (the frame it depends on), e.g. a freshly
// allocated foster sibling depending on the split source page being
// durable first. Modeled directly on WaitsForGraph
// (pkg/concurrency/deadlock.go): a flat edge slice plus a linear DFS,
// generalized from transactions to frames.
type depEdge struct {
	from, to *Frame
}

// depGraph tracks write-order dependencies between dirty frames and
// detects when a new edge would close a cycle. Rather than refusing
// such a dependency, it merges both frames into one "super-dirty" flush
// group, so a cycle never has to be reported to the caller as an error
// — it becomes a coarser flush unit.
type depGraph struct {
	mu      sync.Mutex
	edges   []depEdge
	nextGrp int
}

func newDepGraph() *depGraph {
	return &depGraph{nextGrp: 1}
}

// register adds the src->dst dependency (dst depends on src being
// flushed first). If doing so would create a cycle, it instead unions
// src and dst into the same flush group and drops the edges between
// them, since members of one group are always flushed together and no
// longer need an explicit order.
func (g *depGraph) register(src, dst *Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges = append(g.edges, depEdge{from: dst, to: src})
	if !g.hasCycle() {
		return
	}
	g.mergeGroups(src, dst)
	g.dropEdgesWithin(src.groupID)
}

func (g *depGraph) hasCycle() bool {
	if len(g.edges) == 0 {
		return false
	}
	return dfsHasCycle(g.edges, g.edges[len(g.edges)-1].from, make(map[*Frame]bool))
}

// dfsHasCycle walks edges exactly the way deadlock.go's dfs does:
// a linear scan per hop rather than an adjacency index, since the
// number of live dependency edges between dirty frames is small.
func dfsHasCycle(edges []depEdge, from *Frame, seen map[*Frame]bool) bool {
	for _, e := range edges {
		if e.from != from {
			continue
		}
		if seen[e.to] {
			return true
		}
		seen[e.to] = true
		if dfsHasCycle(edges, e.to, seen) {
			return true
		}
	}
	return false
}

func (g *depGraph) mergeGroups(src, dst *Frame) {
	switch {
	case src.groupID == 0 && dst.groupID == 0:
		g.nextGrp++
		src.groupID = g.nextGrp
		dst.groupID = g.nextGrp
	case src.groupID == 0:
		src.groupID = dst.groupID
	case dst.groupID == 0:
		dst.groupID = src.groupID
	default:
		// Both already belong to groups; fold dst's group into src's by
		// relabeling every edge endpoint that carries dst's old id.
		oldGroup, newGroup := dst.groupID, src.groupID
		for _, e := range g.edges {
			if e.from.groupID == oldGroup {
				e.from.groupID = newGroup
			}
			if e.to.groupID == oldGroup {
				e.to.groupID = newGroup
			}
		}
	}
}

func (g *depGraph) dropEdgesWithin(group int) {
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.from.groupID == group && e.to.groupID == group {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
}

// hasDependency reports whether dst already depends on src flushing
// first, either through a direct edge or because a prior cycle folded
// them into the same flush group. Used by merge-foster's "don't
// proceed if a dependency already exists" guard: merging two pages
// that already carry a left-before-right dependency in the other
// direction would need the edge reversed, which the graph doesn't
// support, so the merge is skipped instead.
func (g *depGraph) hasDependency(src, dst *Frame) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if src.groupID != 0 && src.groupID == dst.groupID {
		return true
	}
	for _, e := range g.edges {
		if e.from == dst && e.to == src {
			return true
		}
	}
	return false
}

// clear removes every edge touching a frame, called on unfix/flush once
// a frame's dependencies are satisfied.
func (g *depGraph) clear(f *Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.from == f || e.to == f {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
}
