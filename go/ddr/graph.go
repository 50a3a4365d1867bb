// Package ddr implements the Deadlock Resolver: the periodic actor that
// gossips local wait-for graphs between partitions in a region and
// deterministically rewires stable strongly-connected components to break
// cycles. Grounded on original_source/module/scheduler_components/
// ddr_lock_manager.cpp's DeadlockResolver class (spec.md §4.2).
package ddr

import (
	"sort"

	"github.com/ctring/detock/go/txn"
)

// Vertex is one transaction's view in a wait-for graph being assembled by
// the resolver, whether local (phase 1) or merged from all partitions
// (phase 3).
type Vertex struct {
	Id            txn.TxnId
	Edges         []txn.TxnId // waited_by, sentinels already filtered
	NumPartitions int32
	Stable        bool
	Deadlocked    bool
}

// Graph is an adjacency-list wait-for graph keyed by TxnId. Vertices are
// looked up by id rather than owned by pointer so that removal is O(1) and
// the inherently cyclic structure never needs owning pointers across
// vertices (spec.md §9, "cyclic graph management").
type Graph struct {
	vertices map[txn.TxnId]*Vertex
}

func NewGraph() *Graph {
	return &Graph{vertices: make(map[txn.TxnId]*Vertex)}
}

func (g *Graph) Upsert(v Vertex) {
	cp := v
	cp.Edges = append([]txn.TxnId(nil), v.Edges...)
	g.vertices[v.Id] = &cp
}

func (g *Graph) Get(id txn.TxnId) (*Vertex, bool) {
	v, ok := g.vertices[id]
	return v, ok
}

func (g *Graph) Remove(id txn.TxnId) { delete(g.vertices, id) }

func (g *Graph) Ids() []txn.TxnId {
	ids := make([]txn.TxnId, 0, len(g.vertices))
	for id := range g.vertices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (g *Graph) Len() int { return len(g.vertices) }

// BuildLocalGraph is phase 1: copy the lock manager's txn-info snapshot into
// a Graph, mark stability from each vertex's own view, then propagate
// unstability forward by BFS from every unstable vertex (any vertex
// reachable from an unstable one is itself unstable), and finally drop all
// unstable vertices. Dangling edges into removed vertices are left as-is;
// readers filter them.
func BuildLocalGraph(snapshot []LockSnapshot) *Graph {
	g := NewGraph()
	for _, s := range snapshot {
		g.Upsert(Vertex{
			Id:            s.Id,
			Edges:         filterSentinels(s.WaitedBy),
			NumPartitions: s.NumPartitions,
			Stable:        s.Stable,
			Deadlocked:    s.Deadlocked,
		})
	}
	propagateUnstability(g)
	for _, id := range g.Ids() {
		if v, _ := g.Get(id); !v.Stable {
			g.Remove(id)
		}
	}
	return g
}

// LockSnapshot is the subset of lockmgr.Snapshot that BuildLocalGraph needs;
// declared locally (field-for-field identical to lockmgr.Snapshot) so this
// package doesn't import lockmgr — go/scheduler converts between the two
// when wiring a live Manager to a Resolver, keeping ddr and lockmgr
// independently importable.
type LockSnapshot struct {
	Id            txn.TxnId
	WaitedBy      []txn.TxnId
	NumPartitions int32
	Stable        bool
	Deadlocked    bool
}

func filterSentinels(ids []txn.TxnId) []txn.TxnId {
	out := make([]txn.TxnId, 0, len(ids))
	for _, id := range ids {
		if id != txn.SentinelTxnId {
			out = append(out, id)
		}
	}
	return out
}

// propagateUnstability marks every vertex reachable from an unstable vertex
// as unstable too, via BFS over the edge direction (waited_by: an unstable
// txn's waiters can't be trusted to be stable either, since the unstable
// txn may still gain edges).
func propagateUnstability(g *Graph) {
	queue := make([]txn.TxnId, 0)
	for _, id := range g.Ids() {
		if v, _ := g.Get(id); !v.Stable {
			queue = append(queue, id)
		}
	}
	visited := make(map[txn.TxnId]bool, len(queue))
	for _, id := range queue {
		visited[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		v, ok := g.Get(id)
		if !ok {
			continue
		}
		for _, next := range v.Edges {
			nv, ok := g.Get(next)
			if !ok || visited[next] {
				continue
			}
			nv.Stable = false
			visited[next] = true
			queue = append(queue, next)
		}
	}
}
