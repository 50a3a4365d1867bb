package ddr

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/txn"
)

// PeerVertex is the wire shape of one vertex gossiped between partitions
// (spec.md §4.2 phase 2: "serialized (vertex, num_partitions, deadlocked,
// edges)").
type PeerVertex struct {
	Id            txn.TxnId
	Edges         []txn.TxnId
	NumPartitions int32
	Deadlocked    bool
}

// Gossip is the transport the resolver uses to exchange local graphs with
// peer partitions in its region. Implemented over gRPC by go/rpcpeer in
// production, and by an in-memory fan-out in tests.
type Gossip interface {
	// Broadcast sends this partition's local graph (already pruned to
	// stable vertices) to every peer partition in the region.
	Broadcast(ctx context.Context, vertices []PeerVertex) error
	// Collect returns the peer graphs that have arrived so far, keyed by
	// partition id; a peer whose graph has not arrived is absent.
	Collect(ctx context.Context) (map[uint32][]PeerVertex, error)
}

// LockManager is the subset of lockmgr.Manager the resolver depends on,
// declared locally to keep ddr and lockmgr independently importable.
type LockManager interface {
	Snapshot() []LockSnapshot
}

// MergeDelta mirrors lockmgr.MergeDelta; duplicated here (rather than
// imported) so ddr has no compile-time dependency on lockmgr, matching the
// rest of this package's "ids + table lookups, no owning pointers across
// packages" discipline.
type MergeDelta struct {
	Id                 txn.TxnId
	RewrittenPrefix    []txn.TxnId
	NumWaitingForDelta int32
	Deadlocked         bool
}

// Resolver runs the five-phase algorithm of spec.md §4.2 on a fixed tick.
type Resolver struct {
	log           ops.Logger
	localPartition uint32
	gossip        Gossip
	interval      time.Duration
	deadlocksResolved prometheusCounter
}

// prometheusCounter is the minimal surface Resolver needs from
// ops.Metrics.DeadlocksResolved, avoiding an import of the prometheus client
// types in this package's public API.
type prometheusCounter interface{ Inc() }

func NewResolver(log ops.Logger, localPartition uint32, gossip Gossip, interval time.Duration, deadlocksResolved prometheusCounter) *Resolver {
	return &Resolver{
		log:               log,
		localPartition:    localPartition,
		gossip:            gossip,
		interval:          interval,
		deadlocksResolved: deadlocksResolved,
	}
}

// Run ticks at r.interval until ctx is cancelled, invoking one resolution
// round per tick via RunOnce. A zero interval disables the resolver
// entirely (spec.md §6, ddr_interval "0 disables").
func (r *Resolver) Run(ctx context.Context, snapshot func() []LockSnapshot, onMerge func([]MergeDelta, []txn.TxnId)) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deltas, ready := r.RunOnce(ctx, snapshot())
			if len(deltas) > 0 {
				onMerge(deltas, ready)
			}
		}
	}
}

// RunOnce executes phases 1-5 once against the given local snapshot,
// returning the merge deltas for the lock manager and the set of txn ids
// that were members of a rewired SCC (for deadlocked-flag bookkeeping and
// stats; true post-merge readiness is computed by lockmgr.Manager.Merge,
// not here, since a chained SCC member may still be blocked by its new
// predecessor).
func (r *Resolver) RunOnce(ctx context.Context, snapshot []LockSnapshot) ([]MergeDelta, []txn.TxnId) {
	local := BuildLocalGraph(snapshot)

	localVertices := make([]PeerVertex, 0, local.Len())
	for _, id := range local.Ids() {
		v, _ := local.Get(id)
		localVertices = append(localVertices, PeerVertex{
			Id: v.Id, Edges: v.Edges, NumPartitions: v.NumPartitions, Deadlocked: v.Deadlocked,
		})
	}
	if err := r.gossip.Broadcast(ctx, localVertices); err != nil {
		r.log.Log(log.WarnLevel, log.Fields{"err": err.Error()}, "ddr broadcast failed")
		return nil, nil
	}
	peerGraphs, err := r.gossip.Collect(ctx)
	if err != nil {
		r.log.Log(log.WarnLevel, log.Fields{"err": err.Error()}, "ddr collect failed")
		return nil, nil
	}
	peerGraphs[r.localPartition] = localVertices

	total, redges := BuildTotalGraph(peerGraphs)
	order := FindSCCOrder(total)
	sccs := FormStronglyConnectedComponents(total, redges, order)

	var deltas []MergeDelta
	var touched []txn.TxnId
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		sccDeltas, members := ResolveDeadlock(total, scc)
		deltas = append(deltas, sccDeltas...)
		touched = append(touched, members...)
		if r.deadlocksResolved != nil {
			r.deadlocksResolved.Inc()
		}
	}
	return deltas, touched
}

// BuildTotalGraph is phase 3: merge every partition's gossiped graph. A
// vertex's NumPartitions is taken from any contributing copy (they must
// agree); it is globally stable iff the number of partitions that actually
// contributed a copy of it equals that expected count. After merging,
// deadlock-rooted pruning keeps any vertex that can reach an already-
// deadlocked vertex regardless of stability; everything else runs through
// two sequential passes — raw-unstable vertices are trimmed first, then
// instability is re-propagated over the remainder and trimmed again — so a
// straggler that's deleted anyway never gets the chance to poison an
// otherwise globally-stable vertex into needless delay.
func BuildTotalGraph(perPartition map[uint32][]PeerVertex) (*Graph, map[txn.TxnId][]txn.TxnId) {
	type merged struct {
		edges         map[txn.TxnId]bool
		numPartitions int32
		deadlocked    bool
		contributors  int32
	}
	acc := make(map[txn.TxnId]*merged)
	for _, vertices := range perPartition {
		for _, v := range vertices {
			m, ok := acc[v.Id]
			if !ok {
				m = &merged{edges: make(map[txn.TxnId]bool)}
				acc[v.Id] = m
			}
			m.numPartitions = v.NumPartitions
			m.deadlocked = m.deadlocked || v.Deadlocked
			m.contributors++
			for _, e := range v.Edges {
				if e != txn.SentinelTxnId {
					m.edges[e] = true
				}
			}
		}
	}

	g := NewGraph()
	for id, m := range acc {
		edges := make([]txn.TxnId, 0, len(m.edges))
		for e := range m.edges {
			edges = append(edges, e)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
		g.Upsert(Vertex{
			Id:            id,
			Edges:         edges,
			NumPartitions: m.numPartitions,
			Stable:        m.contributors == m.numPartitions,
			Deadlocked:    m.deadlocked,
		})
	}

	redges := transpose(g)

	// Deadlock-rooted pruning: find every vertex that can reach a
	// deadlocked vertex by walking the transpose from deadlocked seeds.
	keep := make(map[txn.TxnId]bool)
	queue := make([]txn.TxnId, 0)
	for _, id := range g.Ids() {
		if v, _ := g.Get(id); v.Deadlocked {
			queue = append(queue, id)
			keep[id] = true
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, pred := range redges[id] {
			if !keep[pred] {
				keep[pred] = true
				queue = append(queue, pred)
			}
		}
	}

	// Pass 1: drop raw-unstable, non-deadlock-reaching vertices using each
	// vertex's own contributor-count view, before any propagation. Doing the
	// trim first keeps a straggler that's about to be deleted anyway from
	// poisoning an otherwise globally-stable neighbor that merely happens to
	// share an edge with it.
	for _, id := range g.Ids() {
		v, _ := g.Get(id)
		if keep[id] {
			continue
		}
		if !v.Stable {
			g.Remove(id)
		}
	}

	// Pass 2: re-propagate instability over what's left. A vertex preserved
	// by keep despite being raw-unstable still needs to poison its
	// reachable neighbors in the pruned graph (merging can surface vertices
	// unstable everywhere but the local partition); a second removal pass
	// drops anything newly marked.
	propagateUnstability(g)
	for _, id := range g.Ids() {
		v, _ := g.Get(id)
		if keep[id] {
			continue
		}
		if !v.Stable {
			g.Remove(id)
		}
	}
	// Rebuild the transpose over the pruned graph for SCC computation.
	return g, transpose(g)
}

func transpose(g *Graph) map[txn.TxnId][]txn.TxnId {
	redges := make(map[txn.TxnId][]txn.TxnId)
	for _, id := range g.Ids() {
		v, _ := g.Get(id)
		for _, e := range v.Edges {
			if _, ok := g.Get(e); ok {
				redges[e] = append(redges[e], v.Id)
			}
		}
	}
	return redges
}

// FindSCCOrder computes a reverse-finish-time order over g via an iterative
// (explicit-stack) DFS, avoiding recursion depth limits on pathological
// wait-for chains. This is the first pass of Kosaraju's algorithm.
func FindSCCOrder(g *Graph) []txn.TxnId {
	visited := make(map[txn.TxnId]bool, g.Len())
	order := make([]txn.TxnId, 0, g.Len())

	type frame struct {
		id   txn.TxnId
		next int
	}
	for _, start := range g.Ids() {
		if visited[start] {
			continue
		}
		stack := []frame{{id: start}}
		visited[start] = true
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			v, _ := g.Get(top.id)
			if top.next < len(v.Edges) {
				next := v.Edges[top.next]
				top.next++
				if _, ok := g.Get(next); ok && !visited[next] {
					visited[next] = true
					stack = append(stack, frame{id: next})
				}
				continue
			}
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	// Reverse to get finish order, highest-finish-time first.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// FormStronglyConnectedComponents is the second pass of Kosaraju's
// algorithm: walk `order` and, for each unvisited vertex, DFS over the
// transpose graph to collect its SCC.
func FormStronglyConnectedComponents(g *Graph, redges map[txn.TxnId][]txn.TxnId, order []txn.TxnId) [][]txn.TxnId {
	visited := make(map[txn.TxnId]bool, g.Len())
	var sccs [][]txn.TxnId
	for _, start := range order {
		if visited[start] {
			continue
		}
		var scc []txn.TxnId
		stack := []txn.TxnId{start}
		visited[start] = true
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			scc = append(scc, id)
			for _, pred := range redges[id] {
				if !visited[pred] {
					visited[pred] = true
					stack = append(stack, pred)
				}
			}
		}
		sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })
		sccs = append(sccs, scc)
	}
	return sccs
}

// ResolveDeadlock is phase 5 for a single SCC with >1 member: sort members
// by TxnId (deterministic across every partition observing the same total
// graph), strip every intra-SCC edge from each member's waited_by
// (overwriting with the sentinel rather than shrinking the slice, since the
// live table may have grown past this snapshot), then chain
// scc[0] -> scc[1] -> ... -> scc[k-1] by filling the first sentinel slot of
// the predecessor and incrementing the successor's delta. All members are
// marked deadlocked.
//
// g is the merged total graph, so every SCC member gets a delta, including
// one known only through a peer's gossip; lockmgr.Merge skips ids its local
// table does not hold.
func ResolveDeadlock(g *Graph, scc []txn.TxnId) ([]MergeDelta, []txn.TxnId) {
	sorted := append([]txn.TxnId(nil), scc...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	sccSet := make(map[txn.TxnId]bool, len(sorted))
	for _, id := range sorted {
		sccSet[id] = true
	}

	deltas := make(map[txn.TxnId]*MergeDelta, len(sorted))
	for _, id := range sorted {
		v, ok := g.Get(id)
		if !ok {
			continue
		}
		prefix := append([]txn.TxnId(nil), v.Edges...)
		for i, e := range prefix {
			if sccSet[e] {
				// This outgoing edge into the SCC is being removed: the
				// target's NumWaitingFor drops by one.
				prefix[i] = txn.SentinelTxnId
				applyDelta(deltas, e, -1)
			}
		}
		if _, ok := deltas[id]; !ok {
			deltas[id] = &MergeDelta{Id: id}
		}
		deltas[id].RewrittenPrefix = prefix
		deltas[id].Deadlocked = true
	}

	// Chain scc[0] -> scc[1] -> ... -> scc[k-1]: for each consecutive pair,
	// fill the first sentinel slot in predecessor's rewritten waited_by
	// with the successor, and increment the successor's NumWaitingFor
	// delta by 1.
	for i := 0; i+1 < len(sorted); i++ {
		pred, succ := sorted[i], sorted[i+1]
		pd, ok := deltas[pred]
		if !ok {
			continue
		}
		filled := false
		for j, e := range pd.RewrittenPrefix {
			if e == txn.SentinelTxnId {
				pd.RewrittenPrefix[j] = succ
				filled = true
				break
			}
		}
		if !filled {
			pd.RewrittenPrefix = append(pd.RewrittenPrefix, succ)
		}
		applyDelta(deltas, succ, 1)
	}

	out := make([]MergeDelta, 0, len(deltas))
	for _, id := range sorted {
		if d, ok := deltas[id]; ok {
			out = append(out, *d)
		}
	}
	return out, sorted
}

func applyDelta(deltas map[txn.TxnId]*MergeDelta, id txn.TxnId, by int32) {
	d, ok := deltas[id]
	if !ok {
		d = &MergeDelta{Id: id, Deadlocked: true}
		deltas[id] = d
	}
	d.NumWaitingForDelta += by
}
