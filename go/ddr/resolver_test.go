package ddr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctring/detock/go/txn"
)

func snap(id txn.TxnId, waitedBy []txn.TxnId, numPartitions int32, stable bool) LockSnapshot {
	return LockSnapshot{Id: id, WaitedBy: waitedBy, NumPartitions: numPartitions, Stable: stable}
}

// TestSimpleTwoCycle mirrors spec.md §8 scenario 2: T1 and T2 each wait on
// the other, both stable. The merged total graph should yield a single SCC
// {T1,T2} resolved deterministically to T1 -> T2.
func TestSimpleTwoCycle(t *testing.T) {
	var perPartition = map[uint32][]PeerVertex{
		0: {{Id: 1, Edges: []txn.TxnId{2}, NumPartitions: 1}},
		1: {{Id: 2, Edges: []txn.TxnId{1}, NumPartitions: 1}},
	}
	total, redges := BuildTotalGraph(perPartition)
	require.Equal(t, 2, total.Len())

	order := FindSCCOrder(total)
	sccs := FormStronglyConnectedComponents(total, redges, order)

	var cyclic [][]txn.TxnId
	for _, s := range sccs {
		if len(s) > 1 {
			cyclic = append(cyclic, s)
		}
	}
	require.Len(t, cyclic, 1)
	require.ElementsMatch(t, []txn.TxnId{1, 2}, cyclic[0])

	deltas, members := ResolveDeadlock(total, cyclic[0])
	require.ElementsMatch(t, []txn.TxnId{1, 2}, members)

	byId := make(map[txn.TxnId]MergeDelta)
	for _, d := range deltas {
		byId[d.Id] = d
	}
	// T1 -> T2: T2's waited_by no longer points back at T1 (the cycle
	// edge 2->1 is removed, so T1 loses a dependency: delta -1), and T1's
	// cycle edge to T2 is replaced by a fresh chain edge to T2. T2's incoming count is unchanged overall: it
	// loses the cycle edge 1->2 but the chain immediately recreates it
	// (delta -1 +1 = 0) — T2 still depends on T1, just no longer cyclically.
	require.Contains(t, byId[1].RewrittenPrefix, txn.TxnId(2))
	require.Equal(t, int32(-1), byId[1].NumWaitingForDelta)
	require.Equal(t, int32(0), byId[2].NumWaitingForDelta)
	require.True(t, byId[1].Deadlocked)
	require.True(t, byId[2].Deadlocked)
}

// TestUnstableMemberRemovedWithoutPoisoningUnrelatedCycle mirrors the
// essence of spec.md §8 scenario 6: an unstable vertex touching a stable
// cycle from the outside (T2 waits for T1, but nothing currently waits for
// T2) must be dropped on its own, leaving the stable 2-cycle {T1,T3} intact
// — forward propagation only poisons vertices actually reachable through
// waited_by edges, not every vertex merely adjacent to the unstable one.
func TestUnstableMemberRemovedWithoutPoisoningUnrelatedCycle(t *testing.T) {
	var snapshot = []LockSnapshot{
		snap(1, []txn.TxnId{3, 2}, 1, true), // T1 blocks T3 and T2
		snap(2, nil, 1, false),              // T2 unstable; nothing waits on T2
		snap(3, []txn.TxnId{1}, 1, true),    // T3 blocks T1 (the stable 2-cycle)
	}
	local := BuildLocalGraph(snapshot)
	// T2 must be gone; T1 and T3 must survive since neither is reachable
	// from T2 in the waited_by direction (T2 has no outgoing edges).
	_, t2Present := local.Get(2)
	require.False(t, t2Present)

	perPartition := map[uint32][]PeerVertex{0: toPeerVertices(local)}
	total, redges := BuildTotalGraph(perPartition)

	_, t2InTotal := total.Get(2)
	require.False(t, t2InTotal)

	order := FindSCCOrder(total)
	sccs := FormStronglyConnectedComponents(total, redges, order)
	var cyclic [][]txn.TxnId
	for _, s := range sccs {
		if len(s) > 1 {
			cyclic = append(cyclic, s)
		}
	}
	require.Len(t, cyclic, 1)
	require.ElementsMatch(t, []txn.TxnId{1, 3}, cyclic[0])
}

// TestTwoPassPruningDoesNotPoisonStableCycleThroughDeletedStraggler verifies
// spec.md §4.2's two-sequential-pass ordering: a raw-unstable vertex that
// cannot reach any deadlocked vertex (and is therefore removed outright) must
// not get the chance to propagate its instability onto a stable cycle it
// merely points into. A single-pass propagate-then-remove would mark the
// stable cycle unstable via the straggler's outgoing edge before the
// straggler itself is deleted.
func TestTwoPassPruningDoesNotPoisonStableCycleThroughDeletedStraggler(t *testing.T) {
	var perPartition = map[uint32][]PeerVertex{
		0: {
			// U expects reports from 2 partitions but only this one
			// contributed: raw-unstable, and has no path to any deadlocked
			// vertex, so it must be dropped outright.
			{Id: 100, Edges: []txn.TxnId{1}, NumPartitions: 2},
			// S <-> T form a fully-reported, otherwise-stable 2-cycle. U
			// points into S but nothing in the cycle points back at U.
			{Id: 1, Edges: []txn.TxnId{3}, NumPartitions: 1},
			{Id: 3, Edges: []txn.TxnId{1}, NumPartitions: 1},
		},
	}
	total, _ := BuildTotalGraph(perPartition)

	_, uPresent := total.Get(100)
	require.False(t, uPresent, "raw-unstable straggler with no deadlock path must be pruned")

	s, sOk := total.Get(1)
	require.True(t, sOk, "stable cycle member must survive a straggler's outgoing edge")
	require.True(t, s.Stable)

	tv, tOk := total.Get(3)
	require.True(t, tOk, "stable cycle member must survive a straggler's outgoing edge")
	require.True(t, tv.Stable)
}

func toPeerVertices(g *Graph) []PeerVertex {
	var out []PeerVertex
	for _, id := range g.Ids() {
		v, _ := g.Get(id)
		out = append(out, PeerVertex{Id: v.Id, Edges: v.Edges, NumPartitions: v.NumPartitions, Deadlocked: v.Deadlocked})
	}
	return out
}

// TestDeadlockRootedPruningKeepsReachableUnstableVertex verifies that a
// vertex that can reach an already-deadlocked vertex survives pruning even
// when marked unstable, per spec.md §4.2 phase 3.
func TestDeadlockRootedPruningKeepsReachableUnstableVertex(t *testing.T) {
	var perPartition = map[uint32][]PeerVertex{
		0: {
			// Vertex 2 can reach the already-deadlocked vertex 1 (2 -> 1),
			// but is itself unstable: only 1 of its 2 expected partitions
			// has reported in. It must survive pruning anyway.
			{Id: 2, Edges: []txn.TxnId{1}, NumPartitions: 2},
			{Id: 1, Edges: nil, NumPartitions: 1, Deadlocked: true},
		},
	}
	total, _ := BuildTotalGraph(perPartition)
	_, ok := total.Get(2)
	require.True(t, ok, "vertex that can reach a deadlocked vertex must survive pruning despite instability")
}

// TestDeterminismAcrossIdenticalSnapshots verifies that two independently
// computed resolutions over the same merged graph produce identical SCC
// orders and rewiring decisions, the core correctness property of DDR.
func TestDeterminismAcrossIdenticalSnapshots(t *testing.T) {
	var perPartition = map[uint32][]PeerVertex{
		0: {{Id: 5, Edges: []txn.TxnId{9}, NumPartitions: 1}},
		1: {{Id: 9, Edges: []txn.TxnId{5}, NumPartitions: 1}},
	}
	total1, redges1 := BuildTotalGraph(perPartition)
	total2, redges2 := BuildTotalGraph(perPartition)

	order1 := FindSCCOrder(total1)
	order2 := FindSCCOrder(total2)
	require.Equal(t, order1, order2)

	sccs1 := FormStronglyConnectedComponents(total1, redges1, order1)
	sccs2 := FormStronglyConnectedComponents(total2, redges2, order2)
	require.Equal(t, sccs1, sccs2)
}
