package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctring/detock/go/ddr"
	"github.com/ctring/detock/go/lockmgr"
	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/registry"
	"github.com/ctring/detock/go/txn"
)

func allLocal(uint32) bool { return true }

type recordingDispatcher struct {
	dispatched []txn.TxnId
}

func (d *recordingDispatcher) Dispatch(h *registry.Holder, t *txn.Transaction) {
	d.dispatched = append(d.dispatched, t.Id)
}

func singleHome(id txn.TxnId, key string, kind txn.KeyEntryType) *txn.Transaction {
	return &txn.Transaction{
		Id:   id,
		Type: txn.SingleHome,
		Home: 0,
		Keys: []txn.KeyEntry{
			{Key: txn.Key(key), Type: kind, Metadata: txn.KeyMetadata{Master: 0, Counter: 0}},
		},
		InvolvedPartitions: []uint32{0},
		ActivePartitions:   []uint32{0},
	}
}

// TestContentionThenReleaseDispatchesWaiter mirrors spec.md §8 scenario 1:
// two single-home txns write the same key; the second must wait until the
// first's worker-done notification releases the lock.
func TestContentionThenReleaseDispatchesWaiter(t *testing.T) {
	lm := lockmgr.NewManager(ops.StdLogger(), 0)
	reg := registry.NewRegistry()
	disp := &recordingDispatcher{}
	s := New(ops.StdLogger(), 0, DDR, reg, lm, nil, disp, allLocal)

	s.handleForwardTxn(&forwardTxnMsg{txn: singleHome(1, "k", txn.Write)})
	require.Equal(t, []txn.TxnId{1}, disp.dispatched)

	s.handleForwardTxn(&forwardTxnMsg{txn: singleHome(2, "k", txn.Write)})
	require.Equal(t, []txn.TxnId{1}, disp.dispatched, "T2 must remain parked behind T1's write lock")

	s.handleWorkerDone(&workerDoneMsg{id: 1})
	require.Equal(t, []txn.TxnId{1, 2}, disp.dispatched, "releasing T1 must dispatch T2")
}

// registerHolder accepts a bare single-home header into the registry so
// handleSignal's mergedTransaction lookup succeeds, mirroring how a real
// ForwardTxn would have populated it before the txn ever reached the lock
// manager.
func registerHolder(t *testing.T, reg *registry.Registry, id txn.TxnId) {
	t.Helper()
	_, _, err := reg.Accept(&txn.Transaction{Id: id, Type: txn.SingleHome}, nil)
	require.NoError(t, err)
}

// acquireFragment drives one incremental lock-manager fragment the way a
// multi-home LOCK_ONLY piece would arrive; used below to construct genuine
// cross-transaction wait cycles without racing goroutines.
func acquireFragment(lm *lockmgr.Manager, id txn.TxnId, key string, kind txn.KeyEntryType) lockmgr.AcquireResult {
	return lm.AcquireLocks(&txn.Transaction{
		Id:   id,
		Keys: []txn.KeyEntry{{Key: txn.Key(key), Type: kind, Metadata: txn.KeyMetadata{Master: 0, Counter: 0}}},
	}, allLocal)
}

// TestDeadlockCycleResolvedAndDispatched mirrors spec.md §8 scenario 2: T1
// and T2 each hold one of two keys and each want the other's, forming a
// genuine two-cycle across two incremental fragments apiece. Running the
// Deadlock Resolver over the lock manager's snapshot must break the cycle
// and the resulting Signal envelope must dispatch the chain's head (T1).
func TestDeadlockCycleResolvedAndDispatched(t *testing.T) {
	lm := lockmgr.NewManager(ops.StdLogger(), 0)
	reg := registry.NewRegistry()
	disp := &recordingDispatcher{}
	s := New(ops.StdLogger(), 0, DDR, reg, lm, nil, disp, allLocal)

	registerHolder(t, reg, 1)
	registerHolder(t, reg, 2)

	lm.EnsureInfo(1, 2, 1)
	lm.EnsureInfo(2, 2, 1)

	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 1, "A", txn.Write)) // T1 takes A
	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 2, "B", txn.Write)) // T2 takes B
	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 1, "B", txn.Write)) // T1 wants B, blocked by T2
	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 2, "A", txn.Write)) // T2 wants A, blocked by T1 - cycle complete

	local := ddr.BuildLocalGraph(toLockSnapshots(lm.Snapshot()))
	require.Equal(t, 2, local.Len())

	var vertices []ddr.PeerVertex
	for _, id := range local.Ids() {
		v, _ := local.Get(id)
		vertices = append(vertices, ddr.PeerVertex{Id: v.Id, Edges: v.Edges, NumPartitions: v.NumPartitions, Deadlocked: v.Deadlocked})
	}

	total, redges := ddr.BuildTotalGraph(map[uint32][]ddr.PeerVertex{0: vertices})
	order := ddr.FindSCCOrder(total)
	sccs := ddr.FormStronglyConnectedComponents(total, redges, order)

	var cyclic []txn.TxnId
	for _, scc := range sccs {
		if len(scc) > 1 {
			cyclic = scc
		}
	}
	require.ElementsMatch(t, []txn.TxnId{1, 2}, cyclic)

	deltas, _ := ddr.ResolveDeadlock(total, cyclic)
	s.handleSignal(&signalMsg{deltas: toMergeDeltas(deltas)})

	require.Equal(t, []txn.TxnId{1}, disp.dispatched, "only the chain head (T1) becomes immediately ready; T2 still depends on T1")

	s.handleWorkerDone(&workerDoneMsg{id: 1})
	require.Equal(t, []txn.TxnId{1, 2}, disp.dispatched, "T1 finishing releases T2 via the chain edge installed by the resolver")
}

// TestUnstableStragglerDoesNotBlockUnrelatedCycleResolution mirrors spec.md
// §8 scenario 6: a third transaction with a fragment still in flight (T3,
// unstable) coexists with an unrelated, fully-arrived two-cycle (T1, T2).
// Resolving the deadlock must not wait on or otherwise involve T3, and T3
// must remain merely parked (not aborted, not dispatched) until its missing
// fragment arrives.
func TestUnstableStragglerDoesNotBlockUnrelatedCycleResolution(t *testing.T) {
	lm := lockmgr.NewManager(ops.StdLogger(), 0)
	reg := registry.NewRegistry()
	disp := &recordingDispatcher{}
	s := New(ops.StdLogger(), 0, DDR, reg, lm, nil, disp, allLocal)

	registerHolder(t, reg, 1)
	registerHolder(t, reg, 2)
	registerHolder(t, reg, 3)

	lm.EnsureInfo(1, 2, 1)
	lm.EnsureInfo(2, 2, 1)
	lm.EnsureInfo(3, 2, 1) // T3 expects 2 fragments; only 1 will ever arrive in this test.

	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 1, "A", txn.Write))
	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 2, "B", txn.Write))
	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 1, "B", txn.Write))
	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 2, "A", txn.Write))
	require.Equal(t, lockmgr.Waiting, acquireFragment(lm, 3, "C", txn.Write)) // T3's only arrived fragment; unrelated key, no edges.

	snaps := lm.Snapshot()
	var t3Stable bool
	for _, sn := range snaps {
		if sn.Id == 3 {
			t3Stable = sn.Stable
		}
	}
	require.False(t, t3Stable, "T3 must be unstable: only one of its two expected fragments has arrived")

	local := ddr.BuildLocalGraph(toLockSnapshots(snaps))
	_, t3Present := local.Get(3)
	require.False(t, t3Present, "the straggler must be dropped from the local graph entirely")
	require.Equal(t, 2, local.Len())

	var vertices []ddr.PeerVertex
	for _, id := range local.Ids() {
		v, _ := local.Get(id)
		vertices = append(vertices, ddr.PeerVertex{Id: v.Id, Edges: v.Edges, NumPartitions: v.NumPartitions, Deadlocked: v.Deadlocked})
	}
	total, redges := ddr.BuildTotalGraph(map[uint32][]ddr.PeerVertex{0: vertices})
	order := ddr.FindSCCOrder(total)
	sccs := ddr.FormStronglyConnectedComponents(total, redges, order)

	var cyclic []txn.TxnId
	for _, scc := range sccs {
		if len(scc) > 1 {
			cyclic = scc
		}
	}
	require.ElementsMatch(t, []txn.TxnId{1, 2}, cyclic)

	deltas, _ := ddr.ResolveDeadlock(total, cyclic)
	s.handleSignal(&signalMsg{deltas: toMergeDeltas(deltas)})

	require.Equal(t, []txn.TxnId{1}, disp.dispatched, "T3 must not be dispatched: its missing fragment never arrived")
}
