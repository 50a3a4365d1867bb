// Package scheduler implements the per-partition Scheduler event loop:
// registry -> remaster -> lock manager -> dispatch, plus pre-dispatch
// abort and the Stats/Signal/worker-done envelope handlers (spec.md §4.4).
package scheduler

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/ctring/detock/go/lockmgr"
	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/registry"
	"github.com/ctring/detock/go/remaster"
	"github.com/ctring/detock/go/txn"
)

// Dispatcher hands a ready holder+transaction off to a Worker. Production
// wiring round-robins across a fixed pool; tests can substitute a direct
// call.
type Dispatcher interface {
	Dispatch(h *registry.Holder, t *txn.Transaction)
}

// LockManagerKind selects which lock manager variant the Scheduler runs
// pre-dispatch-abort logic against (spec.md §9's compile-time flags,
// expressed as a config enum per its own suggestion).
type LockManagerKind int

const (
	DDR LockManagerKind = iota
)

// Scheduler is the single-writer event loop of spec.md §2/§4.4. The
// enqueueing methods (ForwardTxn, Signal, Stats, WorkerDone) may be called
// from any goroutine; everything they enqueue is handled on the goroutine
// running Run's loop — the same single-threaded-cooperative discipline
// spec.md §5 describes for the original's OS-thread-per-actor model.
type Scheduler struct {
	log            ops.Logger
	localPartition uint32
	kind           LockManagerKind

	registry  *registry.Registry
	lockMgr   *lockmgr.Manager
	remaster  *remaster.Manager
	dispatcher Dispatcher

	isLocalHome func(home uint32) bool

	envelopes chan envelope
}

type envelope struct {
	forwardTxn *forwardTxnMsg
	signal     *signalMsg
	stats      *statsMsg
	workerDone *workerDoneMsg
}

type forwardTxnMsg struct {
	txn           *txn.Transaction
	expectedHomes []uint32 // only meaningful for MULTI_HOME headers.
}

// signalMsg carries a completed Deadlock Resolver round's rewiring
// decisions (spec.md §4.2's "Merging back" is driven from here, not a
// bare notification, since the resolver computes deltas off the
// Scheduler's goroutine).
type signalMsg struct{ deltas []lockmgr.MergeDelta }

type statsMsg struct{ reply chan StatsSnapshot }

type workerDoneMsg struct {
	id             txn.TxnId
	remasterCommit *registry.RemasterResult
}

// New constructs a Scheduler. isLocalHome decides, for a given key's
// master region, whether that region is one this partition's lock manager
// should register edges for (spec.md §4.1's "metadata.master == txn.home").
func New(
	log ops.Logger,
	localPartition uint32,
	kind LockManagerKind,
	reg *registry.Registry,
	lm *lockmgr.Manager,
	rm *remaster.Manager,
	dispatcher Dispatcher,
	isLocalHome func(home uint32) bool,
) *Scheduler {
	return &Scheduler{
		log:            log,
		localPartition: localPartition,
		kind:           kind,
		registry:       reg,
		lockMgr:        lm,
		remaster:       rm,
		dispatcher:     dispatcher,
		isLocalHome:    isLocalHome,
		envelopes:      make(chan envelope, 1024),
	}
}

// Run is the Scheduler's event loop; it returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.envelopes:
			s.handle(e)
		}
	}
}

func (s *Scheduler) handle(e envelope) {
	switch {
	case e.forwardTxn != nil:
		s.handleForwardTxn(e.forwardTxn)
	case e.signal != nil:
		s.handleSignal(e.signal)
	case e.stats != nil:
		e.stats.reply <- s.computeStats()
	case e.workerDone != nil:
		s.handleWorkerDone(e.workerDone)
	}
}

// ForwardTxn enqueues a ForwardTxn envelope (spec.md §6). Safe to call from
// any goroutine.
func (s *Scheduler) ForwardTxn(t *txn.Transaction, expectedHomes []uint32) {
	s.envelopes <- envelope{forwardTxn: &forwardTxnMsg{txn: t, expectedHomes: expectedHomes}}
}

// Signal enqueues a Signal envelope from the Deadlock Resolver, carrying
// the round's rewiring decisions for the Scheduler to merge into its lock
// manager and dispatch anything that became ready (spec.md §4.2/§4.4).
func (s *Scheduler) Signal(deltas []lockmgr.MergeDelta) {
	s.envelopes <- envelope{signal: &signalMsg{deltas: deltas}}
}

// Stats synchronously requests a snapshot (spec.md §4.4's Stats envelope).
func (s *Scheduler) Stats() StatsSnapshot {
	reply := make(chan StatsSnapshot, 1)
	s.envelopes <- envelope{stats: &statsMsg{reply: reply}}
	return <-reply
}

// WorkerDone enqueues the custom-socket worker-done notification (spec.md
// §4.4): release locks, handle a remaster commit, mark the holder done, GC.
func (s *Scheduler) WorkerDone(id txn.TxnId, remasterCommit *registry.RemasterResult) {
	s.envelopes <- envelope{workerDone: &workerDoneMsg{id: id, remasterCommit: remasterCommit}}
}

// handleForwardTxn implements spec.md §2/§3's per-fragment pipeline:
// registry accept, then remaster validation (only if this fragment masters
// anything locally) and lock acquisition, run on THIS fragment's own keys as soon as
// it's accepted — not deferred until the holder is complete. Mutual
// exclusion depends on a lock being held for the entire window between a
// fragment's arrival and the holder's eventual dispatch, including while
// sibling fragments are still in flight (spec.md §8 scenario 5).
func (s *Scheduler) handleForwardTxn(msg *forwardTxnMsg) {
	t := msg.txn
	t.RecordEvent(txn.EventEnterScheduler)

	h, result, err := s.registry.Accept(t, msg.expectedHomes)
	if err != nil {
		s.log.Log(log.ErrorLevel, log.Fields{"txn": uint64(t.Id)}, err.Error())
		return
	}
	if result == registry.DuplicateFragment {
		s.log.Log(log.ErrorLevel, log.Fields{"txn": uint64(t.Id)}, "duplicate fragment dropped")
		return
	}
	t.RecordEvent(txn.EventAccepted)

	if h.Aborting {
		s.dispatchAbort(h)
		return
	}

	s.maybeRemaster(h, t)
}

// mergedTransaction assembles the single *txn.Transaction view the lock
// manager and worker operate on: for SINGLE_HOME it's the sole fragment;
// for MULTI_HOME it's the header with key entries merged in from every
// lock-only fragment's slot (the per-home slot array of spec.md §3).
func (s *Scheduler) mergedTransaction(h *registry.Holder) *txn.Transaction {
	if h.IsSingleHome() {
		return h.Header
	}
	merged := *h.Header
	for _, frag := range h.LockOnlyFragments() {
		merged.Keys = append(merged.Keys, frag.Keys...)
	}
	return &merged
}

// maybeRemaster runs t (one arriving fragment, not necessarily the full
// merged view) through remaster validation before locking, skipping the
// Remaster Manager entirely for a fragment that masters nothing here —
// e.g. a MULTI_HOME header with no local key entries of its own.
func (s *Scheduler) maybeRemaster(h *registry.Holder, t *txn.Transaction) {
	if s.remaster == nil || !t.KeysInPartition(s.isLocalHome) {
		s.acquireAndDispatch(h, t)
		return
	}
	outcome, reason := s.remaster.ValidateTransaction(h, t)
	switch outcome {
	case remaster.OutcomeAbort:
		h.AbortReason = reason
		s.preDispatchAbort(h)
	case remaster.OutcomeWaiting:
		// Parked; remaster.RemasterOccurred will resume it later via
		// ResumeAfterRemaster.
	case remaster.OutcomeValid:
		s.acquireAndDispatch(h, t)
	}
}

// ResumeAfterRemaster is called by the owner of the Remaster Manager
// (typically the same goroutine driving this Scheduler, after a worker's
// remaster commit) with the unblocked/aborted holders RemasterOccurred
// returned.
func (s *Scheduler) ResumeAfterRemaster(unblocked, aborted []*registry.Holder) {
	for _, h := range unblocked {
		s.acquireAndDispatch(h, s.mergedTransaction(h))
	}
	for _, h := range aborted {
		h.AbortReason = "outdated counter"
		s.preDispatchAbort(h)
	}
}

// acquireAndDispatch runs t's local keys (a single fragment, or the full
// merged view when called from ResumeAfterRemaster) through the lock
// manager. Dispatch only fires once BOTH this call reports Acquired AND the
// holder itself is complete — a fragment can acquire its own locks well
// before its siblings have arrived, in which case nothing is dispatched yet
// and a later fragment's own acquireAndDispatch call (or a lock-manager
// release) is what eventually triggers Dispatch.
func (s *Scheduler) acquireAndDispatch(h *registry.Holder, t *txn.Transaction) {
	result := s.lockMgr.AcquireLocks(t, s.isLocalHome)
	switch result {
	case lockmgr.Acquired:
		if h.IsComplete() {
			s.dispatcher.Dispatch(h, s.mergedTransaction(h))
		}
	case lockmgr.Waiting:
		// Parked in the lock manager; a later release or DDR resolution
		// will produce this txn via get_ready_txns / Signal.
	case lockmgr.Abort:
		h.AbortReason = "lock manager abort"
		s.preDispatchAbort(h)
	}
}

// preDispatchAbort implements spec.md §4.4: mark aborting; if the DDR
// variant is in effect, pre-dispatch abort is entirely disabled (DDR
// handles all aborts post-dispatch) — this function only sets the Aborting
// flag and dispatches nothing.
// Non-DDR variants (not implemented by this repo; see SPEC_FULL.md §9)
// would dispatch immediately if the header has arrived.
func (s *Scheduler) preDispatchAbort(h *registry.Holder) {
	h.Aborting = true
	if s.kind == DDR {
		return
	}
	s.dispatchAbort(h)
}

func (s *Scheduler) dispatchAbort(h *registry.Holder) {
	if !h.IsComplete() {
		return
	}
	t := s.mergedTransaction(h)
	t.Status = txn.Aborted
	t.AbortReason = h.AbortReason
	s.dispatcher.Dispatch(h, t)
}

func (s *Scheduler) handleSignal(msg *signalMsg) {
	s.mergeAndDispatch(msg.deltas)
}

func (s *Scheduler) handleWorkerDone(msg *workerDoneMsg) {
	h, ok := s.registry.Get(msg.id)
	if !ok {
		return
	}
	released := s.lockMgr.ReleaseLocks(msg.id)
	for _, r := range released {
		rh, ok := s.registry.Get(r.Id)
		if !ok {
			continue
		}
		t := s.mergedTransaction(rh)
		t.Deadlocked = r.Deadlocked
		s.dispatcher.Dispatch(rh, t)
	}

	if msg.remasterCommit != nil && s.remaster != nil {
		unblocked, aborted := s.remaster.RemasterOccurred(msg.remasterCommit.Key, msg.remasterCommit.NewCounter)
		s.ResumeAfterRemaster(unblocked, aborted)
	}

	h.Done = true
	if h.GCReady() {
		s.registry.Erase(msg.id)
	}
}

// mergeAndDispatch feeds a completed Deadlock Resolver round's rewiring
// decisions into the lock manager and dispatches any txns that became
// ready as a result — the Scheduler-side half of spec.md §4.2's "Merging
// back".
func (s *Scheduler) mergeAndDispatch(deltas []lockmgr.MergeDelta) {
	for _, released := range s.lockMgr.Merge(deltas) {
		h, ok := s.registry.Get(released.Id)
		if !ok {
			continue
		}
		t := s.mergedTransaction(h)
		t.Deadlocked = released.Deadlocked
		s.dispatcher.Dispatch(h, t)
	}
}

// StatsSnapshot is the JSON shape emitted by the Stats envelope handler
// (spec.md §4.4), supplemented with the field names original_source's
// constants.h uses for its stats keys (NUM_TXNS_WAITING_FOR_LOCK,
// LOCK_MANAGER_TYPE, etc.) so operators familiar with the original tooling
// recognize the shape.
type StatsSnapshot struct {
	LockManagerType      string `json:"lock_manager_type"`
	NumActiveTxns        int    `json:"num_active_txns"`
	NumTxnsWaitingForLock int   `json:"num_txns_waiting_for_lock"`
	LockTableSize        int    `json:"lock_table_size"`
}

func (s *Scheduler) computeStats() StatsSnapshot {
	lockStats := s.lockMgr.GetStats()
	return StatsSnapshot{
		LockManagerType:       "DDR",
		NumActiveTxns:         s.registry.Len(),
		NumTxnsWaitingForLock: lockStats.NumWaiting,
		LockTableSize:         lockStats.LockTableSize,
	}
}

// MarshalStats renders the snapshot as indented JSON. Nothing in this
// repository calls it; the CLI's stats subcommand marshals the wire form.
func (snap StatsSnapshot) MarshalStats() ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}
