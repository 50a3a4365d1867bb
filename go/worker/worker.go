// Package worker implements the Worker pool: the phase machine driving each
// dispatched transaction through READ_LOCAL_STORAGE -> (WAIT_REMOTE_READ) ->
// EXECUTE -> FINISH, with partial-read broadcasting between partitions
// (spec.md §4.5). Grounded on original_source/module/scheduler_components/
// worker.{h,cpp}.
package worker

import (
	log "github.com/sirupsen/logrus"

	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/registry"
	"github.com/ctring/detock/go/storage"
	"github.com/ctring/detock/go/txn"
)

// Phase is a RunId's position in the worker's state machine.
type Phase int

const (
	ReadLocalStorage Phase = iota
	WaitRemoteRead
	Execute
	Finish
)

// RemoteReadResult is the envelope a worker sends to every other partition
// listed in waiting_partitions, and receives from peers while in
// WaitRemoteRead (spec.md §4.5/§6).
type RemoteReadResult struct {
	Run         txn.RunId
	Partition   uint32
	WillAbort   bool
	AbortReason string
	Reads       []ReadEntry
}

// ReadEntry is one key's value+metadata as observed by the reporting
// partition.
type ReadEntry struct {
	Key      txn.Key
	Value    []byte
	Metadata txn.KeyMetadata
}

// Broadcaster sends a RemoteReadResult to a specific partition; backed by
// go/rpcpeer in production.
type Broadcaster interface {
	SendRemoteRead(partition uint32, r RemoteReadResult) error
}

// Executor runs a transaction's code program against the assembled
// key-value view. The core does not define the command library format
// (spec.md §1 Non-goals, "client API"); this is the seam a concrete
// deployment plugs into.
type Executor interface {
	Execute(t *txn.Transaction) error
}

// CommandLibrary is the default Executor: a name -> func registry, the
// Go-idiomatic analogue of the original's compiled-in command table.
type CommandLibrary map[string]func(t *txn.Transaction) error

func (c CommandLibrary) Execute(t *txn.Transaction) error {
	fn, ok := c[t.Proc.Code]
	if !ok {
		return errUnknownProcedure(t.Proc.Code)
	}
	return fn(t)
}

type errUnknownProcedure string

func (e errUnknownProcedure) Error() string { return "unknown procedure: " + string(e) }

// runState is the per-RunId state the worker tracks between
// ReadLocalStorage and Finish.
type runState struct {
	phase                Phase
	holder               *registry.Holder
	txn                  *txn.Transaction
	remoteReadsWaitingOn int
	redirectTag          uint64
}

// Worker drives dispatched TxnHolders through the phase machine. One Worker
// instance per goroutine, per spec.md §5's one-goroutine-per-actor model.
type Worker struct {
	id             int
	log            ops.Logger
	store          storage.Store
	broadcaster    Broadcaster
	executor       Executor
	localPartition uint32
	ddrEnabled     bool

	runs map[txn.RunId]*runState

	// registerRedirect/deregisterRedirect wire the broker redirect tag
	// lifecycle (spec.md §4.5, "Broker redirect tag"); nil-safe no-ops let
	// tests exercise the phase machine without a broker.
	registerRedirect   func(tag uint64)
	deregisterRedirect func(tag uint64)

	// onDone is called with the TxnId on FINISH, which is what triggers
	// release_locks at the Scheduler (spec.md §4.5).
	onDone func(txn.TxnId)
	// sendFinal delivers the completed transaction to its coordinating
	// server if local to this region; dropped otherwise (spec.md §4.5).
	sendFinal func(t *txn.Transaction)
}

// NewWorker constructs a Worker. Callers typically construct N of these
// (spec.md §6, num_workers) sharing a single store/broadcaster/executor.
func NewWorker(id int, log ops.Logger, store storage.Store, b Broadcaster, exec Executor, localPartition uint32, ddrEnabled bool) *Worker {
	return &Worker{
		id:             id,
		log:            log,
		store:          store,
		broadcaster:    b,
		executor:       exec,
		localPartition: localPartition,
		ddrEnabled:     ddrEnabled,
		runs:           make(map[txn.RunId]*runState),
	}
}

// SetHooks wires the broker-redirect and Scheduler-notification callbacks.
// Split from the constructor so tests can omit any subset.
func (w *Worker) SetHooks(registerRedirect, deregisterRedirect func(uint64), onDone func(txn.TxnId), sendFinal func(*txn.Transaction)) {
	w.registerRedirect = registerRedirect
	w.deregisterRedirect = deregisterRedirect
	w.onDone = onDone
	w.sendFinal = sendFinal
}

// Dispatch begins driving h's transaction through the phase machine. t is
// the complete, merged view the Scheduler hands off (for MULTI_HOME, the
// caller is responsible for having merged key entries across fragments
// before dispatch).
func (w *Worker) Dispatch(h *registry.Holder, t *txn.Transaction) {
	run := txn.RunId{Txn: t.Id, Deadlocked: t.Deadlocked}
	t.RecordEvent(txn.EventEnterWorker)
	st := &runState{phase: ReadLocalStorage, holder: h, txn: t}
	w.runs[run] = st
	w.advance(run, st)
}

// LocalKeyPredicate reports whether a key entry's master is this worker's
// partition's region — the same predicate shape the lock manager uses.
// Worker itself holds no such predicate and does not call one.
type LocalKeyPredicate func(home uint32) bool

func (w *Worker) advance(run txn.RunId, st *runState) {
	switch st.phase {
	case ReadLocalStorage:
		w.readLocalStorage(run, st)
	case WaitRemoteRead:
		// No-op here; transitions out of WaitRemoteRead happen from
		// OnRemoteRead as results arrive.
	case Execute:
		w.execute(run, st)
	case Finish:
		w.finish(run, st)
	}
}

// readLocalStorage implements spec.md §4.5's READ_LOCAL phase: for each key
// entry found in local storage, validate its counter/master against the
// stored record and read its value; entries absent locally are skipped.
// Abort on mismatch, or on a remaster targeting a key absent locally.
func (w *Worker) readLocalStorage(run txn.RunId, st *runState) {
	t := st.txn
	if t.Status == txn.Aborted {
		st.phase = Finish
		w.advance(run, st)
		return
	}

	for i := range t.Keys {
		k := &t.Keys[i]
		rec, found, err := w.store.Get(k.Key)
		if err != nil {
			w.abort(t, "storage error reading key")
			break
		}
		if t.Proc.IsRemaster && !found {
			w.abort(t, "remaster non-existent key "+string(k.Key))
			break
		}
		if found {
			actual := storage.MetadataOf(rec)
			if actual.Master != k.Metadata.Master {
				w.abort(t, "outdated master")
				break
			}
			if actual.Counter != k.Metadata.Counter {
				w.abort(t, "outdated counter")
				break
			}
			k.Value = rec.Value
		}
	}

	w.broadcastReads(run, st)

	waitingOn := w.remoteReadsWaitingOn(t)
	if waitingOn > 0 {
		st.phase = WaitRemoteRead
		st.remoteReadsWaitingOn = waitingOn
		st.redirectTag = run.RedirectTag()
		if w.registerRedirect != nil {
			w.registerRedirect(st.redirectTag)
		}
		return
	}
	st.phase = Execute
	w.advance(run, st)
}

// broadcastReads sends this partition's reads to every partition in
// waiting_partitions: all involved partitions under DDR, or only the active
// (code-executing) ones otherwise (spec.md §4.5).
func (w *Worker) broadcastReads(run txn.RunId, st *runState) {
	t := st.txn
	waitingPartitions := t.ActivePartitions
	if w.ddrEnabled {
		waitingPartitions = t.InvolvedPartitions
	}
	var reads []ReadEntry
	for _, k := range t.Keys {
		if _, found, err := w.store.Get(k.Key); err != nil || !found {
			continue
		}
		reads = append(reads, ReadEntry{Key: k.Key, Value: k.Value, Metadata: k.Metadata})
	}
	result := RemoteReadResult{
		Run: run, Partition: w.localPartition,
		WillAbort: t.Status == txn.Aborted, AbortReason: t.AbortReason,
		Reads: reads,
	}
	for _, p := range waitingPartitions {
		if p == w.localPartition {
			continue
		}
		if err := w.broadcaster.SendRemoteRead(p, result); err != nil {
			w.log.Log(log.WarnLevel, log.Fields{"err": err.Error()}, "broadcast remote read failed")
		}
	}
}

// remoteReadsWaitingOn computes |involved_partitions| - 1 if this partition
// is itself a waiter (appears in waiting_partitions), else 0 (spec.md
// §4.5).
func (w *Worker) remoteReadsWaitingOn(t *txn.Transaction) int {
	waitingPartitions := t.ActivePartitions
	if w.ddrEnabled {
		waitingPartitions = t.InvolvedPartitions
	}
	isWaiter := false
	for _, p := range waitingPartitions {
		if p == w.localPartition {
			isWaiter = true
			break
		}
	}
	if !isWaiter {
		return 0
	}
	n := len(t.InvolvedPartitions) - 1
	if n < 0 {
		n = 0
	}
	return n
}

// OnRemoteRead applies an incoming RemoteReadResult for runs currently in
// WaitRemoteRead (spec.md §4.5). Results for unknown runs are dropped
// (the run already finished or was never dispatched here).
func (w *Worker) OnRemoteRead(result RemoteReadResult) {
	st, ok := w.runs[result.Run]
	if !ok || st.phase != WaitRemoteRead {
		return
	}
	if result.WillAbort {
		w.abort(st.txn, result.AbortReason)
	} else {
		w.applyReads(st.txn, result.Reads)
	}
	st.remoteReadsWaitingOn--
	if st.remoteReadsWaitingOn <= 0 {
		// Deregistration happens at FINISH (spec.md §4.5), not here.
		st.phase = Execute
		w.advance(result.Run, st)
	}
}

func (w *Worker) applyReads(t *txn.Transaction, reads []ReadEntry) {
	for _, r := range reads {
		for i := range t.Keys {
			if string(t.Keys[i].Key) == string(r.Key) {
				t.Keys[i].Value = r.Value
				t.Keys[i].Metadata = r.Metadata
			}
		}
	}
}

func (w *Worker) abort(t *txn.Transaction, reason string) {
	t.Status = txn.Aborted
	t.AbortReason = reason
}

// execute implements spec.md §4.5's EXECUTE phase: dispatch by program
// type, skipping entirely if the txn is already aborted.
func (w *Worker) execute(run txn.RunId, st *runState) {
	t := st.txn
	if t.Status != txn.Aborted {
		if t.Proc.IsRemaster {
			w.executeRemaster(st)
		} else if err := w.executor.Execute(t); err != nil {
			w.abort(t, err.Error())
		} else {
			t.Status = txn.Committed
		}
	}
	st.phase = Finish
	w.advance(run, st)
}

func (w *Worker) executeRemaster(st *runState) {
	t := st.txn
	k := t.Proc.RemasterKey
	rec, _, err := w.store.Get(k)
	if err != nil {
		w.abort(t, "storage error executing remaster")
		return
	}
	newCounter := rec.Counter + 1
	rec.Master = t.Proc.NewMaster
	rec.Counter = newCounter
	if err := w.store.Put(k, rec); err != nil {
		w.abort(t, "storage error committing remaster")
		return
	}
	t.Status = txn.Committed
	st.holder.Remaster = &registry.RemasterResult{Key: k, NewCounter: newCounter}
}

// finish implements spec.md §4.5's FINISH phase: emit EXIT_WORKER, deliver
// the final transaction to its coordinating server if local, notify the
// Scheduler (triggering release_locks), and tear down run state.
func (w *Worker) finish(run txn.RunId, st *runState) {
	t := st.txn
	t.RecordEvent(txn.EventExitWorker)
	if w.sendFinal != nil {
		w.sendFinal(t)
	}
	if w.onDone != nil {
		w.onDone(t.Id)
	}
	if st.redirectTag != 0 && w.deregisterRedirect != nil {
		w.deregisterRedirect(st.redirectTag)
	}
	delete(w.runs, run)
}
