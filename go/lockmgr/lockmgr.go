// Package lockmgr implements the DDR (Deterministic Deadlock Resolving)
// lock manager: per-(key,home) lock queue tails and the per-transaction
// wait-for graph the Deadlock Resolver later rewires. See SPEC_FULL.md §4.1
// and the original grounding in original_source/module/scheduler_components/
// ddr_lock_manager.{h,cpp}.
package lockmgr

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/txn"
)

// AcquireResult is the outcome of an AcquireLocks call.
type AcquireResult int

const (
	Acquired AcquireResult = iota
	Waiting
	Abort
)

// LockQueueTail tracks only the tail of a (key, home-region)'s lock queue:
// the last writer and the current readers. Once a txn has acquired and
// released a key, its dependency is already recorded in the waited_by graph,
// so the tail need not remember it.
type LockQueueTail struct {
	writeLockRequester  txn.TxnId
	hasWriter           bool
	readLockRequesters  []txn.TxnId
}

// acquireRead appends txn to the readers and returns the current writer (if
// any) as the blocker.
func (t *LockQueueTail) acquireRead(id txn.TxnId) []txn.TxnId {
	t.readLockRequesters = append(t.readLockRequesters, id)
	if t.hasWriter {
		return []txn.TxnId{t.writeLockRequester}
	}
	return nil
}

// acquireWrite clears the current readers (they all become blockers) and
// the current writer (if any, also a blocker), then installs id as the new
// writer.
func (t *LockQueueTail) acquireWrite(id txn.TxnId) []txn.TxnId {
	var blockers []txn.TxnId
	if len(t.readLockRequesters) > 0 {
		blockers = append(blockers, t.readLockRequesters...)
		t.readLockRequesters = t.readLockRequesters[:0]
	} else if t.hasWriter {
		blockers = append(blockers, t.writeLockRequester)
	}
	t.writeLockRequester = id
	t.hasWriter = true
	return blockers
}

// TxnInfo is the per-transaction state in the wait-for graph: who is waiting
// on this txn (waited_by), how many edges point into this txn
// (num_waiting_for), and how many lock requests have yet to arrive for it
// (unarrived_lock_requests) — the signal the resolver uses to decide
// stability.
type TxnInfo struct {
	WaitedBy               []txn.TxnId
	NumWaitingFor          int32
	UnarrivedLockRequests  int32
	NumPartitions          int32
	Deadlocked             bool
}

// IsReady reports readiness: no outstanding blockers and no unarrived
// fragments.
func (i *TxnInfo) IsReady() bool {
	return i.NumWaitingFor == 0 && i.UnarrivedLockRequests == 0
}

// IsStable reports the local-view stability the resolver needs: no
// unarrived fragments. (Global stability additionally requires every
// partition's local view to agree; that comparison happens in go/ddr.)
func (i *TxnInfo) IsStable() bool { return i.UnarrivedLockRequests == 0 }

// Snapshot is a read-only copy of one txn's graph-relevant state, handed to
// the Deadlock Resolver so it can build its local graph without holding the
// live latch for the duration of a gossip round.
type Snapshot struct {
	Id                    txn.TxnId
	WaitedBy              []txn.TxnId
	NumPartitions         int32
	Stable                bool
	Deadlocked            bool
}

// Manager is the DDR lock manager's public contract (spec.md §4.1).
type Manager struct {
	log ops.Logger

	mu         sync.Mutex // protects lockTable; Scheduler-thread only in the reference design, but Go gives us no free lunch on that assumption.
	lockTable  map[txn.KeyReplica]*LockQueueTail

	infoMu   sync.Mutex // the "txn-info latch" shared with the Deadlock Resolver.
	txnInfo  map[txn.TxnId]*TxnInfo

	sizeLimit int
}

// NewManager constructs an empty DDR lock manager. sizeLimit is stored as
// the soft cap on lockTable size spec.md §5 documents (kLockTableSizeLimit
// in the original, ~10^6), but no code path checks it: the table is not
// bounded.
func NewManager(log ops.Logger, sizeLimit int) *Manager {
	return &Manager{
		log:       log,
		lockTable: make(map[txn.KeyReplica]*LockQueueTail),
		txnInfo:   make(map[txn.TxnId]*TxnInfo),
		sizeLimit: sizeLimit,
	}
}

// expectedFragments returns the count of key-entries this AcquireLocks call
// will contribute locks for, used to decrement UnarrivedLockRequests.
func expectedFragments(t *txn.Transaction, isLocalHome func(home uint32) bool) int {
	n := 0
	for _, k := range t.Keys {
		if isLocalHome(k.Metadata.Master) {
			n++
		}
	}
	return n
}

// AcquireLocks runs the algorithm of spec.md §4.1: for each locally-relevant
// key entry, consult the LockQueueTail for (key, home), collect blockers,
// then under the txn-info latch record the wait-for edges and report
// readiness. isLocalHome decides whether a given key-entry's current master
// (Metadata.Master) is local; only that (key, master) replica is locked. For
// a remaster txn this locks the key under its old master only: the replica
// under NewMaster is not locked.
func (m *Manager) AcquireLocks(t *txn.Transaction, isLocalHome func(home uint32) bool) AcquireResult {
	var blockerSet = make(map[txn.TxnId]int) // txn id -> occurrence count (duplicates intentional, see below)

	m.mu.Lock()
	for _, k := range t.Keys {
		if !isLocalHome(k.Metadata.Master) {
			continue
		}
		kr := txn.NewKeyReplica(k.Key, k.Metadata.Master)
		tail, ok := m.lockTable[kr]
		if !ok {
			tail = &LockQueueTail{}
			m.lockTable[kr] = tail
		}
		var blockers []txn.TxnId
		if k.Type == txn.Write {
			blockers = tail.acquireWrite(t.Id)
		} else {
			blockers = tail.acquireRead(t.Id)
		}
		for _, b := range blockers {
			if b != t.Id {
				blockerSet[b]++
			}
		}
	}
	m.mu.Unlock()

	// Deduplicate with counts preserved: spec.md is explicit that duplicate
	// blocker occurrences are intentional (a multi-home txn may be blocked
	// by the same peer through two distinct lock-only fragments) and must
	// be mirrored into both sides of the edge so release can subtract the
	// matching count.
	var blockers = make([]txn.TxnId, 0, len(blockerSet))
	for b := range blockerSet {
		blockers = append(blockers, b)
	}
	sort.Slice(blockers, func(i, j int) bool { return blockers[i] < blockers[j] })

	contributed := expectedFragments(t, isLocalHome)

	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	info, ok := m.txnInfo[t.Id]
	if !ok {
		// No EnsureInfo call staked out a baseline ahead of this one (the
		// common single-fragment case): treat this call as contributing the
		// entire expected total, so it cancels out to stable rather than
		// going permanently negative.
		info = &TxnInfo{UnarrivedLockRequests: int32(contributed)}
		m.txnInfo[t.Id] = info
	}
	info.UnarrivedLockRequests -= int32(contributed)

	for _, b := range blockers {
		bInfo, ok := m.txnInfo[b]
		if !ok {
			// The blocker already released (lost the race) — no edge to record.
			continue
		}
		for i := 0; i < blockerSet[b]; i++ {
			bInfo.WaitedBy = append(bInfo.WaitedBy, t.Id)
			info.NumWaitingFor++
		}
	}

	if info.IsReady() {
		return Acquired
	}
	return Waiting
}

// Released describes a txn that became ready as a side effect of a release.
type Released struct {
	Id         txn.TxnId
	Deadlocked bool
}

// ReleaseLocks implements spec.md §4.1's release algorithm: the releasing
// txn must already be ready (a release of an unready txn is a programmer
// error and is fatal, per spec.md §7). Every non-sentinel entry in its
// waited_by list has its target's NumWaitingFor decremented; targets that
// become ready are returned for the Scheduler to dispatch.
func (m *Manager) ReleaseLocks(id txn.TxnId) []Released {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	info, ok := m.txnInfo[id]
	if !ok {
		m.log.Log(log.WarnLevel, nil, "release of unknown txn "+idString(id))
		return nil
	}
	if !info.IsReady() {
		ops.Fatal(m.log, nil, "release of unready txn "+idString(id))
		return nil
	}

	var ready []Released
	for _, b := range info.WaitedBy {
		if b == txn.SentinelTxnId {
			continue
		}
		bInfo, ok := m.txnInfo[b]
		if !ok {
			m.log.Log(log.ErrorLevel, nil, "dangling wait-for edge to absent txn "+idString(b))
			continue
		}
		bInfo.NumWaitingFor--
		if bInfo.IsReady() {
			ready = append(ready, Released{Id: b, Deadlocked: bInfo.Deadlocked})
		}
	}
	delete(m.txnInfo, id)
	return ready
}

// Snapshot copies the entire txn-info table under the shared latch for the
// Deadlock Resolver's "build local graph" phase. Stability is computed here
// (UnarrivedLockRequests == 0) so go/ddr never needs to reach back into
// lockmgr internals.
func (m *Manager) Snapshot() []Snapshot {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	out := make([]Snapshot, 0, len(m.txnInfo))
	for id, info := range m.txnInfo {
		waitedBy := make([]txn.TxnId, len(info.WaitedBy))
		copy(waitedBy, info.WaitedBy)
		out = append(out, Snapshot{
			Id:            id,
			WaitedBy:      waitedBy,
			NumPartitions: info.NumPartitions,
			Stable:        info.IsStable(),
			Deadlocked:    info.Deadlocked,
		})
	}
	return out
}

// MergeDelta is one rewired txn's contribution from a completed Deadlock
// Resolver run: the sentinel-rewritten prefix of waited_by (only the prefix
// the resolver saw is overwritten; entries appended after the snapshot are
// preserved) and the signed delta to apply to NumWaitingFor.
type MergeDelta struct {
	Id                txn.TxnId
	RewrittenPrefix   []txn.TxnId
	NumWaitingForDelta int32
	Deadlocked        bool
}

// Merge applies the Deadlock Resolver's rewiring decisions back into the
// live table (spec.md §4.2, "Merging back"). Returns txns that became ready
// as a result, for the caller to forward to the Scheduler as ready_txns_.
func (m *Manager) Merge(deltas []MergeDelta) []Released {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	var ready []Released
	for _, d := range deltas {
		info, ok := m.txnInfo[d.Id]
		if !ok {
			// Txn already released/GC'd between snapshot and merge; nothing to do.
			continue
		}
		for i, v := range d.RewrittenPrefix {
			if i < len(info.WaitedBy) {
				info.WaitedBy[i] = v
			} else {
				info.WaitedBy = append(info.WaitedBy, v)
			}
		}
		info.NumWaitingFor += d.NumWaitingForDelta
		info.Deadlocked = info.Deadlocked || d.Deadlocked
		if info.IsReady() {
			ready = append(ready, Released{Id: d.Id, Deadlocked: info.Deadlocked})
		}
	}
	return ready
}

// EnsureInfo registers a txn's expected fragment/partition counts before its
// first AcquireLocks call arrives — used by the Scheduler when a multi-home
// header names the home regions before any lock-only fragment has landed.
func (m *Manager) EnsureInfo(id txn.TxnId, expectedFragments, numPartitions int32) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	if _, ok := m.txnInfo[id]; !ok {
		m.txnInfo[id] = &TxnInfo{
			UnarrivedLockRequests: expectedFragments,
			NumPartitions:         numPartitions,
		}
	}
}

// Stats returns a structured snapshot for the Scheduler's Stats envelope
// handler (spec.md §4.4).
type Stats struct {
	LockTableSize int
	NumTxns       int
	NumWaiting    int
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	lockTableSize := len(m.lockTable)
	m.mu.Unlock()

	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	waiting := 0
	for _, info := range m.txnInfo {
		if !info.IsReady() {
			waiting++
		}
	}
	return Stats{LockTableSize: lockTableSize, NumTxns: len(m.txnInfo), NumWaiting: waiting}
}

func idString(id txn.TxnId) string {
	return fmt.Sprintf("txn(%d)", uint64(id))
}
