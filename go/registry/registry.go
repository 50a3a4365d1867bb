// Package registry implements the Transaction Holder and the Active-Txn
// Registry: the scheduler-owned aggregate that assembles multi-home
// transactions from their lock-only fragments and tracks completion
// (spec.md §3 "TxnHolder", §4.4).
package registry

import (
	"fmt"

	"github.com/ctring/detock/go/txn"
)

// RemasterResult records a committed remaster's new counter, stashed on the
// holder so the Scheduler can call RemasterManager.RemasterOccurred after
// the worker reports done.
type RemasterResult struct {
	Key        txn.Key
	NewCounter uint64
}

// Holder is the aggregate for one in-flight transaction. For SINGLE_HOME it
// holds the sole fragment directly; for MULTI_HOME it holds the header plus
// a slot per home region, indexed by HomeRegion, filled as LOCK_ONLY
// fragments arrive.
type Holder struct {
	Id     txn.TxnId
	Header *txn.Transaction // nil until the MH header arrives, for MULTI_HOME.

	// slots indexes LOCK_ONLY fragments by home region for MULTI_HOME. For
	// SINGLE_HOME, Header itself is the sole fragment and slots is unused.
	slots map[uint32]*txn.Transaction

	expectedHomes []uint32 // set once Header arrives.

	Aborting    bool
	AbortReason string // set alongside Aborting so a later-rebuilt merged view can carry it.
	Done        bool
	Remaster    *RemasterResult
}

// IsSingleHome reports whether this holder was created as a SH fragment
// (only ever has Header set, no slots expected).
func (h *Holder) IsSingleHome() bool {
	return h.Header != nil && h.Header.Type == txn.SingleHome
}

// IsComplete mirrors spec.md §3: complete when every expected lock-only
// fragment has arrived and the MH header itself has arrived. A SINGLE_HOME
// holder is complete as soon as its sole fragment has arrived.
func (h *Holder) IsComplete() bool {
	if h.IsSingleHome() {
		return true
	}
	if h.Header == nil || h.expectedHomes == nil {
		return false
	}
	for _, home := range h.expectedHomes {
		if h.slots[home] == nil {
			return false
		}
	}
	return true
}

// GCReady reports whether the holder may be erased from the registry:
// finished and every expected fragment is accounted for (spec.md §3).
func (h *Holder) GCReady() bool { return h.Done && h.IsComplete() }

// LockOnlyFragments returns the arrived lock-only fragments in home-region
// order, for the Scheduler to feed through the lock manager.
func (h *Holder) LockOnlyFragments() []*txn.Transaction {
	if h.expectedHomes == nil {
		return nil
	}
	out := make([]*txn.Transaction, 0, len(h.expectedHomes))
	for _, home := range h.expectedHomes {
		if f := h.slots[home]; f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Registry is the map TxnId -> *Holder with try_emplace semantics: the
// first arriving fragment creates the holder; later fragments fill slots or
// are rejected as duplicates.
type Registry struct {
	holders map[txn.TxnId]*Holder
}

func NewRegistry() *Registry {
	return &Registry{holders: make(map[txn.TxnId]*Holder)}
}

// AcceptResult reports what Accept did with an incoming fragment, so the
// Scheduler knows whether to proceed to remaster/lock-manager dispatch.
type AcceptResult int

const (
	// HolderReady means the holder is newly complete (this fragment was
	// the piece that completed it) and should proceed to dispatch.
	HolderReady AcceptResult = iota
	// AwaitingMoreFragments means the holder exists but is still
	// incomplete; no further action this round.
	AwaitingMoreFragments
	// DuplicateFragment means a fragment of the same type+home already
	// existed; this one was logged and dropped, existing holder unchanged.
	DuplicateFragment
)

// Accept implements spec.md §4.4's try_emplace: SINGLE_HOME fragments
// create and immediately complete a holder; MULTI_HOME headers register the
// expected home set and may already be complete if every lock-only fragment
// beat it there (spec.md §8, "multi-home fragment arriving before the MH
// header"); LOCK_ONLY fragments fill their home's slot.
func (r *Registry) Accept(t *txn.Transaction, expectedHomesForHeader []uint32) (*Holder, AcceptResult, error) {
	h, exists := r.holders[t.Id]
	if !exists {
		h = &Holder{Id: t.Id, slots: make(map[uint32]*txn.Transaction)}
		r.holders[t.Id] = h
	}

	switch t.Type {
	case txn.SingleHome:
		if h.Header != nil {
			return h, DuplicateFragment, nil
		}
		h.Header = t
		return h, HolderReady, nil

	case txn.MultiHome:
		if h.Header != nil {
			return h, DuplicateFragment, nil
		}
		h.Header = t
		h.expectedHomes = expectedHomesForHeader
		if h.IsComplete() {
			return h, HolderReady, nil
		}
		return h, AwaitingMoreFragments, nil

	case txn.LockOnly:
		if _, ok := h.slots[t.Home]; ok {
			return h, DuplicateFragment, nil
		}
		h.slots[t.Home] = t
		if h.IsComplete() {
			return h, HolderReady, nil
		}
		return h, AwaitingMoreFragments, nil

	default:
		return nil, DuplicateFragment, fmt.Errorf("unknown transaction type %v for txn %d", t.Type, t.Id)
	}
}

// Get returns the holder for id, if any.
func (r *Registry) Get(id txn.TxnId) (*Holder, bool) {
	h, ok := r.holders[id]
	return h, ok
}

// Erase removes a holder. Erasing a GC-ready holder and subsequently
// re-inserting the same TxnId is rejected by the caller discipline (TxnId is
// never reused within a process) — Erase itself doesn't re-validate this
// since uniqueness is an upstream (sequencer) guarantee, not a registry
// invariant to enforce.
func (r *Registry) Erase(id txn.TxnId) { delete(r.holders, id) }

func (r *Registry) Len() int { return len(r.holders) }
