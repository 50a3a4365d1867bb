// Package remaster implements the per-key mastership counter validation
// described in spec.md §4.3: before a transaction reaches the lock manager,
// every key it touches must agree with storage's current (master, counter)
// or park until a remaster commit catches it up.
package remaster

import (
	"sort"
	"sync"

	"github.com/ctring/detock/go/registry"
	"github.com/ctring/detock/go/storage"
	"github.com/ctring/detock/go/txn"
)

// Validation is the per-key outcome of comparing a txn's expected counter
// against the stored one.
type Validation int

const (
	Valid Validation = iota
	Waiting
	AbortStale
)

// Validate compares rec (the stored record for one key) against the
// transaction's expected counter for that key (spec.md §4.3):
//   - stored > expected -> the txn is stale: ABORT.
//   - stored < expected -> the remaster hasn't caught up yet: WAITING.
//   - equal -> VALID.
func Validate(rec storage.Record, expected txn.KeyMetadata) Validation {
	switch {
	case rec.Counter > expected.Counter:
		return AbortStale
	case rec.Counter < expected.Counter:
		return Waiting
	default:
		return Valid
	}
}

// waitKey identifies a (key, counter) pair a holder is parked on.
type waitKey struct {
	key     string
	counter uint64
}

// Manager parks transactions waiting on a remaster and releases or aborts
// them when remastering completes.
type Manager struct {
	store storage.Store

	mu      sync.Mutex
	waiters map[waitKey][]*registry.Holder
	pending map[txn.TxnId]*parkedTxn
}

type parkedTxn struct {
	holder *registry.Holder
	txn    *txn.Transaction
	waitOn []waitKey
}

func NewManager(store storage.Store) *Manager {
	return &Manager{
		store:   store,
		waiters: make(map[waitKey][]*registry.Holder),
		pending: make(map[txn.TxnId]*parkedTxn),
	}
}

// Outcome is the per-transaction result of Validate applied over every key
// entry: the strictest outcome wins (AbortStale > Waiting > Valid).
type Outcome int

const (
	OutcomeValid Outcome = iota
	OutcomeWaiting
	OutcomeAbort
)

// ValidateTransaction runs spec.md §4.3's per-key validation over every key
// entry of t, parking t on the Manager if any key is Waiting (unless a
// stronger AbortStale outcome exists elsewhere in the txn, which wins
// outright).
func (m *Manager) ValidateTransaction(holder *registry.Holder, t *txn.Transaction) (Outcome, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var waitOn []waitKey
	for _, k := range t.Keys {
		rec, _, err := m.store.Get(k.Key)
		if err != nil {
			return OutcomeAbort, "storage error validating key"
		}
		switch Validate(rec, k.Metadata) {
		case AbortStale:
			return OutcomeAbort, "outdated counter"
		case Waiting:
			waitOn = append(waitOn, waitKey{key: string(k.Key), counter: k.Metadata.Counter})
		}
	}
	if len(waitOn) == 0 {
		return OutcomeValid, ""
	}

	m.pending[t.Id] = &parkedTxn{holder: holder, txn: t, waitOn: waitOn}
	for _, wk := range waitOn {
		m.waiters[wk] = append(m.waiters[wk], holder)
	}
	return OutcomeWaiting, ""
}

// RemasterOccurred implements spec.md §4.3's release-on-commit: every txn
// parked on (key, newCounter) becomes VALID and is unblocked; every txn
// parked on (key, lowerCounter) is now permanently stale and is aborted.
func (m *Manager) RemasterOccurred(key txn.Key, newCounter uint64) (unblocked []*registry.Holder, shouldAbort []*registry.Holder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toCheck []txn.TxnId
	for id, p := range m.pending {
		for _, wk := range p.waitOn {
			if wk.key == string(key) {
				toCheck = append(toCheck, id)
				break
			}
		}
	}
	sort.Slice(toCheck, func(i, j int) bool { return toCheck[i] < toCheck[j] })

	for _, id := range toCheck {
		p := m.pending[id]
		for _, k := range p.txn.Keys {
			if string(k.Key) != string(key) {
				continue
			}
			if k.Metadata.Counter == newCounter {
				unblocked = append(unblocked, p.holder)
			} else if k.Metadata.Counter < newCounter {
				shouldAbort = append(shouldAbort, p.holder)
			} else {
				continue // still ahead of this remaster; stays parked.
			}
			m.removeParked(id)
		}
	}
	return unblocked, shouldAbort
}

// ReleaseTransaction removes a txn from the parked set (e.g. it aborted for
// an unrelated reason while still waiting here), returning it via the same
// two-list shape as RemasterOccurred so the Scheduler can propagate the
// abort uniformly.
func (m *Manager) ReleaseTransaction(id txn.TxnId) (unblocked []*registry.Holder, shouldAbort []*registry.Holder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, nil
	}
	m.removeParked(id)
	return nil, []*registry.Holder{p.holder}
}

// removeParked must be called with mu held.
func (m *Manager) removeParked(id txn.TxnId) {
	p, ok := m.pending[id]
	if !ok {
		return
	}
	for _, wk := range p.waitOn {
		list := m.waiters[wk]
		for i, h := range list {
			if h == p.holder {
				m.waiters[wk] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.waiters[wk]) == 0 {
			delete(m.waiters, wk)
		}
	}
	delete(m.pending, id)
}
