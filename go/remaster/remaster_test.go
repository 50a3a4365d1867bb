package remaster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctring/detock/go/registry"
	"github.com/ctring/detock/go/storage"
	"github.com/ctring/detock/go/txn"
)

func TestValidateOutcomes(t *testing.T) {
	require.Equal(t, AbortStale, Validate(storage.Record{Counter: 5}, txn.KeyMetadata{Counter: 3}))
	require.Equal(t, Waiting, Validate(storage.Record{Counter: 5}, txn.KeyMetadata{Counter: 6}))
	require.Equal(t, Valid, Validate(storage.Record{Counter: 5}, txn.KeyMetadata{Counter: 5}))
}

// TestStaleCounterAbort mirrors spec.md §8 scenario 3.
func TestStaleCounterAbort(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("k"), storage.Record{Master: 0, Counter: 5})

	m := NewManager(store)
	h := &registry.Holder{Id: 1}
	tx := &txn.Transaction{Id: 1, Keys: []txn.KeyEntry{
		{Key: txn.Key("k"), Metadata: txn.KeyMetadata{Master: 0, Counter: 3}},
	}}
	outcome, reason := m.ValidateTransaction(h, tx)
	require.Equal(t, OutcomeAbort, outcome)
	require.Equal(t, "outdated counter", reason)
}

// TestRemasterCommitUnblocksWaiter mirrors spec.md §8 scenario 4: T2 parks
// waiting for counter 6 while T1's remaster of k (5->6) is in flight; once
// T1 commits and calls RemasterOccurred, T2 must be unblocked.
func TestRemasterCommitUnblocksWaiter(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("k"), storage.Record{Master: 0, Counter: 5})

	m := NewManager(store)

	h2 := &registry.Holder{Id: 2}
	t2 := &txn.Transaction{Id: 2, Keys: []txn.KeyEntry{
		{Key: txn.Key("k"), Metadata: txn.KeyMetadata{Master: 1, Counter: 6}},
	}}
	outcome, _ := m.ValidateTransaction(h2, t2)
	require.Equal(t, OutcomeWaiting, outcome)

	unblocked, aborted := m.RemasterOccurred(txn.Key("k"), 6)
	require.Len(t, unblocked, 1)
	require.Same(t, h2, unblocked[0])
	require.Empty(t, aborted)
}

// TestRemasterCommitAbortsTxnsBehindTheNewCounter covers the "aborts those
// waiting on lower counters" half of spec.md §4.3's remaster_occurred: a txn
// parked expecting counter 6 is permanently stranded if the master jumps
// straight to counter 7 (e.g. an intervening remaster it never saw), and
// must be aborted rather than left waiting forever.
func TestRemasterCommitAbortsTxnsBehindTheNewCounter(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("k"), storage.Record{Master: 0, Counter: 5})

	m := NewManager(store)

	h := &registry.Holder{Id: 3}
	parked := &txn.Transaction{Id: 3, Keys: []txn.KeyEntry{
		{Key: txn.Key("k"), Metadata: txn.KeyMetadata{Master: 1, Counter: 6}},
	}}
	outcome, _ := m.ValidateTransaction(h, parked)
	require.Equal(t, OutcomeWaiting, outcome)

	unblocked, aborted := m.RemasterOccurred(txn.Key("k"), 7)
	require.Empty(t, unblocked)
	require.Len(t, aborted, 1)
	require.Same(t, h, aborted[0])
}
