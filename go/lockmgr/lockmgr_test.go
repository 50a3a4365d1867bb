package lockmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/txn"
)

func localHome(h uint32) func(uint32) bool {
	return func(master uint32) bool { return master == h }
}

func singleKeyTxn(id txn.TxnId, kind txn.KeyEntryType, key string, home uint32) *txn.Transaction {
	return &txn.Transaction{
		Id: id,
		Keys: []txn.KeyEntry{
			{Key: txn.Key(key), Type: kind, Metadata: txn.KeyMetadata{Master: home}},
		},
	}
}

func TestReadThenWriteContention(t *testing.T) {
	var m = NewManager(ops.StdLogger(), 0)

	var t1 = singleKeyTxn(1, txn.Read, "k", 0)
	require.Equal(t, Acquired, m.AcquireLocks(t1, localHome(0)))

	var t2 = singleKeyTxn(2, txn.Write, "k", 0)
	require.Equal(t, Waiting, m.AcquireLocks(t2, localHome(0)))

	var released = m.ReleaseLocks(1)
	require.Len(t, released, 1)
	require.Equal(t, txn.TxnId(2), released[0].Id)
}

func TestWriteThenWriteQueuesInOrder(t *testing.T) {
	var m = NewManager(ops.StdLogger(), 0)

	var t1 = singleKeyTxn(1, txn.Write, "k", 0)
	require.Equal(t, Acquired, m.AcquireLocks(t1, localHome(0)))

	var t2 = singleKeyTxn(2, txn.Write, "k", 0)
	require.Equal(t, Waiting, m.AcquireLocks(t2, localHome(0)))

	var t3 = singleKeyTxn(3, txn.Write, "k", 0)
	require.Equal(t, Waiting, m.AcquireLocks(t3, localHome(0)))

	require.Equal(t, []Released{{Id: 2}}, m.ReleaseLocks(1))

	// t2 was never released so t3 still waits on it alone.
	released := m.ReleaseLocks(2)
	require.Len(t, released, 1)
	require.Equal(t, txn.TxnId(3), released[0].Id)
}

func TestReleaseOfUnreadyTxnIsFatal(t *testing.T) {
	require.Panics(t, func() {
		var m = NewManager(ops.StdLogger(), 0)
		var t1 = singleKeyTxn(1, txn.Write, "k", 0)
		var t2 = singleKeyTxn(2, txn.Write, "k", 0)
		m.AcquireLocks(t1, localHome(0))
		m.AcquireLocks(t2, localHome(0))
		// t2 is WAITING; releasing it must hit the fatal path.
		m.ReleaseLocks(2)
	})
}

func TestDuplicateBlockerOccurrencesMirrorIntoWaitedBy(t *testing.T) {
	var m = NewManager(ops.StdLogger(), 0)

	var blocker = &txn.Transaction{
		Id: 1,
		Keys: []txn.KeyEntry{
			{Key: txn.Key("a"), Type: txn.Write, Metadata: txn.KeyMetadata{Master: 0}},
			{Key: txn.Key("b"), Type: txn.Write, Metadata: txn.KeyMetadata{Master: 0}},
		},
	}
	require.Equal(t, Acquired, m.AcquireLocks(blocker, localHome(0)))

	// A multi-home-style fragment blocked by the same peer through two
	// distinct lock-only fragments touching both a and b.
	var mh = &txn.Transaction{
		Id: 2,
		Keys: []txn.KeyEntry{
			{Key: txn.Key("a"), Type: txn.Write, Metadata: txn.KeyMetadata{Master: 0}},
			{Key: txn.Key("b"), Type: txn.Write, Metadata: txn.KeyMetadata{Master: 0}},
		},
	}
	require.Equal(t, Waiting, m.AcquireLocks(mh, localHome(0)))

	// Releasing the blocker must account for both occurrences, making mh
	// ready in one shot rather than requiring two releases.
	var released = m.ReleaseLocks(1)
	require.Len(t, released, 1)
	require.Equal(t, txn.TxnId(2), released[0].Id)
}

func TestSnapshotAndMergeRoundTrip(t *testing.T) {
	var m = NewManager(ops.StdLogger(), 0)
	var t1 = singleKeyTxn(1, txn.Write, "k", 0)
	var t2 = singleKeyTxn(2, txn.Write, "k", 0)
	m.AcquireLocks(t1, localHome(0))
	m.AcquireLocks(t2, localHome(0))

	var snap = m.Snapshot()
	require.Len(t, snap, 2)

	// Resolver decides to directly release t2's dependency on t1 (simulating
	// DDR rewiring an SCC down to a no-op chain): delta of -1 on t2.
	var ready = m.Merge([]MergeDelta{{Id: 2, NumWaitingForDelta: -1, Deadlocked: true}})
	require.Len(t, ready, 1)
	require.Equal(t, txn.TxnId(2), ready[0].Id)
	require.True(t, ready[0].Deadlocked)
}
