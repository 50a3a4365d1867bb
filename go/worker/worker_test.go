package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/registry"
	"github.com/ctring/detock/go/storage"
	"github.com/ctring/detock/go/txn"
)

type noopBroadcaster struct{}

func (noopBroadcaster) SendRemoteRead(uint32, RemoteReadResult) error { return nil }

func TestSinglePartitionCommit(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("k"), storage.Record{Master: 0, Counter: 1, Value: []byte("old")})

	var ran bool
	exec := CommandLibrary{"noop": func(t *txn.Transaction) error { ran = true; return nil }}

	w := NewWorker(0, ops.StdLogger(), store, noopBroadcaster{}, exec, 0, false)

	var done txn.TxnId
	w.SetHooks(nil, nil, func(id txn.TxnId) { done = id }, nil)

	h := &registry.Holder{Id: 1}
	tx := &txn.Transaction{
		Id:                 1,
		Proc:               txn.Procedure{Code: "noop"},
		InvolvedPartitions: []uint32{0},
		ActivePartitions:   []uint32{0},
		Keys: []txn.KeyEntry{
			{Key: txn.Key("k"), Type: txn.Read, Metadata: txn.KeyMetadata{Master: 0, Counter: 1}},
		},
	}
	w.Dispatch(h, tx)

	require.True(t, ran)
	require.Equal(t, txn.Committed, tx.Status)
	require.Equal(t, txn.TxnId(1), done)
}

func TestAbortOnCounterMismatch(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("k"), storage.Record{Master: 0, Counter: 5})

	exec := CommandLibrary{"noop": func(t *txn.Transaction) error { return nil }}
	w := NewWorker(0, ops.StdLogger(), store, noopBroadcaster{}, exec, 0, false)

	h := &registry.Holder{Id: 1}
	tx := &txn.Transaction{
		Id:                 1,
		Proc:               txn.Procedure{Code: "noop"},
		InvolvedPartitions: []uint32{0},
		ActivePartitions:   []uint32{0},
		Keys: []txn.KeyEntry{
			{Key: txn.Key("k"), Type: txn.Read, Metadata: txn.KeyMetadata{Master: 0, Counter: 3}},
		},
	}
	w.Dispatch(h, tx)
	require.Equal(t, txn.Aborted, tx.Status)
	require.Equal(t, "outdated counter", tx.AbortReason)
}

func TestAbortOnMasterMismatch(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("k"), storage.Record{Master: 1, Counter: 3})

	exec := CommandLibrary{"noop": func(t *txn.Transaction) error { return nil }}
	w := NewWorker(0, ops.StdLogger(), store, noopBroadcaster{}, exec, 0, false)

	h := &registry.Holder{Id: 1}
	tx := &txn.Transaction{
		Id:                 1,
		Proc:               txn.Procedure{Code: "noop"},
		InvolvedPartitions: []uint32{0},
		ActivePartitions:   []uint32{0},
		Keys: []txn.KeyEntry{
			{Key: txn.Key("k"), Type: txn.Read, Metadata: txn.KeyMetadata{Master: 0, Counter: 3}},
		},
	}
	w.Dispatch(h, tx)
	require.Equal(t, txn.Aborted, tx.Status)
	require.Equal(t, "outdated master", tx.AbortReason)
}

func TestWaitsForRemoteReadAcrossTwoPartitions(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("local"), storage.Record{Master: 0, Counter: 0})

	exec := CommandLibrary{"noop": func(t *txn.Transaction) error { return nil }}
	w := NewWorker(0, ops.StdLogger(), store, noopBroadcaster{}, exec, 0, true)

	var registered, deregistered []uint64
	var done txn.TxnId
	w.SetHooks(
		func(tag uint64) { registered = append(registered, tag) },
		func(tag uint64) { deregistered = append(deregistered, tag) },
		func(id txn.TxnId) { done = id },
		nil,
	)

	h := &registry.Holder{Id: 42}
	tx := &txn.Transaction{
		Id:                 42,
		Proc:               txn.Procedure{Code: "noop"},
		InvolvedPartitions: []uint32{0, 1},
		ActivePartitions:   []uint32{0, 1},
		Keys: []txn.KeyEntry{
			{Key: txn.Key("local"), Type: txn.Read, Metadata: txn.KeyMetadata{Master: 0, Counter: 0}},
			{Key: txn.Key("remote"), Type: txn.Read, Metadata: txn.KeyMetadata{Master: 1, Counter: 0}},
		},
	}
	w.Dispatch(h, tx)

	// Still waiting: partition 1's read hasn't arrived, so the txn must not
	// have reached FINISH yet.
	require.Equal(t, txn.TxnId(0), done)
	require.Len(t, registered, 1)

	run := txn.RunId{Txn: 42, Deadlocked: false}
	w.OnRemoteRead(RemoteReadResult{
		Run: run, Partition: 1,
		Reads: []ReadEntry{{Key: txn.Key("remote"), Value: []byte("v"), Metadata: txn.KeyMetadata{Master: 1, Counter: 0}}},
	})

	require.Equal(t, txn.TxnId(42), done)
	require.Len(t, deregistered, 1)
	require.Equal(t, registered[0], deregistered[0])
	require.Equal(t, txn.Committed, tx.Status)
}

func TestRemasterCommitBumpsCounterAndStashesResult(t *testing.T) {
	store := storage.NewMemory()
	store.Put(txn.Key("k"), storage.Record{Master: 0, Counter: 5, Value: []byte("v")})

	w := NewWorker(0, ops.StdLogger(), store, noopBroadcaster{}, CommandLibrary{}, 0, false)

	h := &registry.Holder{Id: 1}
	tx := &txn.Transaction{
		Id:                 1,
		Proc:               txn.Procedure{IsRemaster: true, RemasterKey: txn.Key("k"), NewMaster: 1},
		InvolvedPartitions: []uint32{0},
		ActivePartitions:   []uint32{0},
		Keys: []txn.KeyEntry{
			{Key: txn.Key("k"), Type: txn.Write, Metadata: txn.KeyMetadata{Master: 0, Counter: 5}},
		},
	}
	w.Dispatch(h, tx)

	require.Equal(t, txn.Committed, tx.Status)
	require.NotNil(t, h.Remaster)
	require.Equal(t, uint64(6), h.Remaster.NewCounter)

	rec, ok, _ := store.Get(txn.Key("k"))
	require.True(t, ok)
	require.Equal(t, uint32(1), rec.Master)
	require.Equal(t, uint64(6), rec.Counter)
}
