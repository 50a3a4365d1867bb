package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctring/detock/go/txn"
)

func TestSingleHomeFragmentCompletesImmediately(t *testing.T) {
	var r = NewRegistry()
	var tx = &txn.Transaction{Id: 1, Type: txn.SingleHome}
	h, result, err := r.Accept(tx, nil)
	require.NoError(t, err)
	require.Equal(t, HolderReady, result)
	require.True(t, h.IsComplete())
}

func TestDuplicateFragmentIsDroppedAndLogged(t *testing.T) {
	var r = NewRegistry()
	var tx = &txn.Transaction{Id: 1, Type: txn.SingleHome}
	r.Accept(tx, nil)
	h, result, err := r.Accept(tx, nil)
	require.NoError(t, err)
	require.Equal(t, DuplicateFragment, result)
	require.Same(t, tx, h.Header)
}

// TestMultiHomeLateHeader mirrors spec.md §8 scenario 5: both lock-only
// fragments arrive before the MH header; the header's arrival must
// immediately observe the holder as complete.
func TestMultiHomeLateHeader(t *testing.T) {
	var r = NewRegistry()

	lo0 := &txn.Transaction{Id: 7, Type: txn.LockOnly, Home: 0}
	lo1 := &txn.Transaction{Id: 7, Type: txn.LockOnly, Home: 1}

	_, result, err := r.Accept(lo0, nil)
	require.NoError(t, err)
	require.Equal(t, AwaitingMoreFragments, result)

	_, result, err = r.Accept(lo1, nil)
	require.NoError(t, err)
	require.Equal(t, AwaitingMoreFragments, result)

	header := &txn.Transaction{Id: 7, Type: txn.MultiHome}
	h, result, err := r.Accept(header, []uint32{0, 1})
	require.NoError(t, err)
	require.Equal(t, HolderReady, result)
	require.True(t, h.IsComplete())
	require.Len(t, h.LockOnlyFragments(), 2)
}

func TestMultiHomeHeaderBeforeFragments(t *testing.T) {
	var r = NewRegistry()

	header := &txn.Transaction{Id: 9, Type: txn.MultiHome}
	_, result, err := r.Accept(header, []uint32{0, 1})
	require.NoError(t, err)
	require.Equal(t, AwaitingMoreFragments, result)

	lo0 := &txn.Transaction{Id: 9, Type: txn.LockOnly, Home: 0}
	_, result, _ = r.Accept(lo0, nil)
	require.Equal(t, AwaitingMoreFragments, result)

	lo1 := &txn.Transaction{Id: 9, Type: txn.LockOnly, Home: 1}
	h, result, _ := r.Accept(lo1, nil)
	require.Equal(t, HolderReady, result)
	require.True(t, h.IsComplete())
}

func TestGCReadyRequiresDoneAndComplete(t *testing.T) {
	var r = NewRegistry()
	var tx = &txn.Transaction{Id: 1, Type: txn.SingleHome}
	h, _, _ := r.Accept(tx, nil)
	require.False(t, h.GCReady())
	h.Done = true
	require.True(t, h.GCReady())
	r.Erase(h.Id)
	_, ok := r.Get(h.Id)
	require.False(t, ok)
}
