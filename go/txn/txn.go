// Package txn defines the core data types shared by every scheduler
// component: keys, machine identifiers, transaction ids and the transaction
// record itself.
package txn

import "fmt"

// Key is an opaque byte string identifying a record in the store.
type Key []byte

// KeyReplica is the unit of locking: a key paired with the home region whose
// lock queue tail is being consulted.
type KeyReplica struct {
	Key        string // Key, as a comparable map key.
	HomeRegion uint32
}

func NewKeyReplica(key Key, home uint32) KeyReplica {
	return KeyReplica{Key: string(key), HomeRegion: home}
}

// MachineId densely identifies a (region, partition) pair within a single
// replication group: region*num_partitions + partition.
type MachineId uint32

// MakeMachineId packs a (region, partition) pair given the partition count of
// the deployment. Inverse of UnpackMachineId.
func MakeMachineId(region, partition, numPartitions uint32) MachineId {
	return MachineId(region*numPartitions + partition)
}

// UnpackMachineId recovers (region, partition) from a MachineId given the
// partition count of the deployment.
func UnpackMachineId(m MachineId, numPartitions uint32) (region, partition uint32) {
	v := uint32(m)
	return v / numPartitions, v % numPartitions
}

func (m MachineId) String() string { return fmt.Sprintf("machine(%d)", uint32(m)) }

// TxnId uniquely identifies a transaction for the lifetime of the process.
// Zero is reserved as the sentinel value used by the DDR lock manager to mark
// a removed wait-for edge without shrinking the owning slice.
type TxnId uint64

// SentinelTxnId overwrites removed waited_by slots; it is never a real id.
const SentinelTxnId TxnId = 0

// RunId distinguishes pre- and post-DDR-resolution execution attempts of the
// same transaction so that remote-read streams from each attempt don't
// collide on the wire.
type RunId struct {
	Txn         TxnId
	Deadlocked  bool
}

// RedirectTag is the broker demultiplexing tag this run registers on
// entering WAIT_REMOTE_READ and deregisters on FINISH. The *10 encoding
// assumes at most one rerun per TxnId (see DESIGN.md).
func (r RunId) RedirectTag() uint64 {
	tag := uint64(r.Txn) * 10
	if r.Deadlocked {
		tag++
	}
	return tag
}

func (r RunId) String() string { return fmt.Sprintf("run(%d,%v)", r.Txn, r.Deadlocked) }

// TxnType classifies how a transaction was decomposed upstream.
type TxnType int

const (
	SingleHome TxnType = iota
	MultiHome
	LockOnly
)

func (t TxnType) String() string {
	switch t {
	case SingleHome:
		return "SINGLE_HOME"
	case MultiHome:
		return "MULTI_HOME"
	case LockOnly:
		return "LOCK_ONLY"
	default:
		return "UNKNOWN"
	}
}

// TxnStatus is the terminal (or pending) outcome of a transaction.
type TxnStatus int

const (
	NotStarted TxnStatus = iota
	Committed
	Aborted
)

// KeyEntryType distinguishes a read from a write access within a Transaction.
type KeyEntryType int

const (
	Read KeyEntryType = iota
	Write
)

// KeyMetadata is the mastership/versioning envelope carried alongside a key's
// value, both on the wire and in storage.
type KeyMetadata struct {
	Master  uint32
	Counter uint64
}

// KeyEntry is one key access within a transaction's program.
type KeyEntry struct {
	Key      Key
	Type     KeyEntryType
	Metadata KeyMetadata
	Value    []byte
	NewValue []byte
}

// Procedure is either a reference into a command library ("code") or a
// remaster directive.
type Procedure struct {
	IsRemaster  bool
	Code        string
	Args        []string
	RemasterKey Key
	NewMaster   uint32
}

// Event is a tracing point recorded on a Transaction's Trace, supplemented
// from original_source's TransactionEvent enum (see SPEC_FULL.md §3).
type Event int

const (
	EventEnterScheduler Event = iota
	EventAccepted
	EventEnterWorker
	EventGotRemoteReads
	EventGotRemoteReadsDeadlocked
	EventExitWorker
)

// Transaction is the record passed between Scheduler, lock manager, remaster
// manager and Worker.
type Transaction struct {
	Id     TxnId
	Type   TxnType
	Home   uint32 // home region, meaningful for SINGLE_HOME/LOCK_ONLY
	Server MachineId
	Proc   Procedure
	Keys   []KeyEntry

	InvolvedPartitions []uint32
	ActivePartitions   []uint32
	InvolvedReplicas   []uint32

	Status       TxnStatus
	AbortReason  string
	Deadlocked   bool
	Trace        []Event
}

func (t *Transaction) RecordEvent(e Event) { t.Trace = append(t.Trace, e) }

// KeysInPartition reports whether any key entry of this fragment is
// mastered locally — the non-empty check original_source's registry runs
// before bothering to consult the remaster manager or lock manager over a
// fragment that touches nothing this partition masters (spec.md §8,
// "multi-home fragment arriving before the MH header").
func (t *Transaction) KeysInPartition(isLocalHome func(master uint32) bool) bool {
	for _, k := range t.Keys {
		if isLocalHome(k.Metadata.Master) {
			return true
		}
	}
	return false
}
