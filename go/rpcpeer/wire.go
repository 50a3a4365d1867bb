// Package rpcpeer implements the peer-to-peer transport between Scheduler
// instances: the gRPC service carrying ForwardTxn, RemoteReadResult, Graph
// (Deadlock Resolver gossip) and Stats RPCs, plus an etcd-backed directory
// of live peers (spec.md §2/§6). Grounded on the teacher's protocol/flow
// wire types (gogo/protobuf struct-tagged messages, hand-maintained rather
// than protoc-generated in this tree) and its keyspace-watching client
// pattern, adapted from Gazette's etcd-based broker directory to
// go.etcd.io/etcd/client/v3 directly.
package rpcpeer

import (
	gogoproto "github.com/gogo/protobuf/proto"

	"github.com/ctring/detock/go/txn"
)

// protoString backs every wire type's String() via gogo/protobuf's
// reflection-based text formatter, so these hand-maintained message types
// behave like protoc-generated ones without requiring .proto codegen in
// this tree.
func protoString(m gogoproto.Message) string { return gogoproto.CompactTextString(m) }

// KeyEntryWire is the wire shape of one txn.KeyEntry.
type KeyEntryWire struct {
	Key      []byte `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Type     int32  `protobuf:"varint,2,opt,name=type,proto3" json:"type,omitempty"`
	Master   uint32 `protobuf:"varint,3,opt,name=master,proto3" json:"master,omitempty"`
	Counter  uint64 `protobuf:"varint,4,opt,name=counter,proto3" json:"counter,omitempty"`
	Value    []byte `protobuf:"bytes,5,opt,name=value,proto3" json:"value,omitempty"`
	NewValue []byte `protobuf:"bytes,6,opt,name=new_value,proto3" json:"new_value,omitempty"`
}

func (*KeyEntryWire) Reset()         {}
func (m *KeyEntryWire) String() string { return protoString(m) }
func (*KeyEntryWire) ProtoMessage()  {}

// TxnEnvelope carries a ForwardTxn request: one fragment (SINGLE_HOME,
// MULTI_HOME header, or LOCK_ONLY) of a transaction, plus the expected home
// set for MULTI_HOME headers (spec.md §6).
type TxnEnvelope struct {
	Id                 uint64         `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Type               int32          `protobuf:"varint,2,opt,name=type,proto3" json:"type,omitempty"`
	Home               uint32         `protobuf:"varint,3,opt,name=home,proto3" json:"home,omitempty"`
	ProcCode           string         `protobuf:"bytes,4,opt,name=proc_code,proto3" json:"proc_code,omitempty"`
	ProcArgs           []string       `protobuf:"bytes,5,rep,name=proc_args,proto3" json:"proc_args,omitempty"`
	IsRemaster         bool           `protobuf:"varint,6,opt,name=is_remaster,proto3" json:"is_remaster,omitempty"`
	RemasterKey        []byte         `protobuf:"bytes,7,opt,name=remaster_key,proto3" json:"remaster_key,omitempty"`
	NewMaster          uint32         `protobuf:"varint,8,opt,name=new_master,proto3" json:"new_master,omitempty"`
	Keys               []KeyEntryWire `protobuf:"bytes,9,rep,name=keys,proto3" json:"keys,omitempty"`
	InvolvedPartitions []uint32       `protobuf:"varint,10,rep,packed,name=involved_partitions,proto3" json:"involved_partitions,omitempty"`
	ActivePartitions   []uint32       `protobuf:"varint,11,rep,packed,name=active_partitions,proto3" json:"active_partitions,omitempty"`
	InvolvedReplicas   []uint32       `protobuf:"varint,12,rep,packed,name=involved_replicas,proto3" json:"involved_replicas,omitempty"`
	ExpectedHomes      []uint32       `protobuf:"varint,13,rep,packed,name=expected_homes,proto3" json:"expected_homes,omitempty"`
}

func (*TxnEnvelope) Reset()         {}
func (m *TxnEnvelope) String() string { return protoString(m) }
func (*TxnEnvelope) ProtoMessage()  {}

// ToTransaction converts the wire envelope back into the in-process type.
func (e *TxnEnvelope) ToTransaction() *txn.Transaction {
	keys := make([]txn.KeyEntry, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = txn.KeyEntry{
			Key:      txn.Key(k.Key),
			Type:     txn.KeyEntryType(k.Type),
			Metadata: txn.KeyMetadata{Master: k.Master, Counter: k.Counter},
			Value:    k.Value,
			NewValue: k.NewValue,
		}
	}
	return &txn.Transaction{
		Id:   txn.TxnId(e.Id),
		Type: txn.TxnType(e.Type),
		Home: e.Home,
		Proc: txn.Procedure{
			IsRemaster:  e.IsRemaster,
			Code:        e.ProcCode,
			Args:        e.ProcArgs,
			RemasterKey: txn.Key(e.RemasterKey),
			NewMaster:   e.NewMaster,
		},
		Keys:               keys,
		InvolvedPartitions: e.InvolvedPartitions,
		ActivePartitions:   e.ActivePartitions,
		InvolvedReplicas:   e.InvolvedReplicas,
	}
}

// TxnEnvelopeFrom converts t (plus the expected home set, non-nil only for
// MULTI_HOME headers) into its wire form.
func TxnEnvelopeFrom(t *txn.Transaction, expectedHomes []uint32) *TxnEnvelope {
	keys := make([]KeyEntryWire, len(t.Keys))
	for i, k := range t.Keys {
		keys[i] = KeyEntryWire{
			Key: k.Key, Type: int32(k.Type), Master: k.Metadata.Master,
			Counter: k.Metadata.Counter, Value: k.Value, NewValue: k.NewValue,
		}
	}
	return &TxnEnvelope{
		Id: uint64(t.Id), Type: int32(t.Type), Home: t.Home,
		ProcCode: t.Proc.Code, ProcArgs: t.Proc.Args,
		IsRemaster: t.Proc.IsRemaster, RemasterKey: t.Proc.RemasterKey, NewMaster: t.Proc.NewMaster,
		Keys:               keys,
		InvolvedPartitions: t.InvolvedPartitions,
		ActivePartitions:   t.ActivePartitions,
		InvolvedReplicas:   t.InvolvedReplicas,
		ExpectedHomes:      expectedHomes,
	}
}

// RemoteReadWire is the wire shape of worker.RemoteReadResult.
type RemoteReadWire struct {
	TxnId       uint64         `protobuf:"varint,1,opt,name=txn_id,proto3" json:"txn_id,omitempty"`
	Deadlocked  bool           `protobuf:"varint,2,opt,name=deadlocked,proto3" json:"deadlocked,omitempty"`
	Partition   uint32         `protobuf:"varint,3,opt,name=partition,proto3" json:"partition,omitempty"`
	WillAbort   bool           `protobuf:"varint,4,opt,name=will_abort,proto3" json:"will_abort,omitempty"`
	AbortReason string         `protobuf:"bytes,5,opt,name=abort_reason,proto3" json:"abort_reason,omitempty"`
	Reads       []KeyEntryWire `protobuf:"bytes,6,rep,name=reads,proto3" json:"reads,omitempty"`
}

func (*RemoteReadWire) Reset()         {}
func (m *RemoteReadWire) String() string { return protoString(m) }
func (*RemoteReadWire) ProtoMessage()  {}

// VertexWire is the wire shape of one ddr.PeerVertex.
type VertexWire struct {
	Id            uint64   `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Edges         []uint64 `protobuf:"varint,2,rep,packed,name=edges,proto3" json:"edges,omitempty"`
	NumPartitions int32    `protobuf:"varint,3,opt,name=num_partitions,proto3" json:"num_partitions,omitempty"`
	Deadlocked    bool     `protobuf:"varint,4,opt,name=deadlocked,proto3" json:"deadlocked,omitempty"`
}

func (*VertexWire) Reset()         {}
func (m *VertexWire) String() string { return protoString(m) }
func (*VertexWire) ProtoMessage()  {}

// GraphWire carries one partition's gossiped local graph for a single DDR
// round (spec.md §4.2 phase 2).
type GraphWire struct {
	Partition uint32       `protobuf:"varint,1,opt,name=partition,proto3" json:"partition,omitempty"`
	Vertices  []VertexWire `protobuf:"bytes,2,rep,name=vertices,proto3" json:"vertices,omitempty"`
}

func (*GraphWire) Reset()         {}
func (m *GraphWire) String() string { return protoString(m) }
func (*GraphWire) ProtoMessage()  {}

// StatsWire is the wire shape of scheduler.StatsSnapshot.
type StatsWire struct {
	LockManagerType       string `protobuf:"bytes,1,opt,name=lock_manager_type,proto3" json:"lock_manager_type,omitempty"`
	NumActiveTxns         int64  `protobuf:"varint,2,opt,name=num_active_txns,proto3" json:"num_active_txns,omitempty"`
	NumTxnsWaitingForLock int64  `protobuf:"varint,3,opt,name=num_txns_waiting_for_lock,proto3" json:"num_txns_waiting_for_lock,omitempty"`
	LockTableSize         int64  `protobuf:"varint,4,opt,name=lock_table_size,proto3" json:"lock_table_size,omitempty"`
}

func (*StatsWire) Reset()         {}
func (m *StatsWire) String() string { return protoString(m) }
func (*StatsWire) ProtoMessage()  {}

// GraphsWire is the response to PullGraphs: every partition's graph
// gossiped so far this round, keyed implicitly by each GraphWire's own
// Partition field.
type GraphsWire struct {
	Graphs []GraphWire `protobuf:"bytes,1,rep,name=graphs,proto3" json:"graphs,omitempty"`
}

func (*GraphsWire) Reset()         {}
func (m *GraphsWire) String() string { return protoString(m) }
func (*GraphsWire) ProtoMessage()  {}

// Empty is the zero-field request/response gogo/protobuf messages need for
// RPCs with no payload on one side (e.g. Stats' request).
type Empty struct{}

func (*Empty) Reset()         {}
func (*Empty) String() string { return "{}" }
func (*Empty) ProtoMessage()  {}
