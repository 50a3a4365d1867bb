package rpcpeer

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ctring/detock/go/ddr"
	"github.com/ctring/detock/go/txn"
	"github.com/ctring/detock/go/worker"
)

// PeerDialer resolves a partition id to a dialable address and lists the
// region's peer partitions (excluding the local one), backed by the
// etcd-based Directory in production and a static map in tests.
type PeerDialer interface {
	Address(partition uint32) (string, bool)
	Peers() []uint32
}

// Transport implements worker.Broadcaster and ddr.Gossip over gRPC,
// lazily dialing and caching one *grpc.ClientConn per peer partition.
type Transport struct {
	localPartition uint32
	dialer         PeerDialer
	auth           *PeerAuth // nil disables peer authentication

	mu    sync.Mutex
	conns map[uint32]*grpc.ClientConn

	mu2    sync.Mutex
	graphs map[uint32][]VertexWire // partition -> vertices received this round
}

func NewTransport(localPartition uint32, dialer PeerDialer, auth *PeerAuth) *Transport {
	return &Transport{
		localPartition: localPartition,
		dialer:         dialer,
		auth:           auth,
		conns:          make(map[uint32]*grpc.ClientConn),
		graphs:         make(map[uint32][]VertexWire),
	}
}

func (t *Transport) clientFor(partition uint32) (*SchedulerClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.conns[partition]; ok {
		return NewSchedulerClient(cc), nil
	}
	addr, ok := t.dialer.Address(partition)
	if !ok {
		return nil, fmt.Errorf("rpcpeer: no known address for partition %d", partition)
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gogoCodec{}.Name())),
	}
	if t.auth != nil {
		opts = append(opts, grpc.WithChainUnaryInterceptor(t.auth.UnaryClientInterceptor))
	}
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	t.conns[partition] = cc
	return NewSchedulerClient(cc), nil
}

// SendRemoteRead implements worker.Broadcaster.
func (t *Transport) SendRemoteRead(partition uint32, r worker.RemoteReadResult) error {
	cl, err := t.clientFor(partition)
	if err != nil {
		return err
	}
	reads := make([]KeyEntryWire, len(r.Reads))
	for i, e := range r.Reads {
		reads[i] = KeyEntryWire{Key: e.Key, Master: e.Metadata.Master, Counter: e.Metadata.Counter, Value: e.Value}
	}
	wire := &RemoteReadWire{
		TxnId: uint64(r.Run.Txn), Deadlocked: r.Run.Deadlocked, Partition: r.Partition,
		WillAbort: r.WillAbort, AbortReason: r.AbortReason, Reads: reads,
	}
	_, err = cl.PushRemoteRead(context.Background(), wire)
	return err
}

// Broadcast implements ddr.Gossip by pushing this partition's local graph to
// every peer the dialer knows about within the region.
func (t *Transport) Broadcast(ctx context.Context, vertices []ddr.PeerVertex) error {
	wireVertices := make([]VertexWire, len(vertices))
	for i, v := range vertices {
		edges := make([]uint64, len(v.Edges))
		for j, e := range v.Edges {
			edges[j] = uint64(e)
		}
		wireVertices[i] = VertexWire{Id: uint64(v.Id), Edges: edges, NumPartitions: v.NumPartitions, Deadlocked: v.Deadlocked}
	}
	graph := &GraphWire{Partition: t.localPartition, Vertices: wireVertices}
	for _, p := range t.dialer.Peers() {
		cl, err := t.clientFor(p)
		if err != nil {
			return err
		}
		if _, err := cl.PushGraph(ctx, graph); err != nil {
			return err
		}
	}
	return nil
}

// Collect implements ddr.Gossip by draining the local buffer that peers'
// PushGraph calls fill (see Server.PushGraph and Record), keyed by the
// sending partition. It does not wait: a peer whose graph has not arrived
// yet is absent from the result.
func (t *Transport) Collect(ctx context.Context) (map[uint32][]ddr.PeerVertex, error) {
	out := make(map[uint32][]ddr.PeerVertex)
	for _, g := range t.Snapshot() {
		vertices := make([]ddr.PeerVertex, len(g.Vertices))
		for i, v := range g.Vertices {
			edges := make([]txn.TxnId, len(v.Edges))
			for j, e := range v.Edges {
				edges[j] = txn.TxnId(e)
			}
			vertices[i] = ddr.PeerVertex{Id: txn.TxnId(v.Id), Edges: edges, NumPartitions: v.NumPartitions, Deadlocked: v.Deadlocked}
		}
		out[g.Partition] = vertices
	}
	return out, nil
}

// Record stores an incoming PushGraph for the next Collect (or PullGraphs)
// call; called from the server-side SchedulerServer.PushGraph implementation.
func (t *Transport) Record(partition uint32, vertices []VertexWire) {
	t.mu2.Lock()
	defer t.mu2.Unlock()
	t.graphs[partition] = vertices
}

// Snapshot returns every partition's currently buffered graph, for Collect
// (and PullGraphs) to consume, and clears the buffer for the next round.
func (t *Transport) Snapshot() []GraphWire {
	t.mu2.Lock()
	defer t.mu2.Unlock()
	out := make([]GraphWire, 0, len(t.graphs))
	for partition, vertices := range t.graphs {
		out = append(out, GraphWire{Partition: partition, Vertices: vertices})
	}
	t.graphs = make(map[uint32][]VertexWire)
	return out
}
