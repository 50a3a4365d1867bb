package rpcpeer

import (
	"context"

	"github.com/ctring/detock/go/scheduler"
	"github.com/ctring/detock/go/txn"
	"github.com/ctring/detock/go/worker"
)

// Server implements SchedulerServer, routing each RPC to the scheduler's
// envelope queue, the worker pool's remote-read inbox, or this transport's
// graph buffer (for the Deadlock Resolver's gossip round).
type Server struct {
	sched     *scheduler.Scheduler
	pool      []*worker.Worker
	transport *Transport
}

func NewServer(sched *scheduler.Scheduler, pool []*worker.Worker, transport *Transport) *Server {
	return &Server{sched: sched, pool: pool, transport: transport}
}

func (s *Server) ForwardTxn(ctx context.Context, in *TxnEnvelope) (*Empty, error) {
	s.sched.ForwardTxn(in.ToTransaction(), in.ExpectedHomes)
	return &Empty{}, nil
}

func (s *Server) PushRemoteRead(ctx context.Context, in *RemoteReadWire) (*Empty, error) {
	reads := make([]worker.ReadEntry, len(in.Reads))
	for i, r := range in.Reads {
		reads[i] = worker.ReadEntry{
			Key:      txn.Key(r.Key),
			Value:    r.Value,
			Metadata: txn.KeyMetadata{Master: r.Master, Counter: r.Counter},
		}
	}
	result := worker.RemoteReadResult{
		Run:         txn.RunId{Txn: txn.TxnId(in.TxnId), Deadlocked: in.Deadlocked},
		Partition:   in.Partition,
		WillAbort:   in.WillAbort,
		AbortReason: in.AbortReason,
		Reads:       reads,
	}
	// Every worker in the local pool watches its own subset of in-flight
	// runs; OnRemoteRead is a no-op for runs it isn't tracking.
	for _, w := range s.pool {
		w.OnRemoteRead(result)
	}
	return &Empty{}, nil
}

func (s *Server) PushGraph(ctx context.Context, in *GraphWire) (*Empty, error) {
	s.transport.Record(in.Partition, in.Vertices)
	return &Empty{}, nil
}

func (s *Server) PullGraphs(ctx context.Context, in *Empty) (*GraphsWire, error) {
	return &GraphsWire{Graphs: s.transport.Snapshot()}, nil
}

func (s *Server) Stats(ctx context.Context, in *Empty) (*StatsWire, error) {
	snap := s.sched.Stats()
	return &StatsWire{
		LockManagerType:       snap.LockManagerType,
		NumActiveTxns:         int64(snap.NumActiveTxns),
		NumTxnsWaitingForLock: int64(snap.NumTxnsWaitingForLock),
		LockTableSize:         int64(snap.LockTableSize),
	}, nil
}
