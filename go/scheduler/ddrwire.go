package scheduler

import (
	"context"

	"github.com/ctring/detock/go/ddr"
	"github.com/ctring/detock/go/lockmgr"
)

// toLockSnapshots adapts lockmgr.Manager.Snapshot's output to ddr.LockSnapshot,
// the seam the two packages' deliberate decoupling (see go/ddr's doc
// comments) puts on whichever caller owns both concrete types.
func toLockSnapshots(in []lockmgr.Snapshot) []ddr.LockSnapshot {
	out := make([]ddr.LockSnapshot, len(in))
	for i, s := range in {
		out[i] = ddr.LockSnapshot{
			Id:            s.Id,
			WaitedBy:      s.WaitedBy,
			NumPartitions: s.NumPartitions,
			Stable:        s.Stable,
			Deadlocked:    s.Deadlocked,
		}
	}
	return out
}

// toMergeDeltas adapts ddr.MergeDelta to lockmgr.MergeDelta for the same
// reason in the other direction.
func toMergeDeltas(in []ddr.MergeDelta) []lockmgr.MergeDelta {
	out := make([]lockmgr.MergeDelta, len(in))
	for i, d := range in {
		out[i] = lockmgr.MergeDelta{
			Id:                 d.Id,
			RewrittenPrefix:    d.RewrittenPrefix,
			NumWaitingForDelta: d.NumWaitingForDelta,
			Deadlocked:         d.Deadlocked,
		}
	}
	return out
}

// RunDDRRound runs one resolver pass against the Scheduler's own lock
// manager and feeds the result back in as a Signal envelope — the glue a
// production region-local driver (or a test) uses to wire go/ddr to this
// Scheduler without either package importing the other.
func (s *Scheduler) RunDDRRound(ctx context.Context, r *ddr.Resolver) {
	deltas, _ := r.RunOnce(ctx, toLockSnapshots(s.lockMgr.Snapshot()))
	if len(deltas) > 0 {
		s.Signal(toMergeDeltas(deltas))
	}
}
