// Package metrics holds the gateway's telemetry counters and gauges.
// Counters are plain atomics; Snapshot returns a point-in-time copy without
// blocking any hot path. An external collector can poll Snapshot and export
// it in whatever format the deployment uses.
package metrics

import "sync/atomic"

// Metrics aggregates all gateway counters. One instance is shared by the
// RPC layer, the dispatch engine, the pool and the tracker.
type Metrics struct {
    // submission path
    Submissions  atomic.Uint64
    Batches      atomic.Uint64
    Duplicates   atomic.Uint64
    DecodeErrors atomic.Uint64
    Overloaded   atomic.Uint64

    // dispatch outcomes
    Accepted        atomic.Uint64
    PartiallyFailed atomic.Uint64
    Rejected        atomic.Uint64

    // per-target sends
    SendsOK       atomic.Uint64
    SendsFailed   atomic.Uint64
    Retries       atomic.Uint64
    UnknownLeader atomic.Uint64
    StaleSchedule atomic.Uint64

    // rebroadcast loop
    Rebroadcasts atomic.Uint64
    Confirmed    atomic.Uint64
    Dropped      atomic.Uint64

    // gauges
    InflightJobs atomic.Int64
    PoolSessions atomic.Int64
    PendingTxs   atomic.Int64
    StalenessMS  atomic.Int64
}

func New() *Metrics { return &Metrics{} }

// Stats is a snapshot of all counters and gauges.
type Stats struct {
    Submissions  uint64
    Batches      uint64
    Duplicates   uint64
    DecodeErrors uint64
    Overloaded   uint64

    Accepted        uint64
    PartiallyFailed uint64
    Rejected        uint64

    SendsOK       uint64
    SendsFailed   uint64
    Retries       uint64
    UnknownLeader uint64
    StaleSchedule uint64

    Rebroadcasts uint64
    Confirmed    uint64
    Dropped      uint64

    InflightJobs int64
    PoolSessions int64
    PendingTxs   int64
    StalenessMS  int64
}

// Snapshot returns an instantaneous copy of every counter and gauge.
func (m *Metrics) Snapshot() Stats {
    return Stats{
        Submissions:  m.Submissions.Load(),
        Batches:      m.Batches.Load(),
        Duplicates:   m.Duplicates.Load(),
        DecodeErrors: m.DecodeErrors.Load(),
        Overloaded:   m.Overloaded.Load(),

        Accepted:        m.Accepted.Load(),
        PartiallyFailed: m.PartiallyFailed.Load(),
        Rejected:        m.Rejected.Load(),

        SendsOK:       m.SendsOK.Load(),
        SendsFailed:   m.SendsFailed.Load(),
        Retries:       m.Retries.Load(),
        UnknownLeader: m.UnknownLeader.Load(),
        StaleSchedule: m.StaleSchedule.Load(),

        Rebroadcasts: m.Rebroadcasts.Load(),
        Confirmed:    m.Confirmed.Load(),
        Dropped:      m.Dropped.Load(),

        InflightJobs: m.InflightJobs.Load(),
        PoolSessions: m.PoolSessions.Load(),
        PendingTxs:   m.PendingTxs.Load(),
        StalenessMS:  m.StalenessMS.Load(),
    }
}
