// Package dispatch fans transactions out to the validators leading the next
// few slots. Each submission becomes one job: resolve the upcoming leaders,
// deduplicate them, send to all of them in parallel through the session pool,
// and fold the per-target results into a single outcome. Jobs never queue
// behind each other; when the engine is at its in-flight ceiling new work is
// rejected immediately.
package dispatch

import (
    "context"
    "errors"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "slotgate/pkg/metrics"
    "slotgate/pkg/pool"
    "slotgate/pkg/schedule"
    "slotgate/pkg/transport"
)

var (
    // ErrOverloaded is returned when the in-flight job ceiling is reached.
    ErrOverloaded = errors.New("dispatch: too many in-flight jobs")
    // ErrStaleSchedule is returned when the leader schedule has not been
    // refreshed within the staleness ceiling. Sending on a stale schedule
    // would target validators that are no longer leaders.
    ErrStaleSchedule = errors.New("dispatch: leader schedule is stale")
    // ErrUnknownLeader is returned when none of the target slots resolve to
    // a reachable leader.
    ErrUnknownLeader = errors.New("dispatch: no known leader for target slots")
)

// Options tunes the engine.
type Options struct {
    // FanoutSlots is how many upcoming slots to cover, starting at the
    // current slot.
    FanoutSlots int
    // RetryBudget is the number of additional attempts per target after the
    // first, spent only on transient transport failures.
    RetryBudget int
    // AttemptTimeout bounds each individual acquire+send attempt.
    AttemptTimeout time.Duration
    // MaxInflight caps concurrent jobs.
    MaxInflight int
    // StalenessCeiling rejects jobs when the schedule is older than this.
    StalenessCeiling time.Duration
}

func (o Options) withDefaults() Options {
    if o.FanoutSlots <= 0 {
        o.FanoutSlots = 3
    }
    if o.RetryBudget < 0 {
        o.RetryBudget = 0
    }
    if o.AttemptTimeout <= 0 {
        o.AttemptTimeout = 500 * time.Millisecond
    }
    if o.MaxInflight <= 0 {
        o.MaxInflight = 2048
    }
    if o.StalenessCeiling <= 0 {
        o.StalenessCeiling = 2 * time.Second
    }
    return o
}

// Status classifies a job outcome.
type Status int

const (
    StatusAccepted Status = iota
    StatusPartiallyFailed
    StatusRejected
)

func (s Status) String() string {
    switch s {
    case StatusAccepted:
        return "accepted"
    case StatusPartiallyFailed:
        return "partially_failed"
    case StatusRejected:
        return "rejected"
    default:
        return "unknown"
    }
}

// TargetResult records one validator's delivery result.
type TargetResult struct {
    Validator transport.ValidatorID
    Endpoint  string
    Slots     []uint64
    Attempts  int
    Err       error
}

// Outcome is the folded result of one dispatch job.
type Outcome struct {
    JobID     string
    Status    Status
    PerTarget []TargetResult
}

// Engine resolves leaders and drives parallel sends through the pool.
type Engine struct {
    trk  *schedule.Tracker
    pool *pool.Manager
    opts Options
    m    *metrics.Metrics

    // inflight enforces the job cap; the metrics gauge only mirrors it
    inflight atomic.Int64
}

// New builds an Engine. m may be nil.
func New(trk *schedule.Tracker, p *pool.Manager, opts Options, m *metrics.Metrics) *Engine {
    return &Engine{trk: trk, pool: p, opts: opts.withDefaults(), m: m}
}

// target is one deduplicated validator with the slots it leads in the window.
type target struct {
    validator transport.ValidatorID
    endpoint  string
    slots     []uint64
}

// Dispatch sends wire to the leaders of slots [currentSlot, currentSlot+K).
// It returns ErrOverloaded, ErrStaleSchedule or ErrUnknownLeader without
// attempting any send; otherwise the Outcome carries per-target results.
func (e *Engine) Dispatch(ctx context.Context, wire []byte, currentSlot uint64) (Outcome, error) {
    out := Outcome{JobID: uuid.NewString(), Status: StatusRejected}

    if e.inflight.Add(1) > int64(e.opts.MaxInflight) {
        n := e.inflight.Add(-1)
        if e.m != nil {
            e.m.InflightJobs.Store(n)
            e.m.Overloaded.Add(1)
        }
        return out, ErrOverloaded
    }
    if e.m != nil {
        e.m.InflightJobs.Store(e.inflight.Load())
    }
    defer func() {
        n := e.inflight.Add(-1)
        if e.m != nil {
            e.m.InflightJobs.Store(n)
        }
    }()

    age := e.trk.StalenessAge()
    if e.m != nil {
        e.m.StalenessMS.Store(age.Milliseconds())
    }
    if age > e.opts.StalenessCeiling {
        if e.m != nil {
            e.m.StaleSchedule.Add(1)
            e.m.Rejected.Add(1)
        }
        zap.L().Warn("rejecting job on stale schedule",
            zap.String("job", out.JobID), zap.Duration("age", age))
        return out, ErrStaleSchedule
    }

    targets := e.resolveTargets(currentSlot)
    if len(targets) == 0 {
        if e.m != nil {
            e.m.UnknownLeader.Add(1)
            e.m.Rejected.Add(1)
        }
        return out, ErrUnknownLeader
    }

    results := make([]TargetResult, len(targets))
    done := make(chan int, len(targets))
    for i, tg := range targets {
        go func(i int, tg target) {
            results[i] = e.sendOne(ctx, tg, wire)
            done <- i
        }(i, tg)
    }
    for range targets {
        <-done
    }

    out.PerTarget = results
    ok := 0
    for _, r := range results {
        if r.Err == nil {
            ok++
        }
    }
    switch {
    case ok == len(results):
        out.Status = StatusAccepted
        if e.m != nil {
            e.m.Accepted.Add(1)
        }
    case ok > 0:
        out.Status = StatusPartiallyFailed
        if e.m != nil {
            e.m.PartiallyFailed.Add(1)
        }
    default:
        out.Status = StatusRejected
        if e.m != nil {
            e.m.Rejected.Add(1)
        }
        return out, errors.Join(collectErrs(results)...)
    }
    zap.L().Debug("job dispatched",
        zap.String("job", out.JobID),
        zap.Uint64("slot", currentSlot),
        zap.Int("targets", len(targets)),
        zap.Int("delivered", ok),
        zap.String("status", out.Status.String()))
    return out, nil
}

// resolveTargets queries the tracker for the fan-out window and deduplicates
// consecutive slots led by the same validator. Unknown slots are skipped.
func (e *Engine) resolveTargets(currentSlot uint64) []target {
    views := e.trk.LeadersFor(currentSlot, e.opts.FanoutSlots)
    byValidator := make(map[transport.ValidatorID]int, len(views))
    targets := make([]target, 0, len(views))
    for _, v := range views {
        if !v.Known {
            continue
        }
        if i, ok := byValidator[v.Record.Validator]; ok {
            targets[i].slots = append(targets[i].slots, v.Slot)
            continue
        }
        byValidator[v.Record.Validator] = len(targets)
        targets = append(targets, target{
            validator: v.Record.Validator,
            endpoint:  v.Record.Endpoint,
            slots:     []uint64{v.Slot},
        })
    }
    return targets
}

// sendOne delivers wire to a single target, spending the retry budget only on
// transient failures. Each attempt is bounded by the attempt timeout.
func (e *Engine) sendOne(ctx context.Context, tg target, wire []byte) TargetResult {
    r := TargetResult{Validator: tg.validator, Endpoint: tg.endpoint, Slots: tg.slots}
    for attempt := 0; attempt <= e.opts.RetryBudget; attempt++ {
        if ctx.Err() != nil {
            r.Err = ctx.Err()
            return r
        }
        if attempt > 0 && e.m != nil {
            e.m.Retries.Add(1)
        }
        r.Attempts = attempt + 1
        err := e.attempt(ctx, tg, wire)
        if err == nil {
            r.Err = nil
            if e.m != nil {
                e.m.SendsOK.Add(1)
            }
            return r
        }
        r.Err = err
        if e.m != nil {
            e.m.SendsFailed.Add(1)
        }
        if !e.retryable(ctx, err) {
            return r
        }
    }
    return r
}

// retryable reports whether the retry budget may be spent on err. An attempt
// that timed out is transient as long as the job itself is still alive.
func (e *Engine) retryable(ctx context.Context, err error) bool {
    if errors.Is(err, context.DeadlineExceeded) {
        return ctx.Err() == nil
    }
    return isTransient(err)
}

func (e *Engine) attempt(ctx context.Context, tg target, wire []byte) error {
    actx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
    defer cancel()
    s, err := e.pool.Acquire(actx, tg.endpoint, tg.validator)
    if err != nil {
        return err
    }
    err = s.Send(wire)
    e.pool.Release(s, err)
    return err
}

// isTransient classifies non-timeout errors. Cancellation is final: the
// caller has gone away. Everything else on the send path (dial failures,
// cool-downs, stream errors) is worth one more try.
func isTransient(err error) bool {
    if errors.Is(err, context.Canceled) {
        return false
    }
    if errors.Is(err, pool.ErrClosed) {
        return false
    }
    return true
}

func collectErrs(results []TargetResult) []error {
    var errs []error
    for _, r := range results {
        if r.Err != nil {
            errs = append(errs, r.Err)
        }
    }
    return errs
}
