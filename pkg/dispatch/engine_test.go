package dispatch

import (
    "context"
    "errors"
    "testing"
    "time"

    "slotgate/pkg/metrics"
    "slotgate/pkg/pool"
    "slotgate/pkg/schedule"
    "slotgate/pkg/shardkv"
    "slotgate/pkg/transport/mem"
)

// feedSchedule seeds a tracker with leaders and endpoints as if the feed had
// delivered them just now.
func feedSchedule(trk *schedule.Tracker, leaders map[uint64]string, addrs map[string]string) {
    now := time.Now().UnixMilli()
    ev := schedule.Event{Type: schedule.EvSlotLeaders, ObservedAtMS: now}
    for slot, v := range leaders {
        ev.Leaders = append(ev.Leaders, schedule.SlotLeader{Slot: slot, Validator: v})
    }
    trk.Apply(ev)
    av := schedule.Event{Type: schedule.EvValidatorAddrs, ObservedAtMS: now}
    for v, addr := range addrs {
        av.Addrs = append(av.Addrs, schedule.ValidatorAddr{Validator: v, Addr: addr})
    }
    trk.Apply(av)
}

func newEngine(t *testing.T, tr *mem.Transport, opts Options) (*Engine, *schedule.Tracker, *metrics.Metrics) {
    t.Helper()
    m := metrics.New()
    trk := schedule.NewTracker(shardkv.New(shardkv.Options{}), m)
    p := pool.New(tr, pool.Options{MaxSessions: 64}, m)
    t.Cleanup(p.Close)
    return New(trk, p, opts, m), trk, m
}

func TestFanoutDeduplicatesConsecutiveLeader(t *testing.T) {
    tr := mem.New()
    eng, trk, _ := newEngine(t, tr, Options{FanoutSlots: 4})
    feedSchedule(trk,
        map[uint64]string{100: "L1", 101: "L1", 102: "L1", 103: "L2"},
        map[string]string{"L1": "l1:9000", "L2": "l2:9000"})

    out, err := eng.Dispatch(context.Background(), []byte("tx"), 100)
    if err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if out.Status != StatusAccepted {
        t.Fatalf("expected accepted, got %v", out.Status)
    }
    if len(out.PerTarget) != 2 {
        t.Fatalf("expected 2 deduplicated targets, got %d", len(out.PerTarget))
    }
    if n := len(tr.Delivered("l1:9000")); n != 1 {
        t.Fatalf("L1 must receive exactly one copy, got %d", n)
    }
    if n := len(tr.Delivered("l2:9000")); n != 1 {
        t.Fatalf("L2 must receive exactly one copy, got %d", n)
    }
    for _, r := range out.PerTarget {
        if r.Validator == "L1" && len(r.Slots) != 3 {
            t.Fatalf("L1 should cover 3 slots, got %v", r.Slots)
        }
    }
}

func TestUnknownSlotsAreSkipped(t *testing.T) {
    tr := mem.New()
    eng, trk, _ := newEngine(t, tr, Options{FanoutSlots: 3})
    // only the middle slot resolves
    feedSchedule(trk,
        map[uint64]string{101: "L1"},
        map[string]string{"L1": "l1:9000"})

    out, err := eng.Dispatch(context.Background(), []byte("tx"), 100)
    if err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if out.Status != StatusAccepted || len(out.PerTarget) != 1 {
        t.Fatalf("expected one accepted target, got %+v", out)
    }
}

func TestAllUnknownRejectsWithoutSending(t *testing.T) {
    tr := mem.New()
    eng, trk, m := newEngine(t, tr, Options{FanoutSlots: 3})
    // leader known but its endpoint is not: still unknown for dispatch
    feedSchedule(trk, map[uint64]string{100: "L1"}, nil)

    _, err := eng.Dispatch(context.Background(), []byte("tx"), 100)
    if !errors.Is(err, ErrUnknownLeader) {
        t.Fatalf("expected ErrUnknownLeader, got %v", err)
    }
    if got := m.Snapshot(); got.SendsOK != 0 || got.SendsFailed != 0 {
        t.Fatalf("no sends expected, got %+v", got)
    }
}

func TestStaleScheduleRejects(t *testing.T) {
    tr := mem.New()
    eng, trk, m := newEngine(t, tr, Options{FanoutSlots: 3, StalenessCeiling: time.Millisecond})
    feedSchedule(trk,
        map[uint64]string{100: "L1"},
        map[string]string{"L1": "l1:9000"})

    time.Sleep(10 * time.Millisecond)
    _, err := eng.Dispatch(context.Background(), []byte("tx"), 100)
    if !errors.Is(err, ErrStaleSchedule) {
        t.Fatalf("expected ErrStaleSchedule, got %v", err)
    }
    if m.Snapshot().StaleSchedule != 1 {
        t.Fatal("stale rejection must be counted")
    }
}

func TestTransientFailureSpendsRetryBudget(t *testing.T) {
    tr := mem.New()
    tr.FailDial("l1:9000", errors.New("connection refused"))
    eng, trk, m := newEngine(t, tr, Options{FanoutSlots: 1, RetryBudget: 2})
    feedSchedule(trk,
        map[uint64]string{100: "L1"},
        map[string]string{"L1": "l1:9000"})

    out, err := eng.Dispatch(context.Background(), []byte("tx"), 100)
    if err == nil {
        t.Fatal("expected dispatch error")
    }
    if out.Status != StatusRejected {
        t.Fatalf("expected rejected, got %v", out.Status)
    }
    if out.PerTarget[0].Attempts != 3 {
        t.Fatalf("expected 3 attempts (1 + budget 2), got %d", out.PerTarget[0].Attempts)
    }
    if got := m.Snapshot().Retries; got != 2 {
        t.Fatalf("expected 2 retries counted, got %d", got)
    }
}

func TestPartialFailure(t *testing.T) {
    tr := mem.New()
    tr.FailSend("l2:9000", errors.New("stream reset"))
    eng, trk, _ := newEngine(t, tr, Options{FanoutSlots: 2, RetryBudget: 1})
    feedSchedule(trk,
        map[uint64]string{100: "L1", 101: "L2"},
        map[string]string{"L1": "l1:9000", "L2": "l2:9000"})

    out, err := eng.Dispatch(context.Background(), []byte("tx"), 100)
    if err != nil {
        t.Fatalf("partial failure is not a dispatch error: %v", err)
    }
    if out.Status != StatusPartiallyFailed {
        t.Fatalf("expected partially_failed, got %v", out.Status)
    }
    if n := len(tr.Delivered("l1:9000")); n != 1 {
        t.Fatalf("healthy target must still be served, got %d frames", n)
    }
}

func TestCancellationStopsRetries(t *testing.T) {
    tr := mem.New()
    tr.SetDialDelay("l1:9000", time.Second)
    eng, trk, _ := newEngine(t, tr, Options{FanoutSlots: 1, RetryBudget: 5})
    feedSchedule(trk,
        map[uint64]string{100: "L1"},
        map[string]string{"L1": "l1:9000"})

    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
    defer cancel()
    out, err := eng.Dispatch(ctx, []byte("tx"), 100)
    if err == nil {
        t.Fatal("expected dispatch error")
    }
    if out.PerTarget[0].Attempts != 1 {
        t.Fatalf("cancellation must not spend the retry budget, got %d attempts", out.PerTarget[0].Attempts)
    }
    if n := tr.DialCount("l1:9000"); n != 1 {
        t.Fatalf("expected a single dial, got %d", n)
    }
}

func TestInflightCeilingHoldsWithoutMetrics(t *testing.T) {
    tr := mem.New()
    tr.SetDialDelay("l1:9000", 100*time.Millisecond)
    trk := schedule.NewTracker(shardkv.New(shardkv.Options{}), nil)
    p := pool.New(tr, pool.Options{MaxSessions: 64}, nil)
    t.Cleanup(p.Close)
    eng := New(trk, p, Options{FanoutSlots: 1, MaxInflight: 1}, nil)
    feedSchedule(trk,
        map[uint64]string{100: "L1"},
        map[string]string{"L1": "l1:9000"})

    started := make(chan struct{})
    doneCh := make(chan struct{})
    go func() {
        close(started)
        _, _ = eng.Dispatch(context.Background(), []byte("tx"), 100)
        close(doneCh)
    }()
    <-started
    time.Sleep(20 * time.Millisecond)

    if _, err := eng.Dispatch(context.Background(), []byte("tx2"), 100); !errors.Is(err, ErrOverloaded) {
        t.Fatalf("cap must hold with nil metrics, got %v", err)
    }
    <-doneCh

    // the slot is released once the first job completes
    if _, err := eng.Dispatch(context.Background(), []byte("tx3"), 100); errors.Is(err, ErrOverloaded) {
        t.Fatal("slot must be released after the job finishes")
    }
}

func TestInflightCeilingRejectsImmediately(t *testing.T) {
    tr := mem.New()
    tr.SetDialDelay("l1:9000", 100*time.Millisecond)
    eng, trk, m := newEngine(t, tr, Options{FanoutSlots: 1, MaxInflight: 1})
    feedSchedule(trk,
        map[uint64]string{100: "L1"},
        map[string]string{"L1": "l1:9000"})

    started := make(chan struct{})
    doneCh := make(chan struct{})
    go func() {
        close(started)
        _, _ = eng.Dispatch(context.Background(), []byte("tx"), 100)
        close(doneCh)
    }()
    <-started
    time.Sleep(20 * time.Millisecond)

    begin := time.Now()
    _, err := eng.Dispatch(context.Background(), []byte("tx2"), 100)
    if !errors.Is(err, ErrOverloaded) {
        t.Fatalf("expected ErrOverloaded, got %v", err)
    }
    if d := time.Since(begin); d > 50*time.Millisecond {
        t.Fatalf("overload rejection must not block, took %v", d)
    }
    <-doneCh
    if m.Snapshot().Overloaded != 1 {
        t.Fatal("overload rejection must be counted")
    }
}
