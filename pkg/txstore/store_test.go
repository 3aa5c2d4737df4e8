package txstore

import (
    "context"
    "sync"
    "testing"
    "time"

    "slotgate/pkg/dispatch"
    "slotgate/pkg/metrics"
    "slotgate/pkg/shardkv"
)

type fakeDispatcher struct {
    mu    sync.Mutex
    wires [][]byte
    slots []uint64
}

func (d *fakeDispatcher) Dispatch(_ context.Context, wire []byte, slot uint64) (dispatch.Outcome, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.wires = append(d.wires, wire)
    d.slots = append(d.slots, slot)
    return dispatch.Outcome{Status: dispatch.StatusAccepted}, nil
}

func (d *fakeDispatcher) calls() int {
    d.mu.Lock()
    defer d.mu.Unlock()
    return len(d.wires)
}

type fixedSlot uint64

func (s fixedSlot) CurrentSlot() uint64 { return uint64(s) }

func newStore(t *testing.T, opts Options, m *metrics.Metrics) *Store {
    t.Helper()
    kv := shardkv.New(shardkv.Options{Shards: 16})
    t.Cleanup(kv.Close)
    return New(kv, opts, m)
}

func TestPutRejectsDuplicateSignature(t *testing.T) {
    s := newStore(t, Options{}, nil)
    if !s.Put("sig-1", []byte("tx"), 100) {
        t.Fatal("first put must succeed")
    }
    if s.Put("sig-1", []byte("tx"), 100) {
        t.Fatal("duplicate signature must be rejected")
    }
    if !s.Has("sig-1") {
        t.Fatal("signature should be pending")
    }
    if s.Len() != 1 {
        t.Fatalf("expected 1 pending, got %d", s.Len())
    }
}

func TestConfirmRemovesPending(t *testing.T) {
    m := metrics.New()
    s := newStore(t, Options{}, m)
    s.Put("sig-1", []byte("tx"), 100)
    if !s.Confirm("sig-1") {
        t.Fatal("confirm should find the entry")
    }
    if s.Has("sig-1") {
        t.Fatal("confirmed transaction must be gone")
    }
    if got := m.Snapshot(); got.Confirmed != 1 || got.PendingTxs != 0 {
        t.Fatalf("unexpected metrics: %+v", got)
    }
    // once removed the signature may be submitted again
    if !s.Put("sig-1", []byte("tx"), 200) {
        t.Fatal("re-put after confirm must succeed")
    }
}

func TestSweepResendsAndSpendsBudget(t *testing.T) {
    m := metrics.New()
    s := newStore(t, Options{MaxRetries: 2, MaxAge: time.Hour}, m)
    d := &fakeDispatcher{}
    r := NewRebroadcaster(s, d, fixedSlot(500))

    s.Put("sig-1", []byte("tx"), 100)

    r.Sweep(context.Background())
    if d.calls() != 1 {
        t.Fatalf("expected 1 rebroadcast, got %d", d.calls())
    }
    if p, _ := s.Get("sig-1"); p.RetriesLeft != 1 {
        t.Fatalf("expected budget 1 left, got %d", p.RetriesLeft)
    }
    if d.slots[0] != 500 {
        t.Fatalf("rebroadcast must target the current slot, got %d", d.slots[0])
    }

    r.Sweep(context.Background())
    if d.calls() != 2 {
        t.Fatalf("expected 2 rebroadcasts, got %d", d.calls())
    }

    // budget now exhausted: next sweep drops instead of sending
    r.Sweep(context.Background())
    if d.calls() != 2 {
        t.Fatalf("exhausted entry must not be re-sent, got %d calls", d.calls())
    }
    if s.Has("sig-1") {
        t.Fatal("exhausted entry must be dropped")
    }
    if got := m.Snapshot(); got.Dropped != 1 || got.Rebroadcasts != 2 {
        t.Fatalf("unexpected metrics: %+v", got)
    }
}

func TestSweepDropsAgedTransactions(t *testing.T) {
    m := metrics.New()
    s := newStore(t, Options{MaxAge: 30 * time.Second, MaxRetries: 10}, m)
    d := &fakeDispatcher{}
    r := NewRebroadcaster(s, d, fixedSlot(500))

    base := time.Now()
    s.nowFn = func() time.Time { return base }
    s.Put("sig-1", []byte("tx"), 100)

    s.nowFn = func() time.Time { return base.Add(31 * time.Second) }
    r.Sweep(context.Background())

    if d.calls() != 0 {
        t.Fatalf("aged entry must not be re-sent, got %d calls", d.calls())
    }
    if s.Has("sig-1") {
        t.Fatal("aged entry must be dropped")
    }
    if m.Snapshot().Dropped != 1 {
        t.Fatal("aged drop must be counted")
    }
}

func TestSweepRemovesConfirmed(t *testing.T) {
    m := metrics.New()
    s := newStore(t, Options{MaxAge: time.Hour}, m)
    d := &fakeDispatcher{}
    r := NewRebroadcaster(s, d, fixedSlot(500))
    r.Confirmed = func(sig string) bool { return sig == "sig-1" }

    s.Put("sig-1", []byte("tx1"), 100)
    s.Put("sig-2", []byte("tx2"), 100)

    r.Sweep(context.Background())

    if s.Has("sig-1") {
        t.Fatal("confirmed entry must be removed")
    }
    if !s.Has("sig-2") {
        t.Fatal("unconfirmed entry must survive")
    }
    if d.calls() != 1 {
        t.Fatalf("only the unconfirmed entry is re-sent, got %d calls", d.calls())
    }
    if m.Snapshot().Confirmed != 1 {
        t.Fatal("confirmation must be counted")
    }
}
