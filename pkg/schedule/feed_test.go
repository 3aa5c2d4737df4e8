package schedule

import (
    "context"
    "testing"
    "time"

    "slotgate/pkg/codec"
    "slotgate/pkg/shardkv"
    "slotgate/pkg/transport"
    "slotgate/pkg/transport/mem"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatal(msg)
}

func TestFeedAppliesStreamedEvents(t *testing.T) {
    tr := mem.New()
    kv := shardkv.New(shardkv.Options{Shards: 16})
    t.Cleanup(kv.Close)
    trk := NewTracker(kv, nil)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    l, err := tr.Listen(ctx, "feed-a")
    if err != nil {
        t.Fatalf("listen: %v", err)
    }

    f := NewFeed(tr, []string{"feed-a"}, trk, FeedOptions{BackoffInitial: 10 * time.Millisecond})
    go f.Run(ctx)

    sess, err := l.Accept(ctx)
    if err != nil {
        t.Fatalf("accept: %v", err)
    }
    st, err := sess.AcceptStream(ctx)
    if err != nil {
        t.Fatalf("accept stream: %v", err)
    }

    enc := codec.MustCBOR()
    push := func(ev Event) {
        b, err := enc.Marshal(ev)
        if err != nil {
            t.Fatalf("marshal: %v", err)
        }
        if err := st.SendBytes(b); err != nil {
            t.Fatalf("send: %v", err)
        }
    }

    now := time.Now().UnixMilli()
    push(Event{Type: EvValidatorAddrs, ObservedAtMS: now,
        Addrs: []ValidatorAddr{{Validator: "L1", Addr: "l1:9000"}}})
    push(Event{Type: EvSlotLeaders, ObservedAtMS: now,
        Leaders: []SlotLeader{{Slot: 42, Validator: "L1"}}})
    push(Event{Type: EvSlotTick, ObservedAtMS: now, Slot: 42})

    waitFor(t, func() bool { return trk.CurrentSlot() == 42 }, "slot tick never applied")
    waitFor(t, func() bool { return trk.LeadersFor(42, 1)[0].Known }, "leader never applied")
}

func TestFeedReconnectsAfterDisconnect(t *testing.T) {
    tr := mem.New()
    kv := shardkv.New(shardkv.Options{Shards: 16})
    t.Cleanup(kv.Close)
    trk := NewTracker(kv, nil)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    l, err := tr.Listen(ctx, "feed-a")
    if err != nil {
        t.Fatalf("listen: %v", err)
    }

    f := NewFeed(tr, []string{"feed-a"}, trk, FeedOptions{BackoffInitial: 10 * time.Millisecond})
    go f.Run(ctx)

    sess, err := l.Accept(ctx)
    if err != nil {
        t.Fatalf("accept: %v", err)
    }
    // kill the first connection; the feed must come back
    _ = sess.Close()

    sess2, err := l.Accept(ctx)
    if err != nil {
        t.Fatalf("second accept: %v", err)
    }
    var st transport.Stream
    if st, err = sess2.AcceptStream(ctx); err != nil {
        t.Fatalf("accept stream: %v", err)
    }

    enc := codec.MustCBOR()
    b, _ := enc.Marshal(Event{Type: EvSlotTick, ObservedAtMS: time.Now().UnixMilli(), Slot: 7})
    if err := st.SendBytes(b); err != nil {
        t.Fatalf("send: %v", err)
    }

    waitFor(t, func() bool { return trk.CurrentSlot() == 7 }, "event on reconnected stream never applied")
    if tr.DialCount("feed-a") < 2 {
        t.Fatalf("expected a reconnect, got %d dials", tr.DialCount("feed-a"))
    }
}
