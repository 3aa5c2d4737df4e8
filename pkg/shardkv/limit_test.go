package shardkv

import (
    "fmt"
    "testing"
    "time"
)

func TestMaxBytesRejectsOverflow(t *testing.T) {
    s := New(Options{Shards: 4, MaxBytes: 64})
    defer s.Close()

    if !s.Set("a", make([]byte, 32), 0) {
        t.Fatal("first set within budget must succeed")
    }
    // 32 + 64 > 64: must be rejected, not partially applied
    s.Set("b", make([]byte, 64), 0)
    if _, ok := s.Get("b"); ok {
        t.Fatal("over-budget value must not be stored")
    }
    if got := s.Metrics().Bytes; got > 64 {
        t.Fatalf("byte accounting exceeded the cap: %d", got)
    }

    // freeing space makes room again
    s.Delete("a")
    if !s.Set("b", make([]byte, 64), 0) {
        t.Fatal("set must succeed after space is freed")
    }
}

func TestUpdateOnExpiredKeyReleasesAccounting(t *testing.T) {
    s := New(Options{Shards: 4, MaxBytes: 64})
    defer s.Close()

    base := time.Now()
    s.nowFn = func() time.Time { return base }
    if !s.Set("a", make([]byte, 32), 10*time.Millisecond) {
        t.Fatal("set must succeed")
    }

    s.nowFn = func() time.Time { return base.Add(time.Second) }
    if s.Update("a", func(old []byte) []byte { return old }) {
        t.Fatal("update on an expired key must report false")
    }

    got := s.Metrics()
    if got.Keys != 0 {
        t.Fatalf("expired key removed by Update must leave Keys at 0, got %d", got.Keys)
    }
    if got.Bytes != 0 {
        t.Fatalf("expired key removed by Update must release its bytes, got %d", got.Bytes)
    }
    if got.Expired != 1 {
        t.Fatalf("removal must be accounted as an expiry, got %d", got.Expired)
    }

    // the released budget is actually reusable
    if !s.Set("b", make([]byte, 64), 0) {
        t.Fatal("set must succeed after the expired key's bytes are released")
    }
}

func BenchmarkSetGet(b *testing.B) {
    s := New(Options{})
    defer s.Close()
    val := make([]byte, 128)

    b.RunParallel(func(pb *testing.PB) {
        i := 0
        for pb.Next() {
            k := fmt.Sprintf("key-%d", i%4096)
            s.Set(k, val, 0)
            s.Get(k)
            i++
        }
    })
}
