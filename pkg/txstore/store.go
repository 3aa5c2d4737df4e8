// Package txstore tracks submitted transactions until they are confirmed,
// too old, or out of retries. Entries live in a dedicated sharded kv keyed by
// signature; the rebroadcast loop walks them on an interval and re-dispatches
// the survivors to the current leaders.
package txstore

import (
    "time"

    "slotgate/pkg/codec"
    "slotgate/pkg/metrics"
    "slotgate/pkg/shardkv"
)

// Pending is the stored state of one in-flight transaction.
type Pending struct {
    Signature   string `cbor:"sig"`
    Wire        []byte `cbor:"wire"`
    Slot        uint64 `cbor:"slot"`
    RetriesLeft int    `cbor:"retries_left"`
    SentAtMS    int64  `cbor:"sent_at_ms"`
}

// Options tunes the store and its rebroadcast loop.
type Options struct {
    // MaxAge drops transactions not confirmed within this window.
    MaxAge time.Duration
    // RetryInterval paces the rebroadcast sweep.
    RetryInterval time.Duration
    // MaxRetries is the rebroadcast budget per transaction.
    MaxRetries int
}

func (o Options) withDefaults() Options {
    if o.MaxAge <= 0 {
        o.MaxAge = 60 * time.Second
    }
    if o.RetryInterval <= 0 {
        o.RetryInterval = time.Second
    }
    if o.MaxRetries <= 0 {
        o.MaxRetries = 5
    }
    return o
}

// Store holds pending transactions keyed by signature. The kv must be
// dedicated to this store: the pending gauge is derived from its key count.
type Store struct {
    kv   *shardkv.Store
    enc  codec.Codec
    opts Options
    m    *metrics.Metrics

    nowFn func() time.Time
}

// New builds a Store over a dedicated kv. m may be nil.
func New(kv *shardkv.Store, opts Options, m *metrics.Metrics) *Store {
    return &Store{
        kv:    kv,
        enc:   codec.MustCBOR(),
        opts:  opts.withDefaults(),
        m:     m,
        nowFn: time.Now,
    }
}

// Put records a freshly submitted transaction. Returns false when the
// signature is already pending.
func (s *Store) Put(sig string, wire []byte, slot uint64) bool {
    if s.kv.Exists(sig) {
        return false
    }
    p := Pending{
        Signature:   sig,
        Wire:        wire,
        Slot:        slot,
        RetriesLeft: s.opts.MaxRetries,
        SentAtMS:    s.nowFn().UnixMilli(),
    }
    b, err := s.enc.Marshal(p)
    if err != nil {
        return false
    }
    // TTL is a backstop; the sweep drops aged entries explicitly
    created := s.kv.Set(sig, b, s.opts.MaxAge+s.opts.RetryInterval)
    s.updateGauge()
    return created
}

// Has reports whether sig is currently pending.
func (s *Store) Has(sig string) bool { return s.kv.Exists(sig) }

// Get returns the pending record for sig.
func (s *Store) Get(sig string) (Pending, bool) {
    b, ok := s.kv.Get(sig)
    if !ok {
        return Pending{}, false
    }
    var p Pending
    if err := s.enc.Unmarshal(b, &p); err != nil {
        return Pending{}, false
    }
    return p, true
}

// Confirm removes a transaction that reached the chain.
func (s *Store) Confirm(sig string) bool {
    ok := s.kv.Delete(sig)
    if ok && s.m != nil {
        s.m.Confirmed.Add(1)
    }
    s.updateGauge()
    return ok
}

// Drop removes a transaction without confirmation.
func (s *Store) Drop(sig string) bool {
    ok := s.kv.Delete(sig)
    if ok && s.m != nil {
        s.m.Dropped.Add(1)
    }
    s.updateGauge()
    return ok
}

// Len returns the number of pending transactions.
func (s *Store) Len() int { return int(s.kv.Metrics().Keys) }

func (s *Store) updateGauge() {
    if s.m != nil {
        s.m.PendingTxs.Store(int64(s.kv.Metrics().Keys))
    }
}
