package schedule

import (
    "strconv"
    "strings"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "slotgate/pkg/codec"
    "slotgate/pkg/metrics"
    "slotgate/pkg/shardkv"
    "slotgate/pkg/transport"
)

// LeaderRecord is the resolved view of one slot: who leads it and where their
// ingest endpoint is. Copied out on query; never shared mutable.
type LeaderRecord struct {
    Slot       uint64
    Validator  transport.ValidatorID
    Endpoint   string
    ObservedAt time.Time
}

// LeaderView is the per-slot query result: a record, or unknown.
type LeaderView struct {
    Slot   uint64
    Known  bool
    Record LeaderRecord
}

// slotRec is the stored form of a slot assignment.
type slotRec struct {
    Validator    string `cbor:"v"`
    ObservedAtMS int64  `cbor:"t"`
}

// addrRec is the stored form of a validator address mapping.
type addrRec struct {
    Addr         string `cbor:"a"`
    ObservedAtMS int64  `cbor:"t"`
}

// Tracker maintains the sliding leader-schedule window fed by the update
// stream. Slot assignments and validator addresses live in a sharded kv so
// that updates to one slot or validator never block queries on others.
// All Apply calls come from the single feed consumer; queries come from any
// goroutine and are non-blocking snapshots.
type Tracker struct {
    kv  *shardkv.Store
    enc codec.Codec
    m   *metrics.Metrics

    currentSlot atomic.Uint64
    // epoch window bounds; slots outside [first, first+len) are pruned
    windowFirst atomic.Uint64
    windowLen   atomic.Uint64
    // unix nano of the most recent applied event
    lastEvent atomic.Int64

    nowFn func() time.Time
}

// NewTracker builds a Tracker over the provided kv store. m may be nil.
func NewTracker(kv *shardkv.Store, m *metrics.Metrics) *Tracker {
    return &Tracker{
        kv:    kv,
        enc:   codec.MustCBOR(),
        m:     m,
        nowFn: time.Now,
    }
}

func slotKey(slot uint64) string { return "slot:" + strconv.FormatUint(slot, 10) }
func addrKey(v string) string    { return "addr:" + v }

// Apply ingests one feed event. Later events for the same slot/validator win
// when their ObservedAtMS is newer or equal (ties resolve to apply order).
func (t *Tracker) Apply(ev Event) {
    t.lastEvent.Store(t.nowFn().UnixNano())
    if t.m != nil {
        t.m.StalenessMS.Store(0)
    }
    switch ev.Type {
    case EvSlotLeaders:
        for _, sl := range ev.Leaders {
            t.applySlotLeader(sl, ev.ObservedAtMS)
        }
    case EvValidatorAddrs:
        for _, va := range ev.Addrs {
            t.applyAddr(va, ev.ObservedAtMS)
        }
    case EvEpochBoundary:
        if ev.Epoch != nil {
            t.applyEpoch(*ev.Epoch)
        }
    case EvSlotTick:
        t.applyTick(ev.Slot)
    default:
        zap.L().Debug("ignoring unknown feed event", zap.Uint8("type", uint8(ev.Type)))
    }
}

func (t *Tracker) applySlotLeader(sl SlotLeader, observedMS int64) {
    if sl.Validator == "" {
        return
    }
    if first, n := t.windowFirst.Load(), t.windowLen.Load(); n > 0 {
        if sl.Slot < first || sl.Slot >= first+n {
            // outside the current epoch window; do not resurrect pruned slots
            return
        }
    }
    key := slotKey(sl.Slot)
    rec := slotRec{Validator: sl.Validator, ObservedAtMS: observedMS}
    nb, err := t.enc.Marshal(rec)
    if err != nil {
        return
    }
    updated := t.kv.Update(key, func(old []byte) []byte {
        var cur slotRec
        if err := t.enc.Unmarshal(old, &cur); err == nil && cur.ObservedAtMS > observedMS {
            return old // existing record is newer, keep it
        }
        return nb
    })
    if !updated {
        t.kv.Set(key, nb, 0)
    }
}

func (t *Tracker) applyAddr(va ValidatorAddr, observedMS int64) {
    if va.Validator == "" || va.Addr == "" {
        return
    }
    key := addrKey(va.Validator)
    nb, err := t.enc.Marshal(addrRec{Addr: va.Addr, ObservedAtMS: observedMS})
    if err != nil {
        return
    }
    updated := t.kv.Update(key, func(old []byte) []byte {
        var cur addrRec
        if err := t.enc.Unmarshal(old, &cur); err == nil && cur.ObservedAtMS > observedMS {
            return old
        }
        return nb
    })
    if !updated {
        t.kv.Set(key, nb, 0)
    }
}

func (t *Tracker) applyEpoch(ep EpochInfo) {
    t.windowFirst.Store(ep.FirstSlot)
    t.windowLen.Store(ep.SlotsInEpoch)
    last := ep.FirstSlot + ep.SlotsInEpoch
    pruned := 0
    t.kv.Range(func(k string, _ []byte) bool {
        if !strings.HasPrefix(k, "slot:") {
            return true
        }
        slot, err := strconv.ParseUint(k[len("slot:"):], 10, 64)
        if err != nil {
            return true
        }
        if slot < ep.FirstSlot || slot >= last {
            t.kv.Delete(k)
            pruned++
        }
        return true
    })
    zap.L().Info("epoch rollover",
        zap.Uint64("epoch", ep.Epoch),
        zap.Uint64("first_slot", ep.FirstSlot),
        zap.Uint64("slots", ep.SlotsInEpoch),
        zap.Int("pruned", pruned))
}

func (t *Tracker) applyTick(slot uint64) {
    prev := t.currentSlot.Swap(slot)
    // drop passed slots so memory stays bounded between epoch boundaries
    if prev != 0 && slot > prev && slot-prev <= 512 {
        for s := prev; s < slot; s++ {
            t.kv.Delete(slotKey(s))
        }
    }
}

// CurrentSlot returns the latest slot tick observed from the feed.
func (t *Tracker) CurrentSlot() uint64 { return t.currentSlot.Load() }

// StalenessAge returns the age of the most recent feed event, or a very large
// duration when no event has ever been applied.
func (t *Tracker) StalenessAge() time.Duration {
    last := t.lastEvent.Load()
    if last == 0 {
        return time.Duration(1<<63 - 1)
    }
    return t.nowFn().Sub(time.Unix(0, last))
}

// LeadersFor returns a view for each slot in [from, from+count). A slot is
// Known only when both its leader assignment and that leader's endpoint are
// resolvable; anything else reports unknown rather than a stale guess.
func (t *Tracker) LeadersFor(from uint64, count int) []LeaderView {
    out := make([]LeaderView, 0, count)
    for i := 0; i < count; i++ {
        slot := from + uint64(i)
        out = append(out, t.leaderFor(slot))
    }
    return out
}

func (t *Tracker) leaderFor(slot uint64) LeaderView {
    v := LeaderView{Slot: slot}
    b, ok := t.kv.Get(slotKey(slot))
    if !ok {
        return v
    }
    var sr slotRec
    if err := t.enc.Unmarshal(b, &sr); err != nil {
        return v
    }
    ab, ok := t.kv.Get(addrKey(sr.Validator))
    if !ok {
        return v
    }
    var ar addrRec
    if err := t.enc.Unmarshal(ab, &ar); err != nil {
        return v
    }
    v.Known = true
    v.Record = LeaderRecord{
        Slot:       slot,
        Validator:  transport.ValidatorID(sr.Validator),
        Endpoint:   ar.Addr,
        ObservedAt: time.UnixMilli(sr.ObservedAtMS),
    }
    return v
}
