package txstore

import (
    "context"
    "time"

    "go.uber.org/zap"

    "slotgate/pkg/dispatch"
)

// Dispatcher re-sends a transaction to the current leader window.
type Dispatcher interface {
    Dispatch(ctx context.Context, wire []byte, currentSlot uint64) (dispatch.Outcome, error)
}

// SlotSource reports the cluster's current slot.
type SlotSource interface {
    CurrentSlot() uint64
}

// Rebroadcaster periodically re-dispatches pending transactions. Confirmed,
// aged-out and retry-exhausted entries are removed; everything else is sent
// again with its budget decremented.
type Rebroadcaster struct {
    store *Store
    disp  Dispatcher
    slots SlotSource

    // Confirmed, when set, is consulted before each rebroadcast so
    // transactions that landed on chain are dropped instead of re-sent.
    Confirmed func(sig string) bool
}

func NewRebroadcaster(store *Store, disp Dispatcher, slots SlotSource) *Rebroadcaster {
    return &Rebroadcaster{store: store, disp: disp, slots: slots}
}

// Run blocks until ctx is cancelled, sweeping every RetryInterval.
func (r *Rebroadcaster) Run(ctx context.Context) {
    tick := time.NewTicker(r.store.opts.RetryInterval)
    defer tick.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tick.C:
            r.Sweep(ctx)
        }
    }
}

// Sweep walks the pending set once.
func (r *Rebroadcaster) Sweep(ctx context.Context) {
    now := r.store.nowFn().UnixMilli()
    maxAgeMS := r.store.opts.MaxAge.Milliseconds()

    var resend []Pending
    r.store.kv.Range(func(sig string, b []byte) bool {
        var p Pending
        if err := r.store.enc.Unmarshal(b, &p); err != nil {
            r.store.Drop(sig)
            return true
        }
        switch {
        case r.Confirmed != nil && r.Confirmed(sig):
            r.store.Confirm(sig)
        case now-p.SentAtMS > maxAgeMS:
            r.store.Drop(sig)
            zap.L().Debug("dropping aged transaction", zap.String("sig", sig))
        case p.RetriesLeft <= 0:
            r.store.Drop(sig)
            zap.L().Debug("retry budget exhausted", zap.String("sig", sig))
        default:
            resend = append(resend, p)
        }
        return true
    })

    for _, p := range resend {
        if ctx.Err() != nil {
            return
        }
        p.RetriesLeft--
        if b, err := r.store.enc.Marshal(p); err == nil {
            r.store.kv.Update(p.Signature, func([]byte) []byte { return b })
        }
        if r.store.m != nil {
            r.store.m.Rebroadcasts.Add(1)
        }
        if _, err := r.disp.Dispatch(ctx, p.Wire, r.slots.CurrentSlot()); err != nil {
            zap.L().Debug("rebroadcast failed", zap.String("sig", p.Signature), zap.Error(err))
        }
    }
}
