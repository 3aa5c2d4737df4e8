package schedule

import (
    "context"
    "math/rand"
    "time"

    "go.uber.org/zap"

    "slotgate/pkg/codec"
    "slotgate/pkg/transport"
)

// FeedOptions tunes the reconnect backoff.
type FeedOptions struct {
    BackoffInitial time.Duration
    BackoffMax     time.Duration
    BackoffJitter  time.Duration
}

func (o FeedOptions) withDefaults() FeedOptions {
    if o.BackoffInitial <= 0 {
        o.BackoffInitial = 500 * time.Millisecond
    }
    if o.BackoffMax <= 0 {
        o.BackoffMax = 30 * time.Second
    }
    return o
}

// Feed consumes the leader/topology update stream and applies each event to
// the Tracker. It owns the connection lifecycle: dial, read frames, and on any
// error reconnect with jittered exponential backoff, rotating through the
// configured endpoints. Gaps in the stream are not an error here; they show up
// only as tracker staleness.
type Feed struct {
    tr        transport.Transport
    endpoints []string
    trk       *Tracker
    opts      FeedOptions
    dec       codec.Codec
}

func NewFeed(tr transport.Transport, endpoints []string, trk *Tracker, opts FeedOptions) *Feed {
    return &Feed{
        tr:        tr,
        endpoints: endpoints,
        trk:       trk,
        opts:      opts.withDefaults(),
        dec:       codec.MustCBOR(),
    }
}

// Run blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
    if len(f.endpoints) == 0 {
        zap.L().Warn("feed has no endpoints configured; schedule will stay stale")
        <-ctx.Done()
        return
    }
    backoff := f.opts.BackoffInitial
    for i := 0; ctx.Err() == nil; i++ {
        ep := f.endpoints[i%len(f.endpoints)]
        err := f.consume(ctx, ep)
        if ctx.Err() != nil {
            return
        }
        zap.L().Warn("feed disconnected", zap.String("endpoint", ep), zap.Error(err), zap.Duration("backoff", backoff))
        sleep := backoff
        if f.opts.BackoffJitter > 0 {
            sleep += time.Duration(rand.Int63n(int64(f.opts.BackoffJitter)))
        }
        timer := time.NewTimer(sleep)
        select {
        case <-ctx.Done():
            timer.Stop()
            return
        case <-timer.C:
        }
        backoff *= 2
        if backoff > f.opts.BackoffMax {
            backoff = f.opts.BackoffMax
        }
    }
}

// consume dials one endpoint and applies events until the stream errors.
func (f *Feed) consume(ctx context.Context, endpoint string) error {
    sess, err := f.tr.Dial(ctx, endpoint, transport.ValidatorInfo{Addr: endpoint})
    if err != nil {
        return err
    }
    defer sess.Close()
    st, err := sess.OpenStream(ctx)
    if err != nil {
        return err
    }
    zap.L().Info("feed connected", zap.String("endpoint", endpoint))

    // unblock RecvBytes when ctx is cancelled
    done := make(chan struct{})
    defer close(done)
    go func() {
        select {
        case <-ctx.Done():
            _ = sess.Close()
        case <-done:
        }
    }()

    for {
        frame, err := st.RecvBytes()
        if err != nil {
            return err
        }
        var ev Event
        if err := f.dec.Unmarshal(frame, &ev); err != nil {
            zap.L().Warn("feed frame decode failed", zap.Error(err))
            continue
        }
        f.trk.Apply(ev)
    }
}
