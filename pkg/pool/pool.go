// Package pool owns the transport sessions the gateway keeps open to
// validator ingest endpoints: creation on demand, reuse, LRU eviction of idle
// sessions, a hard ceiling on concurrent sessions, and a cool-down after
// endpoint failures. The session table is sharded by endpoint so acquiring a
// session to one validator never contends with traffic to another.
package pool

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "slotgate/pkg/metrics"
    "slotgate/pkg/transport"
)

var (
    // ErrCapacity is returned when the pool is full and no idle session can
    // be evicted. Callers must fail fast, not queue.
    ErrCapacity = errors.New("pool: at capacity")
    // ErrCoolingDown is returned while an endpoint is in its post-failure
    // cool-down window.
    ErrCoolingDown = errors.New("pool: endpoint cooling down")
    // ErrClosed is returned after the pool has been shut down.
    ErrClosed = errors.New("pool: closed")
)

// State is a session lifecycle state.
type State int

const (
    StateIdle State = iota
    StateConnecting
    StateActive
    StateFailed
)

func (s State) String() string {
    switch s {
    case StateIdle:
        return "idle"
    case StateConnecting:
        return "connecting"
    case StateActive:
        return "active"
    case StateFailed:
        return "failed"
    default:
        return "unknown"
    }
}

// Options tunes the pool.
type Options struct {
    // MaxSessions caps concurrent Active+Connecting sessions.
    MaxSessions int
    // IdleTimeout evicts sessions unused for this long.
    IdleTimeout time.Duration
    // FailCooldown blocks re-dialing an endpoint after a failure.
    FailCooldown time.Duration
}

func (o Options) withDefaults() Options {
    if o.MaxSessions <= 0 {
        o.MaxSessions = 1024
    }
    if o.IdleTimeout <= 0 {
        o.IdleTimeout = 30 * time.Second
    }
    if o.FailCooldown <= 0 {
        o.FailCooldown = 2 * time.Second
    }
    return o
}

const nShards = 32

// Manager keeps at most one canonical session per endpoint.
type Manager struct {
    tr   transport.Transport
    opts Options
    m    *metrics.Metrics

    shards [nShards]poolShard
    // count of Active+Connecting sessions; never exceeds opts.MaxSessions
    active atomic.Int64

    closeOnce sync.Once
    closeCh   chan struct{}
    wg        sync.WaitGroup

    nowFn func() time.Time
}

type poolShard struct {
    mu      sync.Mutex
    entries map[string]*entry
}

type entry struct {
    endpoint  string
    validator transport.ValidatorID
    state     State
    sess      transport.Session
    stream    transport.Stream
    lastUsed  time.Time
    createdAt time.Time
    cooldown  time.Time // do not re-dial before this instant
    ready     chan struct{}
    dialErr   error
    inUse     int
}

// New builds a Manager over the given transport. m may be nil.
func New(tr transport.Transport, opts Options, m *metrics.Metrics) *Manager {
    mgr := &Manager{
        tr:      tr,
        opts:    opts.withDefaults(),
        m:       m,
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    for i := range mgr.shards {
        mgr.shards[i].entries = make(map[string]*entry, 8)
    }
    mgr.wg.Add(1)
    go mgr.sweeper()
    return mgr
}

func (m *Manager) shardFor(endpoint string) *poolShard {
    var h uint64 = 1469598103934665603
    for i := 0; i < len(endpoint); i++ {
        h ^= uint64(endpoint[i])
        h *= 1099511628211
    }
    return &m.shards[int(h%nShards)]
}

// Session is a borrowed handle to a pooled transport session. It must be
// returned with Release exactly once.
type Session struct {
    Endpoint  string
    Validator transport.ValidatorID
    e         *entry
}

// Send delivers one framed message on the session's ingest stream.
func (s *Session) Send(b []byte) error { return s.e.stream.SendBytes(b) }

// Acquire returns a usable session for endpoint, reusing an Active one,
// waiting on an in-flight handshake, or dialing a fresh session. It blocks
// only on that endpoint's handshake; capacity exhaustion and cool-downs fail
// fast.
func (m *Manager) Acquire(ctx context.Context, endpoint string, v transport.ValidatorID) (*Session, error) {
    select {
    case <-m.closeCh:
        return nil, ErrClosed
    default:
    }
    for {
        sh := m.shardFor(endpoint)
        sh.mu.Lock()
        e := sh.entries[endpoint]
        now := m.nowFn()

        if e != nil {
            switch e.state {
            case StateActive, StateIdle:
                e.state = StateActive
                e.lastUsed = now
                e.inUse++
                sh.mu.Unlock()
                return &Session{Endpoint: endpoint, Validator: e.validator, e: e}, nil
            case StateConnecting:
                ready := e.ready
                sh.mu.Unlock()
                select {
                case <-ctx.Done():
                    return nil, ctx.Err()
                case <-ready:
                }
                continue // re-examine the resolved entry
            case StateFailed:
                if now.Before(e.cooldown) {
                    sh.mu.Unlock()
                    return nil, ErrCoolingDown
                }
                // cool-down elapsed: fall through and dial a fresh session
                delete(sh.entries, endpoint)
            }
        }

        // reserve a capacity slot outside the shard lock: eviction may need
        // to lock this same shard
        sh.mu.Unlock()
        if !m.reserveSlot() {
            return nil, ErrCapacity
        }
        sh.mu.Lock()
        if _, raced := sh.entries[endpoint]; raced {
            // another goroutine created an entry while we reserved; retry
            sh.mu.Unlock()
            m.active.Add(-1)
            m.setGauge()
            continue
        }
        e = &entry{
            endpoint:  endpoint,
            validator: v,
            state:     StateConnecting,
            createdAt: now,
            lastUsed:  now,
            ready:     make(chan struct{}),
        }
        sh.entries[endpoint] = e
        sh.mu.Unlock()

        sess, stream, err := m.dial(ctx, endpoint, v)

        sh.mu.Lock()
        if err != nil {
            m.active.Add(-1)
            if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
                // caller went away; the endpoint is not at fault
                delete(sh.entries, endpoint)
            } else {
                e.state = StateFailed
                e.dialErr = err
                e.cooldown = m.nowFn().Add(m.opts.FailCooldown)
            }
            close(e.ready)
            sh.mu.Unlock()
            m.setGauge()
            return nil, err
        }
        e.sess = sess
        e.stream = stream
        e.state = StateActive
        e.lastUsed = m.nowFn()
        e.inUse++
        close(e.ready)
        sh.mu.Unlock()
        m.setGauge()
        return &Session{Endpoint: endpoint, Validator: e.validator, e: e}, nil
    }
}

// Release returns a borrowed session. A non-nil sendErr marks the session
// Failed: it is closed, never reused, and the endpoint enters its cool-down.
func (m *Manager) Release(s *Session, sendErr error) {
    if s == nil {
        return
    }
    sh := m.shardFor(s.Endpoint)
    sh.mu.Lock()
    e := s.e
    e.inUse--
    e.lastUsed = m.nowFn()
    if sendErr != nil && e.state == StateActive {
        e.state = StateFailed
        e.cooldown = m.nowFn().Add(m.opts.FailCooldown)
        sess := e.sess
        e.sess = nil
        e.stream = nil
        m.active.Add(-1)
        sh.mu.Unlock()
        if sess != nil {
            _ = sess.Close()
        }
        m.setGauge()
        zap.L().Debug("session failed", zap.String("endpoint", s.Endpoint), zap.Error(sendErr))
        return
    }
    if e.state == StateActive && e.inUse == 0 {
        e.state = StateIdle
    }
    sh.mu.Unlock()
}

// reserveSlot increments the Active+Connecting count if under the ceiling,
// evicting the least-recently-used idle session when full. Returns false when
// the pool is full of busy sessions.
func (m *Manager) reserveSlot() bool {
    for {
        cur := m.active.Load()
        if int(cur) >= m.opts.MaxSessions {
            if !m.evictLRUIdle() {
                return false
            }
            continue
        }
        if m.active.CompareAndSwap(cur, cur+1) {
            m.setGauge()
            return true
        }
    }
}

// evictLRUIdle closes and removes the least-recently-used idle session.
func (m *Manager) evictLRUIdle() bool {
    var victimShard *poolShard
    var victim *entry
    for i := range m.shards {
        sh := &m.shards[i]
        sh.mu.Lock()
        for _, e := range sh.entries {
            if e.state != StateIdle || e.inUse != 0 {
                continue
            }
            if victim == nil || e.lastUsed.Before(victim.lastUsed) {
                victim = e
                victimShard = sh
            }
        }
        sh.mu.Unlock()
    }
    if victim == nil {
        return false
    }
    victimShard.mu.Lock()
    // re-check under the lock: the entry may have been borrowed since the
    // scan, or removed entirely (sweeper, concurrent evictor) and possibly
    // replaced by a fresh entry at the same endpoint. Only the exact entry
    // still in the table may be evicted, or its capacity slot would be freed
    // twice.
    if victimShard.entries[victim.endpoint] != victim || victim.state != StateIdle || victim.inUse != 0 {
        victimShard.mu.Unlock()
        return false
    }
    delete(victimShard.entries, victim.endpoint)
    sess := victim.sess
    victimShard.mu.Unlock()
    m.active.Add(-1)
    if sess != nil {
        _ = sess.Close()
    }
    m.setGauge()
    zap.L().Debug("evicted idle session", zap.String("endpoint", victim.endpoint))
    return true
}

func (m *Manager) dial(ctx context.Context, endpoint string, v transport.ValidatorID) (transport.Session, transport.Stream, error) {
    sess, err := m.tr.Dial(ctx, endpoint, transport.ValidatorInfo{ID: v, Addr: endpoint, Reachable: true})
    if err != nil {
        return nil, nil, err
    }
    stream, err := sess.OpenStream(ctx)
    if err != nil {
        _ = sess.Close()
        return nil, nil, err
    }
    return sess, stream, nil
}

// sweeper evicts idle sessions past the idle timeout and clears expired
// cool-down markers.
func (m *Manager) sweeper() {
    defer m.wg.Done()
    tick := time.NewTicker(m.opts.IdleTimeout / 2)
    defer tick.Stop()
    for {
        select {
        case <-m.closeCh:
            return
        case <-tick.C:
        }
        now := m.nowFn()
        for i := range m.shards {
            sh := &m.shards[i]
            var closing []transport.Session
            sh.mu.Lock()
            for ep, e := range sh.entries {
                switch e.state {
                case StateIdle:
                    if now.Sub(e.lastUsed) >= m.opts.IdleTimeout {
                        delete(sh.entries, ep)
                        if e.sess != nil {
                            closing = append(closing, e.sess)
                        }
                        m.active.Add(-1)
                    }
                case StateFailed:
                    if now.After(e.cooldown) {
                        delete(sh.entries, ep)
                    }
                }
            }
            sh.mu.Unlock()
            for _, s := range closing {
                _ = s.Close()
            }
        }
        m.setGauge()
    }
}

// Close shuts the pool down and closes every live session.
func (m *Manager) Close() {
    m.closeOnce.Do(func() { close(m.closeCh) })
    m.wg.Wait()
    for i := range m.shards {
        sh := &m.shards[i]
        sh.mu.Lock()
        for ep, e := range sh.entries {
            if e.sess != nil {
                _ = e.sess.Close()
            }
            delete(sh.entries, ep)
        }
        sh.mu.Unlock()
    }
    m.active.Store(0)
    m.setGauge()
}

func (m *Manager) setGauge() {
    if m.m != nil {
        m.m.PoolSessions.Store(m.active.Load())
    }
}

// Stats is a per-state census of the session table.
type Stats struct {
    Idle       int
    Connecting int
    Active     int
    Failed     int
}

// StatsSnapshot counts entries by state.
func (m *Manager) StatsSnapshot() Stats {
    var st Stats
    for i := range m.shards {
        sh := &m.shards[i]
        sh.mu.Lock()
        for _, e := range sh.entries {
            switch e.state {
            case StateIdle:
                st.Idle++
            case StateConnecting:
                st.Connecting++
            case StateActive:
                st.Active++
            case StateFailed:
                st.Failed++
            }
        }
        sh.mu.Unlock()
    }
    return st
}
