package mem

import (
    "context"
    "errors"
    "net"
    "sync"
    "time"

    "slotgate/pkg/transport"
)

// Transport is an in-process transport for tests. Dialed sessions either pair
// with a registered listener (frames flow both ways over buffered channels) or
// act as a sink that records every frame sent to the endpoint. Per-endpoint
// fault injection covers dial errors, send errors and slow handshakes.
type Transport struct {
    mu        sync.Mutex
    listeners map[string]*listener
    delivered map[string][][]byte
    dialErr   map[string]error
    sendErr   map[string]error
    dialDelay map[string]time.Duration
    dialCount map[string]int
}

func New() *Transport {
    return &Transport{
        listeners: make(map[string]*listener),
        delivered: make(map[string][][]byte),
        dialErr:   make(map[string]error),
        sendErr:   make(map[string]error),
        dialDelay: make(map[string]time.Duration),
        dialCount: make(map[string]int),
    }
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

// FailDial makes Dial to addr return err (nil clears).
func (t *Transport) FailDial(addr string, err error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if err == nil {
        delete(t.dialErr, addr)
        return
    }
    t.dialErr[addr] = err
}

// FailSend makes SendBytes on sessions to addr return err (nil clears).
func (t *Transport) FailSend(addr string, err error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if err == nil {
        delete(t.sendErr, addr)
        return
    }
    t.sendErr[addr] = err
}

// SetDialDelay makes Dial to addr block for d (or until ctx is done).
func (t *Transport) SetDialDelay(addr string, d time.Duration) {
    t.mu.Lock()
    t.dialDelay[addr] = d
    t.mu.Unlock()
}

// Delivered returns the frames recorded for addr.
func (t *Transport) Delivered(addr string) [][]byte {
    t.mu.Lock()
    defer t.mu.Unlock()
    out := make([][]byte, len(t.delivered[addr]))
    copy(out, t.delivered[addr])
    return out
}

// DialCount returns how many times addr has been dialed.
func (t *Transport) DialCount(addr string) int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.dialCount[addr]
}

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if _, ok := t.listeners[name]; ok {
        return nil, errors.New("mem: listener already exists")
    }
    l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    t.listeners[name] = l
    go func() {
        <-ctx.Done()
        _ = l.Close()
        t.mu.Lock()
        delete(t.listeners, name)
        t.mu.Unlock()
    }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, v transport.ValidatorInfo) (transport.Session, error) {
    t.mu.Lock()
    t.dialCount[name]++
    delay := t.dialDelay[name]
    derr := t.dialErr[name]
    l := t.listeners[name]
    t.mu.Unlock()

    if delay > 0 {
        timer := time.NewTimer(delay)
        select {
        case <-ctx.Done():
            timer.Stop()
            return nil, ctx.Err()
        case <-timer.C:
        }
    }
    if derr != nil { return nil, derr }

    if l == nil {
        // sink mode: record frames only
        return &session{t: t, name: name, validator: v, establishedAt: time.Now()}, nil
    }

    p := &pair{}
    cli := &session{t: t, name: name, validator: v, establishedAt: time.Now(), pair: p, rx: make(chan []byte, 256)}
    srv := &session{t: t, name: name, validator: transport.ValidatorInfo{ID: v.ID, Addr: name}, establishedAt: time.Now(), pair: p, rx: make(chan []byte, 256)}
    cli.peerRx = srv.rx
    srv.peerRx = cli.rx
    select {
    case l.newCh <- srv:
    default:
        _ = srv.Close()
    }
    return cli, nil
}

type listener struct {
    name    string
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("mem listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    select { case <-l.closeCh: default: close(l.closeCh) }
    return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// pair is the shared state of two paired sessions. Sends and closes are
// serialized through its mutex so a send never races a concurrent close onto
// a closed channel.
type pair struct {
    mu     sync.Mutex
    closed bool
}

type session struct {
    t         *Transport
    name      string
    validator transport.ValidatorInfo

    pair   *pair       // nil in sink mode
    rx     chan []byte // frames for this side to receive (nil in sink mode)
    peerRx chan []byte // peer's receive queue (nil in sink mode)

    establishedAt time.Time
    lastSeen      time.Time
}

func (s *session) Validator() transport.ValidatorInfo { return s.validator }
func (s *session) TransportKind() transport.Kind      { return transport.KindMem }
func (s *session) LocalAddr() net.Addr                { return memAddr(s.name) }
func (s *session) RemoteAddr() net.Addr               { return memAddr(s.name) }

func (s *session) OpenStream(_ context.Context) (transport.Stream, error)   { return s, nil }
func (s *session) AcceptStream(_ context.Context) (transport.Stream, error) { return s, nil }

func (s *session) Quality() transport.Quality {
    return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

// Close tears down both directions of a paired session. Either side may
// close; the first one wins and subsequent closes are no-ops.
func (s *session) Close() error {
    if s.pair == nil {
        return nil
    }
    s.pair.mu.Lock()
    if !s.pair.closed {
        s.pair.closed = true
        close(s.rx)
        close(s.peerRx)
    }
    s.pair.mu.Unlock()
    return nil
}

// Stream methods: whole frames, no extra framing needed in-process.
func (s *session) SendBytes(b []byte) error {
    s.t.mu.Lock()
    serr := s.t.sendErr[s.name]
    s.t.mu.Unlock()
    if serr != nil { return serr }
    if s.pair != nil {
        s.pair.mu.Lock()
        if s.pair.closed {
            s.pair.mu.Unlock()
            return errors.New("mem stream closed")
        }
        select { case s.peerRx <- b: default: }
        s.pair.mu.Unlock()
    }
    cp := make([]byte, len(b))
    copy(cp, b)
    s.t.mu.Lock()
    s.t.delivered[s.name] = append(s.t.delivered[s.name], cp)
    s.t.mu.Unlock()
    s.lastSeen = time.Now()
    return nil
}

func (s *session) RecvBytes() ([]byte, error) {
    if s.rx == nil { return nil, errors.New("mem: sink session has no inbound frames") }
    pkt, ok := <-s.rx
    if !ok { return nil, errors.New("mem stream closed") }
    s.lastSeen = time.Now()
    return pkt, nil
}
