package udp

import (
    "context"
    "errors"
    "net"
    "sync"
    "time"

    "slotgate/pkg/transport"
)

// UDPTransport implements a datagram transport carrying one frame per packet.
// It matches the legacy validator ingest port: fire-and-forget, no handshake,
// one logical stream per session.
type UDPTransport struct{}

func New() *UDPTransport { return &UDPTransport{} }

func (t *UDPTransport) Kind() transport.Kind { return transport.KindUDP }

func (t *UDPTransport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    laddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil { return nil, err }
    c, err := net.ListenUDP("udp", laddr)
    if err != nil { return nil, err }
    ul := &udpListener{
        conn:     c,
        sessions: make(map[string]*inboundSess),
        newCh:    make(chan *udpSession, 8),
        closeCh:  make(chan struct{}),
    }
    go ul.readLoop()
    go func() { <-ctx.Done(); _ = ul.Close() }()
    return ul, nil
}

func (t *UDPTransport) Dial(ctx context.Context, address string, v transport.ValidatorInfo) (transport.Session, error) {
    raddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil { return nil, err }
    c, err := net.DialUDP("udp", nil, raddr)
    if err != nil { return nil, err }
    s := &udpSession{
        validator:     v,
        establishedAt: time.Now(),
        conn:          c,
        raddr:         raddr,
        outbound:      true,
        rxCh:          make(chan []byte, 16),
    }
    // reader for connected UDP socket
    go s.recvLoop()
    return s, nil
}

// ---- Listener/demux ----

type inboundSess struct {
    rxCh chan []byte
}

type udpListener struct {
    conn     *net.UDPConn
    mu       sync.Mutex
    sessions map[string]*inboundSess
    newCh    chan *udpSession
    closeCh  chan struct{}
}

func (l *udpListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *udpListener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("udp listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *udpListener) Close() error {
    select {
    case <-l.closeCh:
        // already closed
    default:
        close(l.closeCh)
    }
    return l.conn.Close()
}

func (l *udpListener) readLoop() {
    buf := make([]byte, 64*1024)
    for {
        n, raddr, err := l.conn.ReadFromUDP(buf)
        if err != nil {
            return
        }
        key := raddr.String()
        l.mu.Lock()
        ins, ok := l.sessions[key]
        if !ok {
            ins = &inboundSess{rxCh: make(chan []byte, 32)}
            l.sessions[key] = ins
            s := &udpSession{
                validator:     transport.ValidatorInfo{ID: transport.TempValidatorID(transport.KindUDP, raddr), Addr: key},
                establishedAt: time.Now(),
                conn:          l.conn,
                raddr:         raddr,
                inboundRx:     ins.rxCh,
            }
            select { case l.newCh <- s: default: }
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        // forward into per-remote queue (drop if full)
        select { case ins.rxCh <- pkt: default: }
        l.mu.Unlock()
    }
}

// ---- Session/Stream ----

type udpSession struct {
    validator     transport.ValidatorInfo
    conn          *net.UDPConn
    raddr         *net.UDPAddr
    outbound      bool
    inboundRx     chan []byte // used when session is inbound (shared listener)
    rxCh          chan []byte // used when session owns the socket (outbound)
    closeOnce     sync.Once
    establishedAt time.Time
    lastSeen      time.Time
}

func (s *udpSession) Validator() transport.ValidatorInfo { return s.validator }
func (s *udpSession) TransportKind() transport.Kind      { return transport.KindUDP }
func (s *udpSession) LocalAddr() net.Addr                { return s.conn.LocalAddr() }
func (s *udpSession) RemoteAddr() net.Addr               { return s.raddr }

func (s *udpSession) OpenStream(ctx context.Context) (transport.Stream, error) {
    return &udpStream{s: s}, nil
}

func (s *udpSession) AcceptStream(ctx context.Context) (transport.Stream, error) {
    // UDP has only one logical stream
    return s.OpenStream(ctx)
}

func (s *udpSession) Quality() transport.Quality {
    return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *udpSession) recvLoop() {
    buf := make([]byte, 64*1024)
    for {
        n, err := s.conn.Read(buf)
        if err != nil {
            return
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        select { case s.rxCh <- pkt: default: }
    }
}

func (s *udpSession) Close() error {
    var err error
    s.closeOnce.Do(func() {
        if s.outbound {
            err = s.conn.Close()
        }
    })
    return err
}

type udpStream struct{ s *udpSession }

func (st *udpStream) SendBytes(b []byte) error {
    var err error
    if !st.s.outbound {
        _, err = st.s.conn.WriteToUDP(b, st.s.raddr)
    } else {
        _, err = st.s.conn.Write(b)
    }
    if err == nil { st.s.lastSeen = time.Now() }
    return err
}

func (st *udpStream) RecvBytes() ([]byte, error) {
    var pkt []byte
    if st.s.outbound {
        pkt = <-st.s.rxCh
    } else {
        pkt = <-st.s.inboundRx
    }
    if pkt == nil { return nil, errors.New("udp stream closed") }
    st.s.lastSeen = time.Now()
    return pkt, nil
}

func (st *udpStream) Close() error { return nil }
