package quic

import (
    "bufio"
    "context"
    "crypto/ed25519"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "encoding/binary"
    "errors"
    "io"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "slotgate/pkg/transport"
)

const alpnProto = "slotgate"

// Transport implements QUIC-based sessions with length-prefixed frames per
// stream. The dialer presents a TLS certificate derived from the gateway's
// ed25519 identity; validator-side verification happens at the application
// layer, so server certs are not verified here.
type Transport struct {
    tlsConf  *tls.Config
    quicConf *quicgo.Config
}

// New builds a Transport with an ephemeral ed25519 identity.
func New() *Transport {
    _, priv, _ := ed25519.GenerateKey(rand.Reader)
    return NewWithIdentity(priv)
}

// NewWithIdentity builds a Transport whose TLS certificate is derived from the
// provided ed25519 private key, so the remote side can associate sessions with
// the gateway's canonical identity.
func NewWithIdentity(priv ed25519.PrivateKey) *Transport {
    cert, _ := selfSignedCert(priv)
    tlsConf := &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{alpnProto},
        MinVersion:   tls.VersionTLS13,
    }
    qconf := &quicgo.Config{
        HandshakeIdleTimeout: 5 * time.Second,
        MaxIdleTimeout:       60 * time.Second,
        KeepAlivePeriod:      15 * time.Second,
    }
    return &Transport{tlsConf: tlsConf, quicConf: qconf}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
    if err != nil { return nil, err }
    ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go ql.acceptLoop(ctx)
    go func() { <-ctx.Done(); _ = ql.Close() }()
    return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, v transport.ValidatorInfo) (transport.Session, error) {
    tlsClient := &tls.Config{
        Certificates:       t.tlsConf.Certificates,
        InsecureSkipVerify: true, // NOTE: identity is verified at application layer.
        NextProtos:         []string{alpnProto},
        MinVersion:         tls.VersionTLS13,
    }
    c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
    if err != nil { return nil, err }
    s := &session{
        validator:     v,
        c:             c,
        establishedAt: time.Now(),
    }
    return s, nil
}

// ---- Listener ----

type listener struct {
    l       *quicgo.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("quic listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    select { case <-l.closeCh: default: close(l.closeCh) }
    return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
    for {
        c, err := l.l.Accept(ctx)
        if err != nil { return }
        raddr := c.RemoteAddr()
        s := &session{
            validator:     transport.ValidatorInfo{ID: transport.TempValidatorID(transport.KindQUIC, raddr), Addr: raddr.String(), Reachable: true},
            c:             c,
            inbound:       true,
            establishedAt: time.Now(),
        }
        select { case l.newCh <- s: default: _ = s.Close() }
    }
}

// ---- Session/Streams ----

type session struct {
    validator transport.ValidatorInfo
    c         quicgo.Connection

    inbound       bool
    establishedAt time.Time
    lastSeen      time.Time

    mu   sync.Mutex
    ctrl *qstream
}

func (s *session) Validator() transport.ValidatorInfo { return s.validator }
func (s *session) TransportKind() transport.Kind      { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr                { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr               { return s.c.RemoteAddr() }

func (s *session) OpenStream(ctx context.Context) (transport.Stream, error) {
    s.mu.Lock()
    if s.ctrl != nil {
        st := s.ctrl
        s.mu.Unlock()
        return st, nil
    }
    s.mu.Unlock()

    var qs quicgo.Stream
    var err error
    if s.inbound {
        qs, err = s.c.AcceptStream(ctx)
    } else {
        qs, err = s.c.OpenStreamSync(ctx)
    }
    if err != nil { return nil, err }
    st := &qstream{
        br:     bufio.NewReader(qs),
        bw:     bufio.NewWriter(qs),
        closef: qs.Close,
        parent: s,
    }
    s.mu.Lock()
    s.ctrl = st
    s.mu.Unlock()
    return st, nil
}

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
    qs, err := s.c.AcceptStream(ctx)
    if err != nil { return nil, err }
    return &qstream{br: bufio.NewReader(qs), bw: bufio.NewWriter(qs), closef: qs.Close, parent: s}, nil
}

func (s *session) Quality() transport.Quality {
    return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *session) Close() error {
    return s.c.CloseWithError(0, "")
}

// qstream implements transport.Stream over a QUIC bidirectional stream with
// u32 LE framing.
type qstream struct {
    mu     sync.Mutex
    br     *bufio.Reader
    bw     *bufio.Writer
    closef func() error
    parent *session
}

func (st *qstream) SendBytes(b []byte) error {
    st.mu.Lock()
    defer st.mu.Unlock()
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := st.bw.Write(lenbuf[:]); err != nil { return err }
    if _, err := st.bw.Write(b); err != nil { return err }
    if err := st.bw.Flush(); err != nil { return err }
    st.parent.lastSeen = time.Now()
    return nil
}

func (st *qstream) RecvBytes() ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(st.br, lenbuf[:]); err != nil { return nil, err }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n < 0 || n > (1<<24) { return nil, errors.New("invalid frame size") }
    buf := make([]byte, n)
    if _, err := io.ReadFull(st.br, buf); err != nil { return nil, err }
    st.parent.lastSeen = time.Now()
    return buf, nil
}

func (st *qstream) Close() error {
    if st.closef != nil { return st.closef() }
    return nil
}

// ---- Helpers ----

// selfSignedCert builds a short-lived self-signed TLS certificate over the
// gateway's ed25519 key.
func selfSignedCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, priv.Public(), priv)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
