package transport

import (
    "context"
    "net"
    "time"
)

// Kind identifies the transport/link type for policy decisions.
type Kind int

const (
    KindUnknown Kind = iota
    KindQUIC
    KindUDP
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindQUIC:
        return "quic"
    case KindUDP:
        return "udp"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// ValidatorID is an opaque stable validator identity
// (base58 of the validator's ed25519 public key).
type ValidatorID string

// ValidatorInfo bundles validator identity and addressing hints.
type ValidatorInfo struct {
    ID        ValidatorID
    Addr      string // transport-dependent address string, e.g. "10.0.0.5:8009"
    Reachable bool   // best-effort reachability
}

// Quality captures link quality metrics for monitoring.
type Quality struct {
    RTT           time.Duration
    EstablishedAt time.Time
    LastSeen      time.Time
}

// Stream is a framed byte stream. SendBytes delivers one message frame;
// concurrent senders are serialized by the implementation.
type Stream interface {
    // SendBytes sends one message frame as opaque bytes.
    SendBytes([]byte) error
    // RecvBytes receives the next message frame and returns its bytes.
    RecvBytes() ([]byte, error)
    Close() error
}

// Session represents a persistent connection to one validator ingest endpoint.
type Session interface {
    Validator() ValidatorInfo
    TransportKind() Kind
    LocalAddr() net.Addr
    RemoteAddr() net.Addr

    // OpenStream opens/returns the session's ingest stream. Transports without
    // multiplexing return a single shared stream.
    OpenStream(ctx context.Context) (Stream, error)

    // AcceptStream waits for the next inbound stream (listener side).
    AcceptStream(ctx context.Context) (Stream, error)

    // Quality snapshot for monitoring.
    Quality() Quality

    // Close closes the entire session.
    Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
    // Accept blocks until an inbound session is available or ctx is done.
    Accept(ctx context.Context) (Session, error)
    // Addr returns the local listening address.
    Addr() net.Addr
    // Close stops the listener and unblocks Accept.
    Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
    Kind() Kind
    // Listen starts accepting inbound sessions on address (transport-specific format).
    Listen(ctx context.Context, address string) (Listener, error)
    // Dial creates an outbound session to a validator endpoint.
    Dial(ctx context.Context, address string, v ValidatorInfo) (Session, error)
}
