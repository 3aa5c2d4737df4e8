// Package rpc is the inbound submission surface: a JSON-RPC 2.0 HTTP API in
// the shape Solana clients already speak. sendTransaction and
// sendTransactionBatch decode the wire bytes, reject duplicates against the
// pending store, and hand off to the dispatch engine; every request gets
// exactly one terminal response.
package rpc

import (
    "context"
    "encoding/base64"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "time"

    "github.com/mr-tron/base58"
    "go.uber.org/zap"

    "slotgate/pkg/dispatch"
    "slotgate/pkg/metrics"
    "slotgate/pkg/txstore"
)

// JSON-RPC error codes. The -32xxx range below -32603 is reserved for
// server-defined errors.
const (
    codeParse          = -32700
    codeInvalidRequest = -32600
    codeMethodNotFound = -32601
    codeInvalidParams  = -32602
    codeInternal       = -32603

    codeRejected      = -32002
    codeUnknownLeader = -32004
    codeOverloaded    = -32005
)

const defaultBatchCap = 10

// Submitter dispatches one transaction to the upcoming leaders.
type Submitter interface {
    Dispatch(ctx context.Context, wire []byte, currentSlot uint64) (dispatch.Outcome, error)
}

// ScheduleView exposes what the API needs from the leader tracker.
type ScheduleView interface {
    CurrentSlot() uint64
    StalenessAge() time.Duration
}

// Options tunes the server.
type Options struct {
    Listen  string
    Version string
    // BatchCap limits sendTransactionBatch size (default 10).
    BatchCap int
    // HealthStaleCeiling marks the node unhealthy when the schedule is older.
    HealthStaleCeiling time.Duration
}

// Server is the JSON-RPC HTTP front end.
type Server struct {
    opts  Options
    disp  Submitter
    sched ScheduleView
    store *txstore.Store
    m     *metrics.Metrics
    srv   *http.Server
}

// New builds a Server. m may be nil.
func New(opts Options, disp Submitter, sched ScheduleView, store *txstore.Store, m *metrics.Metrics) *Server {
    if opts.BatchCap <= 0 {
        opts.BatchCap = defaultBatchCap
    }
    if opts.HealthStaleCeiling <= 0 {
        opts.HealthStaleCeiling = 10 * time.Second
    }
    s := &Server{opts: opts, disp: disp, sched: sched, store: store, m: m}
    mux := http.NewServeMux()
    mux.HandleFunc("/", s.handleRPC)
    mux.HandleFunc("/health", s.handleHealth)
    mux.HandleFunc("/metrics", s.handleMetrics)
    s.srv = &http.Server{
        Addr:              opts.Listen,
        Handler:           mux,
        ReadHeaderTimeout: 5 * time.Second,
    }
    return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown. It returns http.ErrServerClosed on clean stop.
func (s *Server) Start() error {
    zap.L().Info("rpc server listening", zap.String("addr", s.opts.Listen))
    return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

type rpcRequest struct {
    JSONRPC string          `json:"jsonrpc"`
    ID      json.RawMessage `json:"id"`
    Method  string          `json:"method"`
    Params  json.RawMessage `json:"params"`
}

type rpcError struct {
    Code    int    `json:"code"`
    Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

type rpcResponse struct {
    JSONRPC string          `json:"jsonrpc"`
    ID      json.RawMessage `json:"id"`
    Result  any             `json:"result,omitempty"`
    Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        http.Error(w, "POST only", http.StatusMethodNotAllowed)
        return
    }
    var req rpcRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeResponse(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
        return
    }
    if req.JSONRPC != "2.0" || req.Method == "" {
        writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
        return
    }

    var result any
    var rerr *rpcError
    switch req.Method {
    case "sendTransaction":
        result, rerr = s.sendTransaction(r.Context(), req.Params)
    case "sendTransactionBatch":
        result, rerr = s.sendTransactionBatch(r.Context(), req.Params)
    case "getVersion":
        result = map[string]any{"slotgate-core": s.opts.Version}
    case "health":
        result = s.healthString()
    default:
        rerr = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
    }
    writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rerr})
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(resp)
}

// sendOpts mirrors the options object Solana clients attach to submissions.
type sendOpts struct {
    Encoding      string `json:"encoding"`
    SkipPreflight bool   `json:"skipPreflight"`
}

func (s *Server) sendTransaction(ctx context.Context, params json.RawMessage) (any, *rpcError) {
    if s.m != nil {
        s.m.Submissions.Add(1)
    }
    var raw []json.RawMessage
    if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 1 {
        return nil, &rpcError{Code: codeInvalidParams, Message: "expected [txString, options]"}
    }
    var txStr string
    if err := json.Unmarshal(raw[0], &txStr); err != nil {
        return nil, &rpcError{Code: codeInvalidParams, Message: "transaction must be a string"}
    }
    var opts sendOpts
    if len(raw) > 1 {
        if err := json.Unmarshal(raw[1], &opts); err != nil {
            return nil, &rpcError{Code: codeInvalidParams, Message: "malformed options"}
        }
    }
    return s.submitOne(ctx, txStr, opts)
}

func (s *Server) sendTransactionBatch(ctx context.Context, params json.RawMessage) (any, *rpcError) {
    if s.m != nil {
        s.m.Batches.Add(1)
    }
    var raw []json.RawMessage
    if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 1 {
        return nil, &rpcError{Code: codeInvalidParams, Message: "expected [[]txString, options]"}
    }
    var txs []string
    if err := json.Unmarshal(raw[0], &txs); err != nil {
        return nil, &rpcError{Code: codeInvalidParams, Message: "transactions must be an array of strings"}
    }
    if len(txs) == 0 {
        return nil, &rpcError{Code: codeInvalidParams, Message: "empty batch"}
    }
    if len(txs) > s.opts.BatchCap {
        return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("batch exceeds cap of %d", s.opts.BatchCap)}
    }
    var opts sendOpts
    if len(raw) > 1 {
        if err := json.Unmarshal(raw[1], &opts); err != nil {
            return nil, &rpcError{Code: codeInvalidParams, Message: "malformed options"}
        }
    }

    type batchItem struct {
        Signature string    `json:"signature,omitempty"`
        Error     *rpcError `json:"error,omitempty"`
    }
    out := make([]batchItem, 0, len(txs))
    for _, tx := range txs {
        sig, rerr := s.submitOne(ctx, tx, opts)
        item := batchItem{Error: rerr}
        if rerr == nil {
            item.Signature, _ = sig.(string)
        }
        out = append(out, item)
    }
    return out, nil
}

// submitOne decodes, dedupes and dispatches a single transaction. On success
// the result is the transaction's base58 signature.
func (s *Server) submitOne(ctx context.Context, txStr string, opts sendOpts) (any, *rpcError) {
    if !opts.SkipPreflight {
        return nil, &rpcError{Code: codeInvalidParams, Message: "preflight is not supported; set skipPreflight to true"}
    }
    wire, rerr := decodeTx(txStr, opts.Encoding)
    if rerr != nil {
        if s.m != nil {
            s.m.DecodeErrors.Add(1)
        }
        return nil, rerr
    }
    sig, err := extractSignature(wire)
    if err != nil {
        if s.m != nil {
            s.m.DecodeErrors.Add(1)
        }
        return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
    }
    if s.store != nil && s.store.Has(sig) {
        if s.m != nil {
            s.m.Duplicates.Add(1)
        }
        return nil, &rpcError{Code: codeInvalidParams, Message: "transaction already pending: " + sig}
    }

    slot := s.sched.CurrentSlot()
    out, err := s.disp.Dispatch(ctx, wire, slot)
    if err != nil {
        return nil, mapDispatchErr(err)
    }
    if s.store != nil {
        s.store.Put(sig, wire, slot)
    }
    zap.L().Debug("transaction submitted",
        zap.String("sig", sig),
        zap.Uint64("slot", slot),
        zap.String("status", out.Status.String()))
    return sig, nil
}

func mapDispatchErr(err error) *rpcError {
    switch {
    case errors.Is(err, dispatch.ErrOverloaded):
        return &rpcError{Code: codeOverloaded, Message: "gateway overloaded, retry later"}
    case errors.Is(err, dispatch.ErrStaleSchedule), errors.Is(err, dispatch.ErrUnknownLeader):
        return &rpcError{Code: codeUnknownLeader, Message: "no reachable leader for upcoming slots"}
    case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
        return &rpcError{Code: codeInternal, Message: "request cancelled"}
    default:
        return &rpcError{Code: codeRejected, Message: "transaction could not be delivered"}
    }
}

// decodeTx turns the client's string into wire bytes. base58 is the default
// encoding; base64 is accepted when requested.
func decodeTx(txStr, encoding string) ([]byte, *rpcError) {
    switch encoding {
    case "", "base58":
        b, err := base58.Decode(txStr)
        if err != nil {
            return nil, &rpcError{Code: codeInvalidParams, Message: "invalid base58 transaction"}
        }
        return b, nil
    case "base64":
        b, err := base64.StdEncoding.DecodeString(txStr)
        if err != nil {
            return nil, &rpcError{Code: codeInvalidParams, Message: "invalid base64 transaction"}
        }
        return b, nil
    default:
        return nil, &rpcError{Code: codeInvalidParams, Message: "unsupported encoding: " + encoding}
    }
}

const sigLen = 64

// extractSignature reads the transaction's first signature without decoding
// the full message: a short-vec signature count followed by 64-byte
// signatures. The first signature is the transaction id.
func extractSignature(wire []byte) (string, error) {
    if len(wire) < 1+sigLen {
        return "", errors.New("transaction too short")
    }
    n := wire[0]
    // short-vec counts above 0x7f take more than one byte; no sane
    // transaction carries that many signatures
    if n == 0 || n > 0x7f {
        return "", errors.New("malformed signature count")
    }
    if len(wire) < 1+int(n)*sigLen {
        return "", errors.New("transaction shorter than its signatures")
    }
    return base58.Encode(wire[1 : 1+sigLen]), nil
}

func (s *Server) healthString() string {
    if s.sched.StalenessAge() > s.opts.HealthStaleCeiling {
        return "behind"
    }
    return "ok"
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
    h := s.healthString()
    if h != "ok" {
        w.WriteHeader(http.StatusServiceUnavailable)
    }
    _, _ = w.Write([]byte(h))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
    w.Header().Set("Content-Type", "application/json")
    if s.m == nil {
        _, _ = w.Write([]byte("{}"))
        return
    }
    _ = json.NewEncoder(w).Encode(s.m.Snapshot())
}
