package rpc

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "sync"
    "testing"
    "time"

    "github.com/mr-tron/base58"

    "slotgate/pkg/dispatch"
    "slotgate/pkg/metrics"
    "slotgate/pkg/shardkv"
    "slotgate/pkg/txstore"
)

type fakeDisp struct {
    mu    sync.Mutex
    calls int
    err   error
}

func (d *fakeDisp) Dispatch(_ context.Context, _ []byte, _ uint64) (dispatch.Outcome, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.calls++
    if d.err != nil {
        return dispatch.Outcome{Status: dispatch.StatusRejected}, d.err
    }
    return dispatch.Outcome{Status: dispatch.StatusAccepted}, nil
}

type fakeSched struct {
    slot uint64
    age  time.Duration
}

func (s *fakeSched) CurrentSlot() uint64         { return s.slot }
func (s *fakeSched) StalenessAge() time.Duration { return s.age }

func newTestServer(t *testing.T, d *fakeDisp, sched *fakeSched) (*Server, *metrics.Metrics, *txstore.Store) {
    t.Helper()
    m := metrics.New()
    kv := shardkv.New(shardkv.Options{Shards: 16})
    t.Cleanup(kv.Close)
    st := txstore.New(kv, txstore.Options{}, m)
    s := New(Options{Listen: ":0", Version: "0.1.0-test"}, d, sched, st, m)
    return s, m, st
}

// testTx builds a minimal wire transaction: one-byte signature count, a
// 64-byte signature derived from seed, and a short payload.
func testTx(seed byte) []byte {
    wire := make([]byte, 1+64+8)
    wire[0] = 1
    for i := 1; i <= 64; i++ {
        wire[i] = seed
    }
    return wire
}

func call(t *testing.T, s *Server, method string, params string) rpcResponse {
    t.Helper()
    body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":%s}`, method, params)
    req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
    rec := httptest.NewRecorder()
    s.Handler().ServeHTTP(rec, req)
    var resp rpcResponse
    if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
        t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
    }
    return resp
}

func TestSendTransactionAccepted(t *testing.T) {
    d := &fakeDisp{}
    s, _, st := newTestServer(t, d, &fakeSched{slot: 100})

    wire := testTx(7)
    resp := call(t, s, "sendTransaction",
        fmt.Sprintf(`[%q, {"skipPreflight": true}]`, base58.Encode(wire)))
    if resp.Error != nil {
        t.Fatalf("unexpected error: %+v", resp.Error)
    }
    sig, _ := resp.Result.(string)
    if sig != base58.Encode(wire[1:65]) {
        t.Fatalf("result must be the first signature, got %q", sig)
    }
    if !st.Has(sig) {
        t.Fatal("accepted transaction must be pending in the store")
    }
    if d.calls != 1 {
        t.Fatalf("expected one dispatch, got %d", d.calls)
    }
}

func TestMissingSkipPreflightRejected(t *testing.T) {
    s, _, _ := newTestServer(t, &fakeDisp{}, &fakeSched{slot: 100})
    resp := call(t, s, "sendTransaction",
        fmt.Sprintf(`[%q, {}]`, base58.Encode(testTx(1))))
    if resp.Error == nil || resp.Error.Code != codeInvalidParams {
        t.Fatalf("expected invalid params, got %+v", resp.Error)
    }
}

func TestUnsupportedEncodingRejected(t *testing.T) {
    s, _, _ := newTestServer(t, &fakeDisp{}, &fakeSched{slot: 100})
    resp := call(t, s, "sendTransaction",
        fmt.Sprintf(`[%q, {"skipPreflight": true, "encoding": "hex"}]`, base58.Encode(testTx(1))))
    if resp.Error == nil || resp.Error.Code != codeInvalidParams {
        t.Fatalf("expected invalid params, got %+v", resp.Error)
    }
}

func TestDuplicateSignatureRejected(t *testing.T) {
    s, m, _ := newTestServer(t, &fakeDisp{}, &fakeSched{slot: 100})
    params := fmt.Sprintf(`[%q, {"skipPreflight": true}]`, base58.Encode(testTx(9)))

    if resp := call(t, s, "sendTransaction", params); resp.Error != nil {
        t.Fatalf("first submit: %+v", resp.Error)
    }
    resp := call(t, s, "sendTransaction", params)
    if resp.Error == nil || resp.Error.Code != codeInvalidParams {
        t.Fatalf("expected duplicate rejection, got %+v", resp.Error)
    }
    if m.Snapshot().Duplicates != 1 {
        t.Fatal("duplicate must be counted")
    }
}

func TestBatchCapEnforced(t *testing.T) {
    s, _, _ := newTestServer(t, &fakeDisp{}, &fakeSched{slot: 100})
    txs := make([]string, 11)
    for i := range txs {
        txs[i] = base58.Encode(testTx(byte(i + 1)))
    }
    b, _ := json.Marshal(txs)
    resp := call(t, s, "sendTransactionBatch",
        fmt.Sprintf(`[%s, {"skipPreflight": true}]`, b))
    if resp.Error == nil || resp.Error.Code != codeInvalidParams {
        t.Fatalf("expected batch cap rejection, got %+v", resp.Error)
    }
}

func TestBatchMixedResults(t *testing.T) {
    d := &fakeDisp{}
    s, _, _ := newTestServer(t, d, &fakeSched{slot: 100})
    good := base58.Encode(testTx(3))
    params := fmt.Sprintf(`[[%q, "not-valid-base58-0OIl"], {"skipPreflight": true}]`, good)

    resp := call(t, s, "sendTransactionBatch", params)
    if resp.Error != nil {
        t.Fatalf("batch itself must succeed: %+v", resp.Error)
    }
    items, _ := resp.Result.([]any)
    if len(items) != 2 {
        t.Fatalf("expected 2 batch items, got %d", len(items))
    }
    first, _ := items[0].(map[string]any)
    if _, ok := first["signature"].(string); !ok {
        t.Fatalf("first item should carry a signature: %+v", first)
    }
    second, _ := items[1].(map[string]any)
    if second["error"] == nil {
        t.Fatalf("second item should carry an error: %+v", second)
    }
    if d.calls != 1 {
        t.Fatalf("only the valid transaction dispatches, got %d", d.calls)
    }
}

func TestOverloadMapsToServerError(t *testing.T) {
    s, _, _ := newTestServer(t, &fakeDisp{err: dispatch.ErrOverloaded}, &fakeSched{slot: 100})
    resp := call(t, s, "sendTransaction",
        fmt.Sprintf(`[%q, {"skipPreflight": true}]`, base58.Encode(testTx(4))))
    if resp.Error == nil || resp.Error.Code != codeOverloaded {
        t.Fatalf("expected overloaded code, got %+v", resp.Error)
    }
}

func TestUnknownLeaderMapsToServerError(t *testing.T) {
    s, _, st := newTestServer(t, &fakeDisp{err: dispatch.ErrUnknownLeader}, &fakeSched{slot: 100})
    resp := call(t, s, "sendTransaction",
        fmt.Sprintf(`[%q, {"skipPreflight": true}]`, base58.Encode(testTx(5))))
    if resp.Error == nil || resp.Error.Code != codeUnknownLeader {
        t.Fatalf("expected unknown-leader code, got %+v", resp.Error)
    }
    // a failed submission must not leave the signature pending
    if st.Len() != 0 {
        t.Fatal("rejected transaction must not be stored")
    }
}

func TestMethodNotFound(t *testing.T) {
    s, _, _ := newTestServer(t, &fakeDisp{}, &fakeSched{slot: 100})
    resp := call(t, s, "requestAirdrop", `[]`)
    if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
        t.Fatalf("expected method not found, got %+v", resp.Error)
    }
}

func TestGetVersionAndHealth(t *testing.T) {
    s, _, _ := newTestServer(t, &fakeDisp{}, &fakeSched{slot: 100})
    resp := call(t, s, "getVersion", `[]`)
    v, _ := resp.Result.(map[string]any)
    if v["slotgate-core"] != "0.1.0-test" {
        t.Fatalf("unexpected version payload: %+v", resp.Result)
    }
    if resp := call(t, s, "health", `[]`); resp.Result != "ok" {
        t.Fatalf("expected ok health, got %+v", resp.Result)
    }
}

func TestHealthEndpointReportsBehind(t *testing.T) {
    s, _, _ := newTestServer(t, &fakeDisp{}, &fakeSched{slot: 100, age: time.Hour})
    req := httptest.NewRequest(http.MethodGet, "/health", nil)
    rec := httptest.NewRecorder()
    s.Handler().ServeHTTP(rec, req)
    if rec.Code != http.StatusServiceUnavailable {
        t.Fatalf("expected 503, got %d", rec.Code)
    }
    if rec.Body.String() != "behind" {
        t.Fatalf("expected behind, got %q", rec.Body.String())
    }
}
