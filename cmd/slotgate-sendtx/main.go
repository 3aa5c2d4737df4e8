// slotgate-sendtx submits a transaction to a running gateway over JSON-RPC.
// With no -tx file it fabricates a throwaway signed-looking payload, which is
// enough to exercise the submission path against a mem/udp test setup.
package main

import (
    "bytes"
    "crypto/rand"
    "encoding/json"
    "flag"
    "fmt"
    "io"
    "net/http"
    "os"
    "time"

    "github.com/mr-tron/base58"
)

func main() {
    url := flag.String("url", "http://127.0.0.1:8899", "gateway JSON-RPC endpoint")
    txPath := flag.String("tx", "", "path to raw wire transaction (optional)")
    encoding := flag.String("encoding", "base58", "transaction encoding: base58|base64")
    timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
    flag.Parse()

    wire := loadOrFakeTx(*txPath)

    params := []any{
        base58.Encode(wire),
        map[string]any{"encoding": *encoding, "skipPreflight": true},
    }
    body, err := json.Marshal(map[string]any{
        "jsonrpc": "2.0",
        "id":      1,
        "method":  "sendTransaction",
        "params":  params,
    })
    if err != nil {
        fatalf("marshal request: %v", err)
    }

    cli := &http.Client{Timeout: *timeout}
    resp, err := cli.Post(*url, "application/json", bytes.NewReader(body))
    if err != nil {
        fatalf("post: %v", err)
    }
    defer resp.Body.Close()
    out, err := io.ReadAll(resp.Body)
    if err != nil {
        fatalf("read response: %v", err)
    }
    fmt.Println(string(bytes.TrimSpace(out)))
}

func loadOrFakeTx(path string) []byte {
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil {
            fatalf("read tx: %v", err)
        }
        return b
    }
    // one signature count byte, a random 64-byte signature, a stub message
    wire := make([]byte, 1+64+32)
    wire[0] = 1
    if _, err := rand.Read(wire[1:]); err != nil {
        fatalf("rand: %v", err)
    }
    fmt.Fprintln(os.Stderr, "generated test transaction, sig:", base58.Encode(wire[1:65]))
    return wire
}

func fatalf(format string, a ...any) {
    _, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
    os.Exit(1)
}
