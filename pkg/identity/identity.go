package identity

import (
    "crypto/ed25519"
    "crypto/rand"
    "encoding/base64"
    "fmt"
    "os"
    "strings"

    "go.uber.org/zap"

    "slotgate/pkg/config"
    "slotgate/pkg/transport"
)

// LoadOrGenEd25519 loads an ed25519 private key from config or generates a new
// one. A configured key that fails to decode or has the wrong length is a
// config error; generation only covers the nothing-configured case. Returns
// the private key and the canonical gateway id (base58 of the public key, the
// same form validator identities use on the wire).
func LoadOrGenEd25519(c config.IdentityConfig) (ed25519.PrivateKey, transport.ValidatorID, error) {
    var pk ed25519.PrivateKey
    // From base64
    if s := strings.TrimSpace(c.PrivateKey); s != "" {
        b, err := base64.RawURLEncoding.DecodeString(s)
        if err != nil {
            return nil, "", fmt.Errorf("identity: decode private_key: %w", err)
        }
        if len(b) != ed25519.PrivateKeySize {
            return nil, "", fmt.Errorf("identity: private_key is %d bytes, want %d", len(b), ed25519.PrivateKeySize)
        }
        pk = ed25519.PrivateKey(b)
    }
    // From file, base64 or raw bytes
    if pk == nil && strings.TrimSpace(c.PrivateKeyFile) != "" {
        b, err := os.ReadFile(c.PrivateKeyFile)
        if err != nil {
            return nil, "", fmt.Errorf("identity: read private_key_file: %w", err)
        }
        raw := b
        if db, derr := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(b))); derr == nil {
            raw = db
        }
        if len(raw) != ed25519.PrivateKeySize {
            return nil, "", fmt.Errorf("identity: private_key_file %s holds %d key bytes, want %d",
                c.PrivateKeyFile, len(raw), ed25519.PrivateKeySize)
        }
        pk = ed25519.PrivateKey(raw)
    }
    // Generate
    if pk == nil {
        _, gen, err := ed25519.GenerateKey(rand.Reader)
        if err != nil { return nil, "", err }
        pk = gen
        zap.L().Info("generated new ed25519 identity (persist to config.identity.private_key)",
            zap.String("pub_b64", base64.RawURLEncoding.EncodeToString(gen.Public().(ed25519.PublicKey))))
    }
    pub := pk.Public().(ed25519.PublicKey)
    return pk, transport.ValidatorIDFromPubKey(pub), nil
}
