package transport

import (
    "fmt"
    "net"

    "github.com/mr-tron/base58"
)

// TempValidatorID builds a temporary identity from transport kind and remote
// address, for inbound sessions whose real identity is not yet known.
func TempValidatorID(kind Kind, addr net.Addr) ValidatorID {
    if addr == nil { return ValidatorID(fmt.Sprintf("temp:%s:unknown", kind)) }
    return ValidatorID(fmt.Sprintf("temp:%s:%s", kind, addr.String()))
}

// ValidatorIDFromPubKey constructs the canonical validator identity from raw
// ed25519 public key bytes: the base58 encoding used across the network.
func ValidatorIDFromPubKey(pub []byte) ValidatorID {
    return ValidatorID(base58.Encode(pub))
}
