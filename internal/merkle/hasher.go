// Package merkle implements the RFC 6962 Merkle tree over register entries:
// leaf and node hashing, root hashes, inclusion and consistency proofs.
package merkle

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/jmerrifield20/openregister/internal/canonical"
)

// DigestPrefix is the algorithm tag carried by every digest on the wire.
const DigestPrefix = "sha-256:"

// Hasher is the RFC 6962 SHA-256 hasher shared with proof verifiers.
var Hasher = rfc6962.DefaultHasher

// LeafHash returns SHA256(0x00 || canonical JSON of fields).
func LeafHash(fields canonical.Object) ([]byte, error) {
	data, err := canonical.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("leaf hash: %w", err)
	}
	return Hasher.HashLeaf(data), nil
}

// NodeHash returns SHA256(0x01 || left || right).
func NodeHash(left, right []byte) []byte {
	return Hasher.HashChildren(left, right)
}

// EmptyHash is the root of the empty tree, SHA256("").
func EmptyHash() []byte {
	return Hasher.EmptyRoot()
}

// FormatDigest renders h as "sha-256:" followed by uppercase hex.
func FormatDigest(h []byte) string {
	return DigestPrefix + strings.ToUpper(hex.EncodeToString(h))
}

// ParseDigest is the inverse of FormatDigest. Hex of either case is accepted.
func ParseDigest(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(s, DigestPrefix)
	if !ok {
		return nil, fmt.Errorf("digest %q: missing %q prefix", s, DigestPrefix)
	}
	h, err := hex.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("digest %q: %w", s, err)
	}
	if len(h) != Hasher.Size() {
		return nil, fmt.Errorf("digest %q: want %d bytes, got %d", s, Hasher.Size(), len(h))
	}
	return h, nil
}

// FormatDigests applies FormatDigest to every element of hs.
func FormatDigests(hs [][]byte) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = FormatDigest(h)
	}
	return out
}
