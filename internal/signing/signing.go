// Package signing checks the RS256 signatures and SHA-256 hashes that
// accompany submitted items.
package signing

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrInvalidHash is returned when the item hash is not "sha-256:<hex>".
	ErrInvalidHash = errors.New("invalid hash string")

	// ErrInvalidSignature is returned when the signature is not "rs256:<base64>".
	ErrInvalidSignature = errors.New("invalid signature string")

	// ErrHashMismatch is returned when the supplied hash does not match the payload.
	ErrHashMismatch = errors.New("supplied hash does not match calculated hash")

	// ErrSignatureMismatch is returned when the signature does not verify.
	ErrSignatureMismatch = errors.New("signature and payload do not match")
)

var (
	hashPattern      = regexp.MustCompile(`^sha-256:(.+)$`)
	signaturePattern = regexp.MustCompile(`^rs256:(.+)$`)
)

// Verifier validates item signatures against a single RSA public key.
type Verifier struct {
	key    *rsa.PublicKey
	logger *zap.Logger
}

// NewVerifier parses a PEM-encoded RSA public key.
func NewVerifier(publicKeyPEM []byte, logger *zap.Logger) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Verifier{key: key, logger: logger}, nil
}

// LoadVerifier reads a PEM-encoded RSA public key from path.
func LoadVerifier(path string, logger *zap.Logger) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return NewVerifier(data, logger)
}

// Verify checks that itemHash is the SHA-256 of payload and that signature is
// a valid RS256 signature of payload.
func (v *Verifier) Verify(payload []byte, signature, itemHash string) error {
	m := hashPattern.FindStringSubmatch(itemHash)
	if m == nil {
		v.logger.Warn("invalid item hash supplied", zap.String("item_hash", itemHash))
		return fmt.Errorf("%w '%s'", ErrInvalidHash, itemHash)
	}
	wantHash := m[1]

	m = signaturePattern.FindStringSubmatch(signature)
	if m == nil {
		v.logger.Warn("invalid signature supplied")
		return fmt.Errorf("%w '%s'", ErrInvalidSignature, signature)
	}
	sig, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sum := sha256.Sum256(payload)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), wantHash) {
		v.logger.Warn("supplied hash does not match calculated hash", zap.String("item_hash", itemHash))
		return ErrHashMismatch
	}

	if err := jwt.SigningMethodRS256.Verify(string(payload), sig, v.key); err != nil {
		v.logger.Warn("signature and payload do not match", zap.Error(err))
		return ErrSignatureMismatch
	}
	return nil
}
