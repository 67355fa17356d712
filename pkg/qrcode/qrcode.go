// Package qrcode mints and parses redemption QR payloads of the form
// "<namespace>:redeem:<hash>".
package qrcode

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	Kind       = "redeem"
	HashLength = 32
	entropy    = 32
)

var (
	ErrMalformed        = errors.New("qrcode: malformed payload")
	ErrForeignNamespace = errors.New("qrcode: foreign namespace")
	ErrUnsupportedKind  = errors.New("qrcode: unsupported qr kind")
)

// Generator mints hashes from a random source. The zero value reads crypto/rand.
type Generator struct {
	Rand io.Reader
}

// Generate returns the first 32 hex chars of sha256(random || now).
func (g Generator) Generate(now time.Time) (string, error) {
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}

	buf := make([]byte, entropy+8)
	if _, err := io.ReadFull(r, buf[:entropy]); err != nil {
		return "", fmt.Errorf("qrcode: read entropy: %w", err)
	}
	binary.BigEndian.PutUint64(buf[entropy:], uint64(now.UnixNano()))

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:HashLength], nil
}

// Generate mints a hash using crypto/rand.
func Generate(now time.Time) (string, error) {
	return Generator{}.Generate(now)
}

func Payload(namespace, hash string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, Kind, hash)
}

// Parse accepts a full payload or a bare hash and returns the normalised hash.
func Parse(namespace, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		return validHash(parts[0])
	case 3:
		if parts[0] != namespace {
			return "", ErrForeignNamespace
		}
		if parts[1] != Kind {
			return "", ErrUnsupportedKind
		}
		return validHash(parts[2])
	default:
		return "", ErrMalformed
	}
}

func validHash(h string) (string, error) {
	h = strings.ToLower(h)
	if len(h) != HashLength {
		return "", ErrMalformed
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", ErrMalformed
	}
	return h, nil
}
