// Package pseudonym derives deterministic, tenant-scoped opaque tokens for
// PII values.
//
// A token is HMAC-SHA256(secret, tenant || "||" || TYPE || "||" || text),
// truncated to 8 bytes and rendered as TYPE_<16 hex chars>. The same inputs
// always give the same token; changing the tenant, the entity type or the
// secret gives a different one.
package pseudonym

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
	"sync"

	"github.com/raaihank/pii-guard/internal/entity"
)

// HexLength is the number of hex characters in a token suffix.
const HexLength = 16

const separator = "||"

// ErrMissingSecret is returned when no key material is supplied.
var ErrMissingSecret = errors.New("pseudonymization secret is not configured")

// Pseudonymizer computes tokens with a fixed secret. It is safe for
// concurrent use.
type Pseudonymizer struct {
	pool sync.Pool
}

// New returns a Pseudonymizer keyed with secret. The secret is copied.
func New(secret []byte) (*Pseudonymizer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)

	p := &Pseudonymizer{}
	p.pool.New = func() any {
		return hmac.New(sha256.New, key)
	}
	return p, nil
}

// Pseudonymize returns the token for text of the given type within tenantID.
func (p *Pseudonymizer) Pseudonymize(text string, typ entity.Type, tenantID string) string {
	mac := p.pool.Get().(hash.Hash)
	defer p.pool.Put(mac)
	mac.Reset()

	mac.Write([]byte(tenantID))
	mac.Write([]byte(separator))
	mac.Write([]byte(typ))
	mac.Write([]byte(separator))
	mac.Write([]byte(text))
	sum := mac.Sum(nil)

	var b strings.Builder
	b.Grow(len(typ) + 1 + HexLength)
	b.WriteString(string(typ))
	b.WriteByte('_')
	b.WriteString(hex.EncodeToString(sum[:HexLength/2]))
	return b.String()
}

// IsValid reports whether s has the TYPE_<16 lower-case hex> shape and the
// prefix names a catalog entity type. Use it to reject untrusted input
// before any lookup.
func IsValid(s string) bool {
	if len(s) < HexLength+2 {
		return false
	}
	cut := len(s) - HexLength - 1
	if s[cut] != '_' {
		return false
	}
	if !entity.Type(s[:cut]).Valid() {
		return false
	}
	for i := cut + 1; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// TypeOf returns the entity type encoded in a valid token.
func TypeOf(s string) (entity.Type, bool) {
	if !IsValid(s) {
		return "", false
	}
	return entity.Type(s[:len(s)-HexLength-1]), true
}
