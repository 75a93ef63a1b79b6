// Package fpe masks fixed-shape numeric identifiers (phone numbers, national
// identity numbers) while keeping their punctuation, their digit count and a
// configurable number of leading or trailing digits.
//
// The digit transform is a keyed one-way hash reduced to decimal digits. It
// is deterministic and length preserving, and it is not a cipher: masked
// values can only be reversed through the session mapping.
package fpe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/raaihank/pii-guard/internal/entity"
)

// ErrUnsupportedType is returned for entity types without a fixed digit shape.
var ErrUnsupportedType = errors.New("format-preserving masking not supported for entity type")

// FormatError reports a value whose digit count does not match its type.
type FormatError struct {
	Type entity.Type
	Want int
	Got  int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: expected %d digits, got %d", e.Type, e.Want, e.Got)
}

// PreserveConfig says how many digits at each end stay unchanged.
type PreserveConfig struct {
	KeepLeading  int `mapstructure:"keep_leading" yaml:"keep_leading"`
	KeepTrailing int `mapstructure:"keep_trailing" yaml:"keep_trailing"`
}

// Validate checks that at least one digit of typ is left to transform.
func (c PreserveConfig) Validate(typ entity.Type) error {
	want, ok := digitCounts[typ]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
	if c.KeepLeading < 0 || c.KeepTrailing < 0 || c.KeepLeading+c.KeepTrailing >= want {
		return fmt.Errorf("invalid preserve config for %s: keep_leading=%d keep_trailing=%d",
			typ, c.KeepLeading, c.KeepTrailing)
	}
	return nil
}

var digitCounts = map[entity.Type]int{
	entity.TypePhone:      10,
	entity.TypeSSN:        9,
	entity.TypeNationalID: 9,
}

// Supports reports whether typ has a fixed digit structure.
func Supports(typ entity.Type) bool {
	_, ok := digitCounts[typ]
	return ok
}

// DefaultPreserve returns the preserve config used when none is configured:
// the area code for phone numbers, the last four digits for identity numbers.
func DefaultPreserve(typ entity.Type) PreserveConfig {
	switch typ {
	case entity.TypePhone:
		return PreserveConfig{KeepLeading: 3}
	case entity.TypeSSN, entity.TypeNationalID:
		return PreserveConfig{KeepTrailing: 4}
	}
	return PreserveConfig{}
}

// Masker applies the keyed digit transform. It is safe for concurrent use.
type Masker struct {
	key []byte
}

// New returns a Masker keyed with key. The key is copied.
func New(key []byte) (*Masker, error) {
	if len(key) == 0 {
		return nil, errors.New("format-preserving masking key is not configured")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Masker{key: k}, nil
}

// Mask returns text with the digits outside the preserved prefix and suffix
// replaced. Non-digit characters stay where they are. The replacement depends
// on tenantID, so equal values of different tenants mask differently.
func (m *Masker) Mask(text string, typ entity.Type, tenantID string, cfg PreserveConfig) (string, error) {
	want, ok := digitCounts[typ]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}

	out := []byte(text)
	positions := make([]int, 0, want)
	for i := 0; i < len(out); i++ {
		if out[i] >= '0' && out[i] <= '9' {
			positions = append(positions, i)
		}
	}
	if len(positions) != want {
		return "", &FormatError{Type: typ, Want: want, Got: len(positions)}
	}
	if err := cfg.Validate(typ); err != nil {
		return "", err
	}

	middle := make([]byte, 0, want)
	for _, pos := range positions[cfg.KeepLeading : want-cfg.KeepTrailing] {
		middle = append(middle, out[pos])
	}
	replaced := m.transform(typ, tenantID, middle)
	for i, pos := range positions[cfg.KeepLeading : want-cfg.KeepTrailing] {
		out[pos] = replaced[i]
	}
	return string(out), nil
}

// transform maps digits to the same number of different-looking digits.
func (m *Masker) transform(typ entity.Type, tenantID string, digits []byte) []byte {
	out := make([]byte, len(digits))
	var block []byte
	var counter [4]byte
	for i := range digits {
		if i%sha256.Size == 0 {
			mac := hmac.New(sha256.New, m.key)
			mac.Write([]byte(tenantID))
			mac.Write([]byte("||"))
			mac.Write([]byte(typ))
			mac.Write([]byte("||"))
			mac.Write(digits)
			binary.BigEndian.PutUint32(counter[:], uint32(i/sha256.Size))
			mac.Write(counter[:])
			block = mac.Sum(nil)
		}
		out[i] = '0' + block[i%sha256.Size]%10
	}

	if string(out) == string(digits) {
		for i := range out {
			out[i] = '0' + (out[i]-'0'+1)%10
		}
	}
	return out
}

// IsMaskedShape reports whether s looks like a value this package could have
// produced: only digits and phone/ID punctuation, with a supported digit count.
func IsMaskedShape(s string) bool {
	digits := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '-' || c == '.' || c == ' ' || c == '(' || c == ')' || c == '+':
		default:
			return false
		}
	}
	for _, want := range digitCounts {
		if digits == want {
			return true
		}
	}
	return false
}
