// Package entity enumerates the PII entity types and confidence levels the
// guard understands, and the Detection value produced by a detector pass.
package entity

import (
	"fmt"
	"strings"
)

// Type identifies a class of PII. The string value doubles as the
// pseudonym prefix, so it must stay upper-case and underscore-only.
type Type string

const (
	TypeSSN           Type = "SSN"
	TypeEmail         Type = "EMAIL"
	TypePhone         Type = "PHONE"
	TypeCreditCard    Type = "CREDIT_CARD"
	TypePerson        Type = "PERSON"
	TypeIPAddress     Type = "IP_ADDRESS"
	TypeDateOfBirth   Type = "DATE_OF_BIRTH"
	TypeAccountNumber Type = "ACCOUNT_NUMBER"
	TypeNationalID    Type = "NATIONAL_ID"
)

var allTypes = []Type{
	TypeSSN,
	TypeEmail,
	TypePhone,
	TypeCreditCard,
	TypePerson,
	TypeIPAddress,
	TypeDateOfBirth,
	TypeAccountNumber,
	TypeNationalID,
}

// All returns every supported entity type in catalog order.
func All() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Valid reports whether t is part of the catalog.
func (t Type) Valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t Type) String() string { return string(t) }

// ParseType maps a loosely formatted name ("credit-card", "email",
// "IP_ADDRESS") onto a catalog type.
func ParseType(s string) (Type, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "NAME", "PERSON_NAME":
		norm = string(TypePerson)
	case "PHONE_NUMBER":
		norm = string(TypePhone)
	case "IP":
		norm = string(TypeIPAddress)
	case "DOB":
		norm = string(TypeDateOfBirth)
	case "BANK_ACCOUNT":
		norm = string(TypeAccountNumber)
	}
	t := Type(norm)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type: %q", s)
	}
	return t, nil
}

// Confidence is the detector's certainty that a span really is the claimed
// entity. Values are ordered: Low < Medium < High.
type Confidence int

const (
	ConfidenceLow Confidence = iota + 1
	ConfidenceMedium
	ConfidenceHigh
)

// AtLeast reports whether c meets the given threshold.
func (c Confidence) AtLeast(threshold Confidence) bool {
	return c >= threshold
}

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return fmt.Sprintf("confidence(%d)", int(c))
	}
}

// MarshalText renders the confidence as its lower-case name.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a confidence name.
func (c *Confidence) UnmarshalText(b []byte) error {
	parsed, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseConfidence parses "low", "medium" or "high" (case-insensitive).
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow, nil
	case "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	}
	return 0, fmt.Errorf("invalid confidence: %q (must be low, medium, or high)", s)
}

// Method selects how detection runs for a request.
type Method string

const (
	MethodRules  Method = "rules"
	MethodAI     Method = "ai"
	MethodHybrid Method = "hybrid"
)

// ParseMethod converts the caller-facing detection method string. An empty
// string selects rules.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rules", "regex":
		return MethodRules, nil
	case "ai", "ner":
		return MethodAI, nil
	case "hybrid":
		return MethodHybrid, nil
	}
	return "", fmt.Errorf("invalid detection method: %q (must be rules, ai, or hybrid)", s)
}

// Source records which detector produced a Detection.
type Source string

const (
	SourceRules     Source = "rules"
	SourceExtractor Source = "extractor"
)

// Detection is a single matched span. Start and End are byte offsets into
// the scanned text, half-open. Text is a copy of the matched substring.
type Detection struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Type       Type       `json:"type"`
	Confidence Confidence `json:"confidence"`
	Text       string     `json:"text"`
	Source     Source     `json:"source"`
}

// Overlaps reports whether the two spans share at least one byte.
func (d Detection) Overlaps(other Detection) bool {
	return d.Start < other.End && other.Start < d.End
}

// Len returns the span length in bytes.
func (d Detection) Len() int { return d.End - d.Start }

// Counts maps an entity type name to the number of redactions applied. It
// carries no text and is the only masking artifact handed to audit.
type Counts map[string]int

// Add increments the counter for typ.
func (c Counts) Add(typ Type) {
	c[string(typ)]++
}

// Total sums all counters.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}
