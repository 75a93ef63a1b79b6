package entity

import (
	"encoding/json"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"SSN", TypeSSN, false},
		{"email", TypeEmail, false},
		{"credit-card", TypeCreditCard, false},
		{"ip address", TypeIPAddress, false},
		{"NAME", TypePerson, false},
		{"phone_number", TypePhone, false},
		{"dob", TypeDateOfBirth, false},
		{"bank_account", TypeAccountNumber, false},
		{"passport", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseType(%q) expected error, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseType(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAllTypesValid(t *testing.T) {
	all := All()
	if len(all) != 9 {
		t.Fatalf("expected 9 catalog types, got %d", len(all))
	}
	for _, typ := range all {
		if !typ.Valid() {
			t.Errorf("catalog type %q reported invalid", typ)
		}
	}

	// All returns a copy
	all[0] = "BOGUS"
	if All()[0] != TypeSSN {
		t.Error("mutating All() result changed the catalog")
	}
}

func TestConfidenceOrdering(t *testing.T) {
	if !ConfidenceHigh.AtLeast(ConfidenceMedium) || !ConfidenceMedium.AtLeast(ConfidenceMedium) {
		t.Error("expected high and medium to meet a medium threshold")
	}
	if ConfidenceLow.AtLeast(ConfidenceMedium) {
		t.Error("low must not meet a medium threshold")
	}
}

func TestConfidenceText(t *testing.T) {
	b, err := json.Marshal(struct {
		C Confidence `json:"c"`
	}{ConfidenceHigh})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"c":"high"}` {
		t.Errorf("unexpected JSON: %s", b)
	}

	var c Confidence
	if err := c.UnmarshalText([]byte("Medium")); err != nil || c != ConfidenceMedium {
		t.Errorf("UnmarshalText(Medium) = %v, %v", c, err)
	}
	if err := c.UnmarshalText([]byte("certain")); err == nil {
		t.Error("expected error for unknown confidence")
	}
}

func TestParseMethod(t *testing.T) {
	tests := map[string]Method{
		"":       MethodRules,
		"regex":  MethodRules,
		"rules":  MethodRules,
		"ner":    MethodAI,
		"AI":     MethodAI,
		"hybrid": MethodHybrid,
	}
	for in, want := range tests {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMethod("llm"); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestDetectionOverlaps(t *testing.T) {
	a := Detection{Start: 0, End: 5}
	b := Detection{Start: 4, End: 8}
	c := Detection{Start: 5, End: 9}

	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Error("expected [0,5) and [4,8) to overlap")
	}
	if a.Overlaps(c) {
		t.Error("adjacent spans must not overlap")
	}
	if a.Len() != 5 {
		t.Errorf("Len() = %d, want 5", a.Len())
	}
}

func TestCounts(t *testing.T) {
	c := Counts{}
	c.Add(TypeEmail)
	c.Add(TypeEmail)
	c.Add(TypeSSN)

	if c["EMAIL"] != 2 || c["SSN"] != 1 {
		t.Errorf("unexpected counts: %v", c)
	}
	if c.Total() != 3 {
		t.Errorf("Total() = %d, want 3", c.Total())
	}
}
