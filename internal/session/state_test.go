package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestMappingState(t *testing.T) {
	s := NewMappingState()
	s.Insert("EMAIL_0123456789abcdef", "alice@example.com")

	if got, ok := s.GetOriginal("EMAIL_0123456789abcdef"); !ok || got != "alice@example.com" {
		t.Errorf("GetOriginal = %q, %v", got, ok)
	}
	if got, ok := s.GetPseudonym("alice@example.com"); !ok || got != "EMAIL_0123456789abcdef" {
		t.Errorf("GetPseudonym = %q, %v", got, ok)
	}
	if !s.ContainsPseudonym("EMAIL_0123456789abcdef") || !s.ContainsOriginal("alice@example.com") {
		t.Error("Contains* missed an inserted pair")
	}
	if _, ok := s.GetOriginal("EMAIL_ffffffffffffffff"); ok {
		t.Error("unexpected hit for unknown pseudonym")
	}

	// re-inserting the same pair does not grow the state
	s.Insert("EMAIL_0123456789abcdef", "alice@example.com")
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestMappingStateClear(t *testing.T) {
	s := NewMappingState()
	s.Insert("SSN_0123456789abcdef", "123-45-6789")
	s.Clear()

	if s.Len() != 0 {
		t.Fatalf("Len() after Clear = %d", s.Len())
	}
	if _, ok := s.GetOriginal("SSN_0123456789abcdef"); ok {
		t.Error("forward entry survived Clear")
	}
	if _, ok := s.GetPseudonym("123-45-6789"); ok {
		t.Error("reverse entry survived Clear")
	}

	s.Insert("SSN_1111111111111111", "987-65-4321")
	if got, ok := s.GetOriginal("SSN_1111111111111111"); !ok || got != "987-65-4321" {
		t.Error("state not usable after Clear")
	}
}

func TestMappingStateConcurrent(t *testing.T) {
	s := NewMappingState()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p := fmt.Sprintf("PERSON_%016x", i)
				o := fmt.Sprintf("person-%d", i)
				s.Insert(p, o)
				if got, ok := s.GetOriginal(p); !ok || got != o {
					t.Errorf("read-your-write failed for %s", p)
					return
				}
			}
		}()
	}
	wg.Wait()

	if s.Len() != 200 {
		t.Errorf("Len() = %d, want 200", s.Len())
	}
	for i := 0; i < 200; i++ {
		p := fmt.Sprintf("PERSON_%016x", i)
		o, ok := s.GetOriginal(p)
		if !ok {
			t.Fatalf("missing %s", p)
		}
		if back, _ := s.GetPseudonym(o); back != p {
			t.Errorf("directions disagree for %s: %s", p, back)
		}
	}
}
