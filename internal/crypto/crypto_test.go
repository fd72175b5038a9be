package crypto

import "testing"

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	tok, err := s.Encrypt("cisco123")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if tok == "cisco123" {
		t.Fatal("token equals plaintext")
	}

	// A second sealer built from the encoded key must open the same token.
	s2, err := NewSealer(s.Key())
	if err != nil {
		t.Fatalf("NewSealer(key) error: %v", err)
	}
	got, err := s2.Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if got != "cisco123" {
		t.Errorf("Decrypt() = %q, want %q", got, "cisco123")
	}
}

func TestSealer_WrongKey(t *testing.T) {
	a, _ := NewSealer("")
	b, _ := NewSealer("")
	tok, _ := a.Encrypt("secret")
	if _, err := b.Decrypt(tok); err == nil {
		t.Error("expected error decrypting with a different key")
	}
}

func TestSealer_EmptyCiphertext(t *testing.T) {
	s, _ := NewSealer("")
	got, err := s.Decrypt("")
	if err != nil || got != "" {
		t.Errorf("Decrypt(\"\") = %q, %v", got, err)
	}
}

func TestNewSealer_BadKey(t *testing.T) {
	if _, err := NewSealer("not-a-key"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"abc":       "****",
		"cisco1234": "****1234",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
