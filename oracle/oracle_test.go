package oracle

import "testing"

func TestStubSignRequiresKnownKeygrip(t *testing.T) {
	s := NewStub()
	var grip [20]byte
	if _, err := s.Sign(grip, 8, []byte("digest")); err != ErrNoSecretKey {
		t.Fatalf("err = %v, want ErrNoSecretKey", err)
	}
}

func TestStubSignAndDecryptRoundTrip(t *testing.T) {
	var grip [20]byte
	grip[0] = 1
	s := NewStub(grip)

	sig, err := s.Sign(grip, 8, []byte("hello"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(sig) != "olleh" {
		t.Fatalf("Sign = %q", sig)
	}

	pt, err := s.Decrypt(grip, []byte("olleh"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hello" {
		t.Fatalf("Decrypt = %q", pt)
	}
}

func TestStubHaveKey(t *testing.T) {
	var grip [20]byte
	grip[3] = 9
	s := NewStub(grip)
	if !s.HaveKey(grip) {
		t.Fatalf("expected HaveKey true")
	}
	var other [20]byte
	other[3] = 1
	if s.HaveKey(other) {
		t.Fatalf("expected HaveKey false for unknown grip")
	}
}
