package session

import "testing"

func TestResetNotifyClearsKeygripAndDigest(t *testing.T) {
	s := New()
	s.SetKeygrip([20]byte{1, 2, 3})
	s.SetDigest(8, []byte("0123456789012345678901234567890X")[:32])
	s.SetOption(OptDisplay, ":0")

	s.ResetNotify()

	if s.HaveKeygrip {
		t.Fatalf("HaveKeygrip should be false after reset")
	}
	if s.Digest.Length != 0 {
		t.Fatalf("Digest.Length = %d, want 0", s.Digest.Length)
	}
	if v, ok := s.Option(OptDisplay); !ok || v != ":0" {
		t.Fatalf("reset should not touch option overrides, got %q %v", v, ok)
	}
}

func TestSetOptionRejectsUnknownKey(t *testing.T) {
	s := New()
	if err := s.SetOption("bogus", "x"); err != ErrUnknownOption {
		t.Fatalf("err = %v, want ErrUnknownOption", err)
	}
}

func TestIsAllowedDigestLength(t *testing.T) {
	for _, n := range []int{16, 20, 24, 32} {
		if !IsAllowedDigestLength(n) {
			t.Fatalf("expected %d to be allowed", n)
		}
	}
	for _, n := range []int{0, 8, 17, 33, 64} {
		if IsAllowedDigestLength(n) {
			t.Fatalf("expected %d to be rejected", n)
		}
	}
}
