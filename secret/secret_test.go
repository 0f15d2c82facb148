package secret

import "testing"

func TestBytesWipeClearsBuffer(t *testing.T) {
	s := NewCopy([]byte("hunter2"))
	buf := s.Bytes()
	s.Wipe()
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %v", i, buf)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("Len() after Wipe = %d, want 0", s.Len())
	}
}

func TestBytesNilReceiverIsSafe(t *testing.T) {
	var s *Bytes
	s.Wipe()
	if s.Len() != 0 {
		t.Fatalf("Len() on nil = %d, want 0", s.Len())
	}
	if s.Bytes() != nil {
		t.Fatalf("Bytes() on nil should be nil")
	}
}

func TestNewDoesNotCopy(t *testing.T) {
	orig := []byte("abc")
	s := New(orig)
	orig[0] = 'z'
	if s.Bytes()[0] != 'z' {
		t.Fatalf("New should alias the input slice")
	}
}
