package audio

import (
	"bytes"
	"testing"
)

func TestResolveExecutableFindsCat(t *testing.T) {
	if _, err := ResolveExecutable("cat"); err != nil {
		t.Fatalf("ResolveExecutable(cat) failed: %v", err)
	}
}

func TestResolveExecutableMissing(t *testing.T) {
	if _, err := ResolveExecutable("definitely-not-a-real-binary-xyz"); err == nil {
		t.Fatal("expected an error resolving a nonexistent binary")
	}
}

func TestSubprocessWriteReadRoundTrip(t *testing.T) {
	sp, err := StartSubprocess("cat")
	if err != nil {
		t.Fatalf("StartSubprocess(cat) failed: %v", err)
	}

	payload := []byte("hello from the test\n")
	if _, err := sp.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := make([]byte, len(payload))
	n := 0
	for n < len(got) {
		m, err := sp.Read(got[n:])
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		n += m
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}

	if err := sp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
