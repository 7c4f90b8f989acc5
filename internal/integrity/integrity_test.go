package integrity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestChecksumBuffersKnownVector(t *testing.T) {
	// MD5("abc") is a fixed point worth pinning.
	got := ChecksumBuffers([]Buffer{{ID: 1, Data: []byte("abc")}})
	want := "900150983cd24fb0d6963f7d28e17f72"
	if got != want {
		t.Fatalf("digest: expected %s, got %s", want, got)
	}
	if len(got) != DigestHexLen {
		t.Fatalf("digest length: expected %d, got %d", DigestHexLen, len(got))
	}
}

func TestChecksumBuffersOrderedByID(t *testing.T) {
	a := Buffer{ID: 3, Data: []byte("tail")}
	b := Buffer{ID: 1, Data: []byte("head")}

	first := ChecksumBuffers([]Buffer{a, b})
	second := ChecksumBuffers([]Buffer{b, a})
	if first != second {
		t.Fatalf("digest should not depend on registration order: %s vs %s", first, second)
	}

	// The stream is id-ordered, so it must equal the digest of the
	// concatenation head+tail.
	joined := ChecksumBuffers([]Buffer{{ID: 0, Data: []byte("headtail")}})
	if first != joined {
		t.Fatalf("expected id-ordered concatenation %s, got %s", joined, first)
	}
}

func TestChecksumBuffersEmpty(t *testing.T) {
	got := ChecksumBuffers(nil)
	want := "d41d8cd98f00b204e9800998ecf8427e" // MD5 of empty input
	if got != want {
		t.Fatalf("empty digest: expected %s, got %s", want, got)
	}
}

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if want := "900150983cd24fb0d6963f7d28e17f72"; got != want {
		t.Fatalf("digest: expected %s, got %s", want, got)
	}
}

func TestChecksumFileMissing(t *testing.T) {
	digest, err := ChecksumFile(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if digest != "" {
		t.Fatalf("expected no partial digest, got %q", digest)
	}
}
