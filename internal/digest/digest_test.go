package digest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"testing"
)

func TestOfMatchesStdlibMD5(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	got := Of(MD5, data)

	sum := md5.Sum(data)
	want := hex.EncodeToString(sum[:])

	if got != want {
		t.Fatalf("Of(MD5, ...) = %s, want %s", got, want)
	}
}

func TestOfReaderMatchesOf(t *testing.T) {
	data := []byte("some chunk bytes, repeated enough to span a few hash blocks")

	want := Of(MD5, data)

	got, err := OfReader(MD5, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OfReader: %v", err)
	}

	if got != want {
		t.Fatalf("OfReader = %s, want %s", got, want)
	}
}

func TestFoldIsDeterministicAndOrderSensitive(t *testing.T) {
	a := Of(MD5, []byte("chunk-a"))
	b := Of(MD5, []byte("chunk-b"))

	ab := Fold(MD5, []string{a, b})
	again := Fold(MD5, []string{a, b})
	ba := Fold(MD5, []string{b, a})

	if ab != again {
		t.Fatalf("Fold is not deterministic: %s != %s", ab, again)
	}

	if ab == ba {
		t.Fatalf("Fold(a,b) == Fold(b,a); whole-file digest must depend on chunk order")
	}
}

func TestFoldSingleChunkIsNotTheChunkDigest(t *testing.T) {
	a := Of(MD5, []byte("only chunk"))

	whole := Fold(MD5, []string{a})

	if whole == a {
		t.Fatalf("Fold of a single chunk must still be a fresh hash over its hex digest, not equal to the chunk digest itself")
	}
}

func TestByName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"md5", false},
		{"xxhash", false},
		{"sha256", true},
	}

	for _, tt := range tests {
		alg, err := ByName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ByName(%q): expected error, got nil", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ByName(%q): unexpected error %v", tt.name, err)
		}
		if alg == nil {
			t.Errorf("ByName(%q): got nil algorithm", tt.name)
		}
	}
}
