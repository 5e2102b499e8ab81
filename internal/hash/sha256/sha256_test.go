package sha256

import (
	"strings"
	"testing"
)

func TestHasherDigestsDocument(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("<html><body>hello world</body></html>"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !strings.HasPrefix(got, Prefix) || len(got) != len(Prefix)+64 {
		t.Fatalf("unexpected digest format %q", got)
	}
	again, _ := h.Hash([]byte("<html><body>hello world</body></html>"))
	if again != got {
		t.Fatalf("digest not stable: %s vs %s", got, again)
	}
	empty, err := h.Hash(nil)
	if err != nil {
		t.Fatalf("Hash(nil) error = %v", err)
	}
	if want := Prefix + "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"; empty != want {
		t.Fatalf("expected %s, got %s", want, empty)
	}
}
