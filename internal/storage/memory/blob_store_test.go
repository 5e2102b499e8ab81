package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectOverwrites(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	uri, err := store.PutObject(ctx, "crawl-data/s1/1-example.com.json", "application/json", bytes.NewReader([]byte(`{"a":1}`)))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://crawl-data/s1/1-example.com.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	// A re-executed job writes the same key again.
	if _, err := store.PutObject(ctx, "crawl-data/s1/1-example.com.json", "application/json", bytes.NewReader([]byte(`{"a":2}`))); err != nil {
		t.Fatalf("PutObject() overwrite error = %v", err)
	}
	got, ok := store.Get("crawl-data/s1/1-example.com.json")
	if !ok || string(got) != `{"a":2}` {
		t.Fatalf("expected overwritten record, got %q (ok=%v)", got, ok)
	}
	got[0] = 'X'
	again, _ := store.Get("crawl-data/s1/1-example.com.json")
	if again[0] != '{' {
		t.Fatal("Get() must return a copy")
	}
	if paths := store.Paths(); len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
}
