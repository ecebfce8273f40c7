package digest_test

import (
	"os"
	"path/filepath"
	"testing"

	"jobtrace/internal/digest"
)

func TestBytesDeterministic(t *testing.T) {
	a := digest.Bytes([]byte("hello"))
	b := digest.Bytes([]byte("hello"))
	if a != b {
		t.Fatalf("same bytes produced different digests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if digest.Bytes([]byte("hellp")) == a {
		t.Fatalf("different bytes produced same digest")
	}
}

func TestFileMatchesBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	content := []byte(`{"a":1}`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum, size, err := digest.File(path)
	if err != nil {
		t.Fatalf("file digest: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("size %d, want %d", size, len(content))
	}
	if sum != digest.Bytes(content) {
		t.Fatalf("file digest differs from bytes digest")
	}
}

func TestFileMissing(t *testing.T) {
	if _, _, err := digest.File(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestMarshalCanonicalKeyOrder(t *testing.T) {
	a, err := digest.MarshalCanonical(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": false}})
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"a\":{\"y\":false,\"z\":true},\"b\":1}\n"
	if string(a) != want {
		t.Fatalf("canonical encoding = %q, want %q", a, want)
	}
}

func TestMarshalCanonicalStableAcrossCalls(t *testing.T) {
	v := struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags"`
		Score float64  `json:"score"`
	}{"x", []string{"go", "remote"}, 1.5}
	a, err := digest.MarshalCanonical(v)
	if err != nil {
		t.Fatal(err)
	}
	b, err := digest.MarshalCanonical(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical encoding unstable: %q vs %q", a, b)
	}
	if digest.Bytes(a) != digest.Bytes(b) {
		t.Fatalf("digests differ for identical logical content")
	}
}
