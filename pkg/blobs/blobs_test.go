package blobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestObjectName(t *testing.T) {
	grid := []struct {
		store GCSBlobstore
		key   string
		want  string
	}{
		{GCSBlobstore{Bucket: "assets"}, "wave.png", "gs://assets/wave.png"},
		{GCSBlobstore{Bucket: "assets", Prefix: "styles"}, "wave.png", "gs://assets/styles/wave.png"},
		{GCSBlobstore{Bucket: "assets", Prefix: "models/"}, "style.stm", "gs://assets/models/style.stm"},
	}
	for _, tc := range grid {
		if got := tc.store.url(BlobInfo{Key: tc.key}); got != tc.want {
			t.Errorf("url(%q) with prefix %q = %q, want %q", tc.key, tc.store.Prefix, got, tc.want)
		}
	}

	if got := contentType("wave.png"); got != "image/png" {
		t.Errorf("content type of a png is %q", got)
	}
}

func TestWriteToFileDiscardsShortCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dest := filepath.Join(dir, "model.stm")

	if _, err := writeToFile(ctx, strings.NewReader("short"), dest, 10); err == nil {
		t.Fatalf("expected an error for a truncated copy")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("truncated copy left files behind: %v", entries)
	}

	n, err := writeToFile(ctx, strings.NewReader("complete"), dest, -1)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != int64(len("complete")) {
		t.Errorf("wrote %d bytes", n)
	}
	if b, _ := os.ReadFile(dest); string(b) != "complete" {
		t.Errorf("unexpected contents %q", b)
	}
}

func TestModelServerDownload(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/wave.png" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/assets")
	server := &ModelServer{BaseURL: base}
	dir := t.TempDir()

	dest := filepath.Join(dir, "wave.png")
	if err := server.Download(ctx, BlobInfo{Key: "wave.png"}, dest); err != nil {
		t.Fatalf("failed to download: %v", err)
	}
	if b, _ := os.ReadFile(dest); string(b) != "png bytes" {
		t.Errorf("unexpected contents %q", b)
	}

	err := server.Download(ctx, BlobInfo{Key: "missing.png"}, filepath.Join(dir, "missing.png"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestFetchCachesDownloads(t *testing.T) {
	ctx := context.Background()
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("model bytes"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	uri := srv.URL + "/models/style.stm"
	for i := 0; i < 2; i++ {
		p, err := Fetch(ctx, uri, cacheDir)
		if err != nil {
			t.Fatalf("failed to fetch: %v", err)
		}
		if !strings.HasPrefix(p, cacheDir) {
			t.Errorf("fetched path %q is outside the cache", p)
		}
		if b, _ := os.ReadFile(p); string(b) != "model bytes" {
			t.Errorf("unexpected contents %q", b)
		}
	}
	if requests != 1 {
		t.Errorf("server saw %d requests, want 1", requests)
	}

	if _, err := Fetch(ctx, "gs://bucket-only", cacheDir); err == nil {
		t.Errorf("expected an error for a gs:// URI without a key")
	}
}
