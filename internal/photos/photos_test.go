package photos

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		base string
		ref  string
		want string
	}{
		{"public/images", "jean", filepath.Join("public/images", "jean.JPG")},
		{"public/images/", "../etc/passwd", filepath.Join("public/images", "passwd.JPG")},
		{"https://cdn.example.com/images/", "jean", "https://cdn.example.com/images/jean.JPG"},
	}
	for _, tt := range tests {
		if got := NewFetcher(tt.base).Resolve(tt.ref); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}

func TestFetchLocal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "jean.JPG"), []byte{0xFF, 0xD8}, 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFetcher(dir)

	data, err := f.Fetch(context.Background(), "jean")
	if err != nil || len(data) != 2 {
		t.Errorf("Fetch() = %v, %v", data, err)
	}
	if _, err := f.Fetch(context.Background(), "marie"); err == nil {
		t.Error("Expected error for missing photo")
	}
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/jean.JPG" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL + "/images")
	data, err := f.Fetch(context.Background(), "jean")
	if err != nil || string(data) != "jpeg" {
		t.Errorf("Fetch() = %q, %v", data, err)
	}
	if _, err := f.Fetch(context.Background(), "marie"); err == nil {
		t.Error("Expected error for 404")
	}
}
