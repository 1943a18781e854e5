package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"webship/internal/credentials"
)

func workspaceWithOutputs(t *testing.T) string {
	dir := t.TempDir()
	dist := filepath.Join(dir, "dist")
	if err := os.MkdirAll(filepath.Join(dist, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dist, "index.html"):        "<html></html>",
		filepath.Join(dist, "assets", "app.js"):  "console.log('hi')",
		filepath.Join(dist, "assets", "app.css"): "body{}",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestPackageCreatesArchive(t *testing.T) {
	dir := workspaceWithOutputs(t)
	publisher := NewPublisher("http://nexus:8081", "webship", "spa-bundle", credentials.New("u", "p"))

	archive, err := publisher.Package(dir, []string{"dist"}, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(archive) != "spa-bundle-42.tar.gz" {
		t.Errorf("archive name = %s, want spa-bundle-42.tar.gz", filepath.Base(archive))
	}

	// The archive must contain the declared outputs
	f, err := os.Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gr)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}

	want := map[string]bool{
		filepath.Join("dist", "index.html"):       false,
		filepath.Join("dist", "assets", "app.js"): false,
	}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("archive missing %s; entries: %v", name, names)
		}
	}
}

func TestPublishUploadsToCoordinatePath(t *testing.T) {
	var gotPath, gotMethod string
	var gotUser, gotPass string
	var gotBody int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotUser, gotPass, _ = r.BasicAuth()
		gotBody, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := workspaceWithOutputs(t)
	publisher := NewPublisher(srv.URL, "webship", "spa-bundle", credentials.New("deployer", "nexus-pass"))

	archive, err := publisher.Package(dir, []string{"dist"}, 42)
	if err != nil {
		t.Fatal(err)
	}

	if err := publisher.Publish(context.Background(), archive, 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/webship/spa-bundle/42/spa-bundle-42.tar.gz" {
		t.Errorf("path = %s, want /webship/spa-bundle/42/spa-bundle-42.tar.gz", gotPath)
	}
	if gotUser != "deployer" || gotPass != "nexus-pass" {
		t.Errorf("auth = %s/%s, want credential handle values", gotUser, gotPass)
	}
	if gotBody == 0 {
		t.Error("uploaded body was empty")
	}
}

func TestPublishRepositoryRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	dir := workspaceWithOutputs(t)
	publisher := NewPublisher(srv.URL, "webship", "spa-bundle", credentials.New("u", "p"))

	archive, err := publisher.Package(dir, []string{"dist"}, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := publisher.Publish(context.Background(), archive, 1); err == nil {
		t.Error("expected error on rejected upload, got none")
	}
}

func TestPackageMissingOutput(t *testing.T) {
	dir := t.TempDir()
	publisher := NewPublisher("http://nexus:8081", "webship", "spa-bundle", credentials.New("u", "p"))

	if _, err := publisher.Package(dir, []string{"dist"}, 1); err == nil {
		t.Error("expected error for missing output directory, got none")
	}
}
