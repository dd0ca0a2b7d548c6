package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/codyaverett/wasm-container/api"
	"github.com/codyaverett/wasm-container/layerfs"
)

func TestParseRef(t *testing.T) {
	name, tag, err := ParseRef("web")
	if err != nil || name != "web" || tag != "latest" {
		t.Fatalf("got %s:%s, %v", name, tag, err)
	}
	name, tag, err = ParseRef("web:1.2")
	if err != nil || name != "web" || tag != "1.2" {
		t.Fatalf("got %s:%s, %v", name, tag, err)
	}
	for _, bad := range []string{"", ":", "web:", ":tag", "a:b:c"} {
		if _, _, err := ParseRef(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func testManifest() api.Manifest {
	return api.Manifest{
		Entrypoint: []string{"/usr/bin/app"},
		ModulePath: "/usr/bin/app.wasm",
	}
}

func testLayer(content string) *layerfs.Layer {
	return layerfs.NewLayer(map[string]*layerfs.Entry{
		"usr/bin/app.wasm": {Data: []byte(content), Mode: fs.FileMode(0o755)},
	})
}

func TestAddAndResolve(t *testing.T) {
	layers := layerfs.NewStore()
	s := NewStore(layers, zerolog.Nop())

	img, err := s.Add("web:1.0", testManifest(), []*layerfs.Layer{testLayer("mod")})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if img.Name != "web" || img.Tag != "1.0" || len(img.Layers) != 1 {
		t.Fatalf("unexpected image: %+v", img)
	}

	digests, manifest, err := s.Resolve(context.Background(), "web:1.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(digests) != 1 || manifest.ModulePath != "/usr/bin/app.wasm" {
		t.Fatalf("resolve returned %v, %+v", digests, manifest)
	}

	var notFound *NotFoundError
	if _, _, err := s.Resolve(context.Background(), "missing:1.0"); !errors.As(err, &notFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestAddRejectsBadManifest(t *testing.T) {
	s := NewStore(layerfs.NewStore(), zerolog.Nop())

	var manifestErr *ManifestError
	_, err := s.Add("x", api.Manifest{ModulePath: "/m.wasm"}, nil)
	if !errors.As(err, &manifestErr) {
		t.Fatalf("expected manifest error for missing entrypoint, got %v", err)
	}
	_, err = s.Add("x", api.Manifest{Entrypoint: []string{"/app"}}, nil)
	if !errors.As(err, &manifestErr) {
		t.Fatalf("expected manifest error for missing module path, got %v", err)
	}
}

func TestReplaceReleasesOldLayers(t *testing.T) {
	layers := layerfs.NewStore()
	s := NewStore(layers, zerolog.Nop())

	old, err := s.Add("web", testManifest(), []*layerfs.Layer{testLayer("v1")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("web", testManifest(), []*layerfs.Layer{testLayer("v2")}); err != nil {
		t.Fatal(err)
	}
	if layers.Refs(old.Layers[0]) != 0 {
		t.Fatalf("replaced image still holds layer refs: %d", layers.Refs(old.Layers[0]))
	}
}

func TestRemoveReleasesLayers(t *testing.T) {
	layers := layerfs.NewStore()
	s := NewStore(layers, zerolog.Nop())

	img, err := s.Add("web", testManifest(), []*layerfs.Layer{testLayer("v1")})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("web:latest"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if layers.Refs(img.Layers[0]) != 0 {
		t.Fatal("removed image still holds layer refs")
	}
	if err := s.Remove("web:latest"); err == nil {
		t.Fatal("double remove should fail")
	}
}

func writeTarball(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "web", "1.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeTarball(t, filepath.Join(dir, "layer0.tar.gz"), map[string]string{
		"usr/bin/app.wasm": "module bytes",
	})
	mf := map[string]any{
		"entrypoint": []string{"/usr/bin/app"},
		"modulePath": "/usr/bin/app.wasm",
		"layers":     []string{"layer0.tar.gz"},
	}
	raw, _ := json.Marshal(mf)
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	// A broken sibling image is skipped, not fatal.
	badDir := filepath.Join(root, "broken", "latest")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewStore(layerfs.NewStore(), zerolog.Nop())
	if err := s.LoadDir(root); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	digests, manifest, err := s.Resolve(context.Background(), "web:1.0")
	if err != nil {
		t.Fatalf("loaded image unresolvable: %v", err)
	}
	if len(digests) != 1 || manifest.Entrypoint[0] != "/usr/bin/app" {
		t.Fatalf("unexpected resolve result: %v %+v", digests, manifest)
	}
	if len(s.List()) != 1 {
		t.Fatalf("list has %d images, want 1", len(s.List()))
	}
}
