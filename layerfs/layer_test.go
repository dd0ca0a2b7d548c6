package layerfs

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
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
	return buf.Bytes()
}

func TestReadTarBuildsLayer(t *testing.T) {
	data := tarball(t, map[string]string{
		"etc/motd":    "welcome\n",
		"usr/bin/app": "binary",
	})
	l, err := ReadTar(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read tar failed: %v", err)
	}
	e, ok := l.get("etc/motd")
	if !ok || string(e.Data) != "welcome\n" {
		t.Fatalf("entry missing or wrong: %v %q", ok, e)
	}
	if l.Digest() == "" {
		t.Fatal("layer has no digest")
	}
}

func TestDigestDeterministic(t *testing.T) {
	mk := func() *Layer {
		return NewLayer(map[string]*Entry{
			"a.txt":   {Data: []byte("aaa"), Mode: 0o644},
			"b/c.txt": {Data: []byte("ccc"), Mode: 0o644},
		})
	}
	if mk().Digest() != mk().Digest() {
		t.Fatal("identical content produced different digests")
	}

	other := NewLayer(map[string]*Entry{
		"a.txt": {Data: []byte("different"), Mode: 0o644},
	})
	if other.Digest() == mk().Digest() {
		t.Fatal("different content produced identical digests")
	}
}

func TestStoreDeduplicatesByDigest(t *testing.T) {
	store := NewStore()
	mk := func() *Layer {
		return NewLayer(map[string]*Entry{"x": {Data: []byte("x"), Mode: 0o644}})
	}
	d1 := store.Add(mk())
	d2 := store.Add(mk())
	if d1 != d2 {
		t.Fatalf("same content stored under two digests: %s %s", d1, d2)
	}
	if store.Len() != 1 {
		t.Fatalf("store holds %d layers, want 1", store.Len())
	}
	if store.Refs(d1) != 2 {
		t.Fatalf("refs: %d, want 2 after double add", store.Refs(d1))
	}

	store.Release([]Digest{d1})
	store.Release([]Digest{d1})
	if store.Len() != 0 {
		t.Fatalf("store not empty after full release: %d", store.Len())
	}
}

func TestAcquireUnknownDigest(t *testing.T) {
	store := NewStore()
	if _, err := store.Acquire([]Digest{"blake3:missing"}); err == nil {
		t.Fatal("expected acquire of unknown digest to fail")
	}
}

func TestNormPath(t *testing.T) {
	cases := map[string]string{
		"/etc/hosts":  "etc/hosts",
		"etc/hosts":   "etc/hosts",
		"./etc/hosts": "etc/hosts",
		"/":           "",
		"":            "",
	}
	for in, want := range cases {
		if got := normPath(in); got != want {
			t.Fatalf("normPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLayerImplicitDirectories(t *testing.T) {
	l := NewLayer(map[string]*Entry{
		"a/b/c/file.txt": {Data: []byte("x"), Mode: 0o644},
	})
	for _, dir := range []string{"a", "a/b", "a/b/c"} {
		e, ok := l.get(dir)
		if !ok || !e.Mode.IsDir() {
			t.Fatalf("implicit dir %q missing", dir)
		}
	}
	if _, ok := l.get("a/b/c/file.txt"); !ok {
		t.Fatal("file entry missing")
	}
}
