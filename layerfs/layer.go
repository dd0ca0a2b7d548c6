// Package layerfs implements the layered container filesystem: immutable,
// content-addressed read-only layers held in a reference-counted store,
// plus a per-container writable layer with copy-up semantics. A View
// combines an ordered layer stack with volume mounts into a single path
// resolver that the execution engine's host-call shims read and write
// through.
package layerfs

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
)

// Digest identifies a layer by its content hash, "blake3:<hex>".
type Digest string

// Entry is a single filesystem object inside a layer: a regular file,
// a directory, or a symlink.
type Entry struct {
	Data []byte
	Mode fs.FileMode // type bits distinguish dir and symlink
	Link string      // symlink target, when Mode is a symlink
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Mode.IsDir() }

// IsSymlink reports whether the entry is a symlink.
func (e *Entry) IsSymlink() bool { return e.Mode&fs.ModeSymlink != 0 }

// Layer is an immutable filesystem fragment. Entries are keyed by
// slash-separated paths relative to the root ("etc/hosts"). Layers are
// never mutated after construction, so concurrent reads across
// containers need no locking.
type Layer struct {
	digest  Digest
	entries map[string]*Entry
	dirs    map[string]bool // explicit and implicit directories
}

// NewLayer builds a layer from a path→entry map. Paths are normalized;
// parent directories are derived implicitly. The input map is not
// retained.
func NewLayer(entries map[string]*Entry) *Layer {
	l := &Layer{
		entries: make(map[string]*Entry, len(entries)),
		dirs:    make(map[string]bool),
	}
	for p, e := range entries {
		np := normPath(p)
		if np == "" {
			continue
		}
		l.entries[np] = e
		if e.IsDir() {
			l.dirs[np] = true
		}
		for d := path.Dir(np); d != "."; d = path.Dir(d) {
			l.dirs[d] = true
		}
	}
	l.digest = computeDigest(l.entries)
	return l
}

// Digest returns the layer's content address.
func (l *Layer) Digest() Digest { return l.digest }

// Len returns the number of entries in the layer.
func (l *Layer) Len() int { return len(l.entries) }

func (l *Layer) get(p string) (*Entry, bool) {
	if e, ok := l.entries[p]; ok {
		return e, true
	}
	if l.dirs[p] {
		return &Entry{Mode: fs.ModeDir | 0o755}, true
	}
	return nil, false
}

// names returns the child names of directory p within this layer.
func (l *Layer) names(p string, into map[string]bool) {
	prefix := ""
	if p != "" {
		prefix = p + "/"
	}
	for ep := range l.entries {
		if !strings.HasPrefix(ep, prefix) {
			continue
		}
		rest := ep[len(prefix):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		if rest != "" {
			into[rest] = true
		}
	}
	for dp := range l.dirs {
		if !strings.HasPrefix(dp, prefix) {
			continue
		}
		rest := dp[len(prefix):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		if rest != "" {
			into[rest] = true
		}
	}
}

// ReadTar builds a layer from a gzip-compressed tar stream, the format
// image layers are distributed in. Hardlinks are materialized as copies;
// device nodes and other special entries are skipped.
func ReadTar(r io.Reader) (*Layer, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("layer is not gzip-compressed: %w", err)
	}
	defer zr.Close()

	entries := make(map[string]*Entry)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading layer tar: %w", err)
		}
		name := normPath(hdr.Name)
		if name == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("reading layer entry %s: %w", name, err)
			}
			entries[name] = &Entry{Data: data, Mode: fs.FileMode(hdr.Mode) & fs.ModePerm}
		case tar.TypeDir:
			entries[name] = &Entry{Mode: fs.ModeDir | fs.FileMode(hdr.Mode)&fs.ModePerm}
		case tar.TypeSymlink:
			entries[name] = &Entry{Mode: fs.ModeSymlink | 0o777, Link: hdr.Linkname}
		case tar.TypeLink:
			if src, ok := entries[normPath(hdr.Linkname)]; ok {
				entries[name] = &Entry{Data: src.Data, Mode: src.Mode}
			}
		}
	}
	return NewLayer(entries), nil
}

// computeDigest hashes all entries in path order.
func computeDigest(entries map[string]*Entry) Digest {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := blake3.New()
	for _, p := range paths {
		e := entries[p]
		fmt.Fprintf(h, "%s\x00%o\x00%s\x00%d\x00", p, uint32(e.Mode), e.Link, len(e.Data))
		h.Write(e.Data)
	}
	return Digest("blake3:" + fmt.Sprintf("%x", h.Sum(nil)))
}

// normPath canonicalizes a path to the internal form: slash-separated,
// relative to the root, no leading slash. The root itself maps to "".
func normPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}
