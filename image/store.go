package image

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/codyaverett/wasm-container/api"
	"github.com/codyaverett/wasm-container/layerfs"
)

// manifestFile is the on-disk manifest shape inside an image directory:
// <root>/<name>/<tag>/manifest.json next to the layer tarballs it names.
type manifestFile struct {
	api.Manifest
	Layers []string `json:"layers"`
}

// Image is one registered image: its ordered layer digests plus manifest.
type Image struct {
	Name     string
	Tag      string
	Layers   []layerfs.Digest
	Manifest api.Manifest
}

// Store is a local image store backed by the shared layer arena. Layers
// registered here hold one arena reference until the image is removed,
// independent of any container.
type Store struct {
	log    zerolog.Logger
	layers *layerfs.Store

	mu     sync.RWMutex
	images map[string]Image // "name:tag"
}

// NewStore creates an empty image store over the given layer arena.
func NewStore(layers *layerfs.Store, log zerolog.Logger) *Store {
	return &Store{
		log:    log.With().Str("component", "image").Logger(),
		layers: layers,
		images: make(map[string]Image),
	}
}

// Add registers an image from in-memory layers, lowest priority first.
// The manifest must name an entrypoint (directly or via cmd) and the
// module path of the wasm binary.
func (s *Store) Add(ref string, manifest api.Manifest, layers []*layerfs.Layer) (Image, error) {
	name, tag, err := ParseRef(ref)
	if err != nil {
		return Image{}, &NotFoundError{Ref: ref}
	}
	if err := checkManifest(ref, manifest); err != nil {
		return Image{}, err
	}

	digests := make([]layerfs.Digest, 0, len(layers))
	for _, l := range layers {
		digests = append(digests, s.layers.Add(l))
	}

	img := Image{Name: name, Tag: tag, Layers: digests, Manifest: manifest}
	s.mu.Lock()
	if old, ok := s.images[name+":"+tag]; ok {
		s.layers.Release(old.Layers)
	}
	s.images[name+":"+tag] = img
	s.mu.Unlock()

	s.log.Info().Str("image", name+":"+tag).Int("layers", len(digests)).Msg("image registered")
	return img, nil
}

// LoadDir walks an image root directory (<root>/<name>/<tag>/) and
// registers every image found: a manifest.json naming layer tarballs in
// low-to-high order, each ingested as a content-addressed layer.
func (s *Store) LoadDir(root string) error {
	names, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading image root %s: %w", root, err)
	}
	for _, nameDir := range names {
		if !nameDir.IsDir() {
			continue
		}
		tags, err := os.ReadDir(filepath.Join(root, nameDir.Name()))
		if err != nil {
			continue
		}
		for _, tagDir := range tags {
			if !tagDir.IsDir() {
				continue
			}
			ref := nameDir.Name() + ":" + tagDir.Name()
			dir := filepath.Join(root, nameDir.Name(), tagDir.Name())
			if err := s.loadImageDir(ref, dir); err != nil {
				s.log.Warn().Err(err).Str("image", ref).Msg("skipping unloadable image")
			}
		}
	}
	return nil
}

func (s *Store) loadImageDir(ref, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return &ManifestError{Ref: ref, Cause: err}
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return &ManifestError{Ref: ref, Cause: err}
	}

	layers := make([]*layerfs.Layer, 0, len(mf.Layers))
	for _, layerName := range mf.Layers {
		f, err := os.Open(filepath.Join(dir, layerName))
		if err != nil {
			return &ManifestError{Ref: ref, Cause: err}
		}
		l, err := layerfs.ReadTar(f)
		f.Close()
		if err != nil {
			return &ManifestError{Ref: ref, Cause: fmt.Errorf("layer %s: %w", layerName, err)}
		}
		layers = append(layers, l)
	}

	_, err = s.Add(ref, mf.Manifest, layers)
	return err
}

// Resolve implements Resolver. The returned slices are copies; callers
// can hold them without retaining the store's internal state.
func (s *Store) Resolve(_ context.Context, ref string) ([]layerfs.Digest, api.Manifest, error) {
	name, tag, err := ParseRef(ref)
	if err != nil {
		return nil, api.Manifest{}, &NotFoundError{Ref: ref}
	}
	s.mu.RLock()
	img, ok := s.images[name+":"+tag]
	s.mu.RUnlock()
	if !ok {
		return nil, api.Manifest{}, &NotFoundError{Ref: ref}
	}
	return append([]layerfs.Digest(nil), img.Layers...), img.Manifest, nil
}

// Remove unregisters an image and drops its layer references.
func (s *Store) Remove(ref string) error {
	name, tag, err := ParseRef(ref)
	if err != nil {
		return &NotFoundError{Ref: ref}
	}
	s.mu.Lock()
	img, ok := s.images[name+":"+tag]
	if ok {
		delete(s.images, name+":"+tag)
	}
	s.mu.Unlock()
	if !ok {
		return &NotFoundError{Ref: ref}
	}
	s.layers.Release(img.Layers)
	return nil
}

// List returns all registered images.
func (s *Store) List() []Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Image, 0, len(s.images))
	for _, img := range s.images {
		out = append(out, img)
	}
	return out
}

func checkManifest(ref string, m api.Manifest) error {
	if len(m.Entrypoint) == 0 && len(m.Cmd) == 0 {
		return &ManifestError{Ref: ref, Cause: fmt.Errorf("no entrypoint or cmd")}
	}
	if m.ModulePath == "" {
		return &ManifestError{Ref: ref, Cause: fmt.Errorf("no module path")}
	}
	return nil
}
