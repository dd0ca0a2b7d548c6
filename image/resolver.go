// Package image supplies resolved filesystem layers and manifests to the
// container core. The core never parses registry wire formats itself; it
// consumes a Resolver, and this package's Store is the local-directory
// implementation of one.
package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/codyaverett/wasm-container/api"
	"github.com/codyaverett/wasm-container/layerfs"
)

// Resolver supplies the ordered layer stack and manifest for an image
// reference.
type Resolver interface {
	Resolve(ctx context.Context, ref string) ([]layerfs.Digest, api.Manifest, error)
}

// NotFoundError indicates no image matches the reference.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return "image not found: " + e.Ref
}

// ManifestError indicates an image's manifest is unusable.
type ManifestError struct {
	Ref   string
	Cause error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest for %s: %v", e.Ref, e.Cause)
}

func (e *ManifestError) Unwrap() error { return e.Cause }

// ParseRef splits an image reference into name and tag, defaulting the
// tag to "latest".
func ParseRef(ref string) (name, tag string, err error) {
	if ref == "" {
		return "", "", fmt.Errorf("empty image reference")
	}
	parts := strings.Split(ref, ":")
	switch len(parts) {
	case 1:
		return parts[0], "latest", nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid image reference: %s", ref)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("invalid image reference: %s", ref)
	}
}
