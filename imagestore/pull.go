package imagestore

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/boxlite/boxlite/types"
)

// maxConcurrentBlobFetches bounds in-flight layer downloads per pull; the
// config blob is fetched alongside them, outside this bound.
const maxConcurrentBlobFetches = 4

// isFullyQualified reports whether ref already names an explicit registry
// host, so registry-chain fallback has nothing left to try. A leading path
// component is a host iff it contains a dot or a colon, or is "localhost" —
// the same heuristic used throughout the Docker reference grammar.
func isFullyQualified(ref string) bool {
	first, rest, found := strings.Cut(ref, "/")
	if !found {
		return false
	}
	return first == "localhost" || strings.ContainsAny(first, ".:") && rest != ""
}

// Pull resolves ref across the configured registry chain and ensures every
// layer and config blob it names is present in the blob store. A second pull
// for a digest-pinned ref that is already cached performs only a metadata
// check against the registry.
func (s *Store) Pull(ctx context.Context, ref string) (*types.Manifest, error) {
	log := logger().With("ref", ref)

	registries := s.registries
	if isFullyQualified(ref) {
		registries = []string{""}
	}

	var (
		img      v1.Image
		resolved name.Reference
		lastErr  error
	)
	platform := v1.Platform{Architecture: runtime.GOARCH, OS: "linux"}

	for _, registry := range registries {
		var opts []name.Option
		if registry != "" {
			opts = append(opts, name.WithDefaultRegistry(registry))
		}
		parsed, err := name.ParseReference(ref, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		candidate, err := remote.Image(parsed,
			remote.WithAuthFromKeychain(authn.DefaultKeychain),
			remote.WithContext(ctx),
			remote.WithPlatform(platform),
		)
		if err != nil {
			log.DebugContext(ctx, "registry refused image", "registry", registry, "error", err)
			lastErr = err
			continue
		}
		img, resolved = candidate, parsed
		break
	}
	if img == nil {
		return nil, fmt.Errorf("all registries refused %q: %w", ref, lastErr)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("imagestore: read manifest digest: %w", err)
	}
	digestStr := "sha256:" + digest.Hex

	cached, err := s.cachedManifest(ctx, resolved.String())
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.Digest == digestStr && s.allLayersPresent(cached) {
		log.InfoContext(ctx, "already up to date", "digest", digestStr)
		return cached, nil
	}

	configName, err := img.ConfigName()
	if err != nil {
		return nil, fmt.Errorf("imagestore: read config digest: %w", err)
	}
	configDigest := "sha256:" + configName.Hex

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("imagestore: read layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("imagestore: image %q has no layers", ref)
	}

	layerDigests := make([]string, len(layers))
	sizeTotal := int64(0)

	sem := semaphore.NewWeighted(maxConcurrentBlobFetches)
	g, gctx := errgroup.WithContext(ctx)
	for i, layer := range layers {
		i, layer := i, layer
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			layerDigest, err := layer.Digest()
			if err != nil {
				return fmt.Errorf("layer %d digest: %w", i, err)
			}
			d := "sha256:" + layerDigest.Hex
			layerDigests[i] = d

			if s.blobs.Has(d) {
				return nil
			}

			size, err := layer.Size()
			if err != nil {
				return fmt.Errorf("layer %d size: %w", i, err)
			}
			rc, err := layer.Compressed()
			if err != nil {
				return fmt.Errorf("layer %d open: %w", i, err)
			}
			defer rc.Close()

			if err := s.blobs.Put(gctx, d, rc); err != nil {
				return fmt.Errorf("layer %d put: %w", i, err)
			}
			_ = size
			return nil
		})
	}

	g.Go(func() error {
		if s.blobs.Has(configDigest) {
			return nil
		}
		rc, err := img.RawConfigFile()
		if err != nil {
			return fmt.Errorf("config blob: %w", err)
		}
		return s.blobs.Put(gctx, configDigest, &byteReader{b: rc})
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("imagestore: pull %q: %w", ref, err)
	}

	manifestBytes, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("imagestore: read manifest: %w", err)
	}
	for _, l := range manifestBytes.Layers {
		sizeTotal += l.Size
	}

	m := &types.Manifest{
		Ref:          resolved.String(),
		Digest:       digestStr,
		ConfigDigest: configDigest,
		LayerDigests: layerDigests,
		Size:         sizeTotal,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.saveManifest(ctx, m); err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "pulled", "digest", digestStr, "layers", len(layers))
	return m, nil
}

func (s *Store) allLayersPresent(m *types.Manifest) bool {
	if !s.blobs.Has(m.ConfigDigest) {
		return false
	}
	for _, d := range m.LayerDigests {
		if !s.blobs.Has(d) {
			return false
		}
	}
	return true
}

// byteReader adapts a []byte to io.Reader without pulling in bytes.Reader at
// every call site that only has a config blob's raw bytes.
type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}
