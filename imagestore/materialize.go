package imagestore

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boxlite/boxlite/types"
)

const whiteoutPrefix = ".wh."
const opaqueWhiteout = ".wh..wh..opq"

// ociLayout is the minimal "oci-layout" file contents required by the spec.
type ociLayout struct {
	ImageLayoutVersion string `json:"imageLayoutVersion"`
}

// ociIndex is a minimal OCI index.json referencing the pulled manifest by
// digest, sufficient for a bundle a box's VM supervisor reads locally.
type ociIndex struct {
	SchemaVersion int             `json:"schemaVersion"`
	Manifests     []ociIndexEntry `json:"manifests"`
}

type ociIndexEntry struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Materialize assembles a bundle for m under targetDir: oci-layout,
// index.json, a blobs/sha256 tree of hard links into the shared blob store,
// and a rootfs/ directory with every layer applied in order, honoring OCI
// whiteouts. The whole assembly happens in a temp dir and is published with
// a single rename, so a reader of targetDir never observes a partial bundle.
func (s *Store) Materialize(ctx context.Context, m *types.Manifest, targetDir string) error {
	tmpDir, err := os.MkdirTemp(filepath.Dir(targetDir), ".materialize-*")
	if err != nil {
		return fmt.Errorf("imagestore: create staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	blobsDir := filepath.Join(tmpDir, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o750); err != nil {
		return fmt.Errorf("imagestore: create blobs dir: %w", err)
	}

	allDigests := append([]string{m.ConfigDigest}, m.LayerDigests...)
	for _, d := range allDigests {
		src, ok := s.blobs.Path(d)
		if !ok {
			return fmt.Errorf("imagestore: blob %s missing from store", d)
		}
		hex := strings.TrimPrefix(d, "sha256:")
		dst := filepath.Join(blobsDir, hex)
		if err := os.Link(src, dst); err != nil {
			if err := copyFileFallback(src, dst); err != nil {
				return fmt.Errorf("imagestore: link blob %s: %w", d, err)
			}
		}
	}

	layoutBytes, err := json.Marshal(ociLayout{ImageLayoutVersion: "1.0.0"})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "oci-layout"), layoutBytes, 0o644); err != nil {
		return fmt.Errorf("imagestore: write oci-layout: %w", err)
	}

	indexBytes, err := json.Marshal(ociIndex{
		SchemaVersion: 2,
		Manifests:     []ociIndexEntry{{MediaType: "application/vnd.oci.image.manifest.v1+json", Digest: m.Digest, Size: m.Size}},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "index.json"), indexBytes, 0o644); err != nil {
		return fmt.Errorf("imagestore: write index.json: %w", err)
	}

	rootfsDir := filepath.Join(tmpDir, "rootfs")
	if err := os.MkdirAll(rootfsDir, 0o755); err != nil {
		return fmt.Errorf("imagestore: create rootfs dir: %w", err)
	}
	for _, d := range m.LayerDigests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := applyLayer(s, d, rootfsDir); err != nil {
			return fmt.Errorf("imagestore: apply layer %s: %w", d, err)
		}
	}

	if err := os.RemoveAll(targetDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("imagestore: clear previous bundle: %w", err)
	}
	if err := os.Rename(tmpDir, targetDir); err != nil {
		return fmt.Errorf("imagestore: publish bundle: %w", err)
	}
	return nil
}

// applyLayer untars the blob at digest into rootfsDir, deleting entries named
// by whiteout markers and honoring the opaque-whiteout-clears-directory rule.
func applyLayer(s *Store, digest, rootfsDir string) error {
	rc, err := s.blobs.Get(digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		dir, base := filepath.Split(name)
		dest := filepath.Join(rootfsDir, name)

		if base == opaqueWhiteout {
			target := filepath.Join(rootfsDir, dir)
			entries, err := os.ReadDir(target)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("clear opaque dir %s: %w", target, err)
			}
			for _, e := range entries {
				os.RemoveAll(filepath.Join(target, e.Name()))
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			victim := filepath.Join(rootfsDir, dir, strings.TrimPrefix(base, whiteoutPrefix))
			os.RemoveAll(victim)
			continue
		}

		if err := applyTarEntry(hdr, tr, dest); err != nil {
			return err
		}
	}
}

func applyTarEntry(hdr *tar.Header, tr *tar.Reader, dest string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, os.FileMode(hdr.Mode&0o7777))
	case tar.TypeSymlink:
		os.Remove(dest)
		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeLink:
		os.Remove(dest)
		return os.Link(filepath.Join(filepath.Dir(dest), filepath.Base(hdr.Linkname)), dest)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode&0o7777))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		modTime := hdr.ModTime
		if modTime.IsZero() {
			modTime = time.Now()
		}
		return os.Chtimes(dest, modTime, modTime)
	default:
		return nil
	}
}

func copyFileFallback(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
