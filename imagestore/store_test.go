package imagestore

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boxlite/boxlite/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "images.db"), filepath.Join(dir, "blobs"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestManifestCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &types.Manifest{
		Ref:          "docker.io/library/alpine:3.19",
		Digest:       "sha256:aaaa",
		ConfigDigest: "sha256:bbbb",
		LayerDigests: []string{"sha256:cccc", "sha256:dddd"},
		Size:         1024,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.saveManifest(ctx, m); err != nil {
		t.Fatalf("saveManifest: %v", err)
	}

	got, err := s.cachedManifest(ctx, m.Ref)
	if err != nil {
		t.Fatalf("cachedManifest: %v", err)
	}
	if got == nil {
		t.Fatalf("cachedManifest returned nil")
	}
	if got.Digest != m.Digest || got.ConfigDigest != m.ConfigDigest {
		t.Fatalf("got %+v, want %+v", got, m)
	}
	if len(got.LayerDigests) != 2 {
		t.Fatalf("got %d layer digests, want 2", len(got.LayerDigests))
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Ref != m.Ref {
		t.Fatalf("List returned %+v", list)
	}
}

func TestManifestCacheUpsertReplacesDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref := "docker.io/library/alpine:latest"
	first := &types.Manifest{Ref: ref, Digest: "sha256:old", ConfigDigest: "sha256:cfg", LayerDigests: []string{"sha256:l1"}, CreatedAt: time.Now().UTC()}
	if err := s.saveManifest(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := &types.Manifest{Ref: ref, Digest: "sha256:new", ConfigDigest: "sha256:cfg2", LayerDigests: []string{"sha256:l2"}, CreatedAt: time.Now().UTC()}
	if err := s.saveManifest(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := s.cachedManifest(ctx, ref)
	if err != nil {
		t.Fatalf("cachedManifest: %v", err)
	}
	if got.Digest != "sha256:new" {
		t.Fatalf("got digest %s, want sha256:new", got.Digest)
	}
}

// buildTarLayer writes a single-layer tar archive with the given entries and
// commits it to the blob store, returning its digest.
func buildTarLayer(t *testing.T, s *Store, files map[string]string, whiteouts []string) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for _, wh := range whiteouts {
		dir, base := filepath.Split(wh)
		hdr := &tar.Header{Name: filepath.Join(dir, ".wh."+base), Mode: 0o644, Size: 0}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader whiteout: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	digest := "sha256:" + hex.EncodeToString(sum[:])
	if err := s.blobs.Put(context.Background(), digest, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Put layer: %v", err)
	}
	return digest
}

func TestMaterializeAppliesLayersAndWhiteouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := buildTarLayer(t, s, map[string]string{
		"etc/hostname": "base\n",
		"var/log/a.log": "a\n",
	}, nil)
	top := buildTarLayer(t, s, map[string]string{
		"etc/hostname": "overridden\n",
	}, []string{"var/log/a.log"})

	configDigest := buildTarLayer(t, s, map[string]string{"config.json": "{}"}, nil)

	m := &types.Manifest{
		Ref:          "test/image:latest",
		Digest:       "sha256:manifestdigest",
		ConfigDigest: configDigest,
		LayerDigests: []string{base, top},
		Size:         42,
		CreatedAt:    time.Now().UTC(),
	}

	targetDir := filepath.Join(t.TempDir(), "bundle")
	if err := s.Materialize(ctx, m, targetDir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	hostnamePath := filepath.Join(targetDir, "rootfs", "etc", "hostname")
	got, err := os.ReadFile(hostnamePath)
	if err != nil {
		t.Fatalf("ReadFile hostname: %v", err)
	}
	if string(got) != "overridden\n" {
		t.Fatalf("got hostname %q, want %q", got, "overridden\n")
	}

	if _, err := os.Stat(filepath.Join(targetDir, "rootfs", "var", "log", "a.log")); !os.IsNotExist(err) {
		t.Fatalf("expected a.log removed by whiteout, stat err = %v", err)
	}

	for _, f := range []string{"oci-layout", "index.json"} {
		if _, err := os.Stat(filepath.Join(targetDir, f)); err != nil {
			t.Fatalf("missing bundle file %s: %v", f, err)
		}
	}
}

func TestIsFullyQualified(t *testing.T) {
	cases := map[string]bool{
		"alpine":                         false,
		"library/alpine":                 false,
		"docker.io/library/alpine":       true,
		"ghcr.io/org/repo:tag":           true,
		"localhost:5000/repo":            true,
	}
	for ref, want := range cases {
		if got := isFullyQualified(ref); got != want {
			t.Errorf("isFullyQualified(%q) = %v, want %v", ref, got, want)
		}
	}
}
