package boxlite

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/boxlite/boxlite/types"
)

// CopyIn streams hostPath (a file or, if CopyOptions.Recursive, a directory
// tree) into the box at guestPath, as a single tar archive framed by
// copy_open/copy_close control messages on a freshly allocated channel.
func (b *Box) CopyIn(ctx context.Context, hostPath, guestPath string, opts CopyOptions) error {
	b.mu.Lock()
	transport := b.transport
	b.mu.Unlock()
	if transport == nil {
		return NewError(KindInvalidState, "box %s is not running", b.id)
	}

	b.copyLock.Lock()
	defer b.copyLock.Unlock()

	info, err := os.Lstat(hostPath)
	if err != nil {
		return Wrap(KindNotFound, err, "stat copy source %s", hostPath)
	}
	if info.IsDir() && !opts.Recursive {
		return NewError(KindConfigError, "copy source %s is a directory; Recursive must be set", hostPath)
	}

	channel := b.nextChannel()
	ch := transport.OpenChannel(channel)
	defer ch.Close()

	done := make(chan types.CopyCloseMsg, 1)
	transport.OnControl(types.ControlCopyClose, func(payload json.RawMessage) {
		var msg types.CopyCloseMsg
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Channel != channel {
			return
		}
		select {
		case done <- msg:
		default:
		}
	})

	if err := transport.SendControl(types.ControlCopyOpen, types.CopyOpenMsg{
		Channel:   channel,
		Direction: "in",
		Path:      guestPath,
		Mode:      uint32(info.Mode().Perm()),
		IsDir:     info.IsDir(),
	}); err != nil {
		return Wrap(KindTransport, err, "send copy_open")
	}

	tw := tar.NewWriter(chanWriter{ch: ch})
	if err := writeTarTree(tw, hostPath, info, opts); err != nil {
		tw.Close()
		ch.CloseWrite()
		return Wrap(KindInternal, err, "stream copy_in tar")
	}
	if err := tw.Close(); err != nil {
		ch.CloseWrite()
		return Wrap(KindInternal, err, "finalize copy_in tar")
	}
	if err := ch.CloseWrite(); err != nil {
		return Wrap(KindTransport, err, "close copy_in channel")
	}

	select {
	case msg := <-done:
		if msg.Error != "" {
			return NewError(KindInternal, "guest copy_in failed: %s", msg.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CopyOut requests guestPath be streamed back from the box as a tar archive
// and applies it under hostPath. Of the CopyOptions only Overwrite is
// applied: the copy_open request carries no options, so Recursive,
// FollowSymlinks and IncludeParent do not change what the guest sends, and
// symlink entries in the stream are recreated as symlinks.
func (b *Box) CopyOut(ctx context.Context, guestPath, hostPath string, opts CopyOptions) error {
	b.mu.Lock()
	transport := b.transport
	b.mu.Unlock()
	if transport == nil {
		return NewError(KindInvalidState, "box %s is not running", b.id)
	}

	b.copyLock.Lock()
	defer b.copyLock.Unlock()

	channel := b.nextChannel()
	ch := transport.OpenChannel(channel)
	defer ch.Close()

	closeErr := make(chan types.CopyCloseMsg, 1)
	transport.OnControl(types.ControlCopyClose, func(payload json.RawMessage) {
		var msg types.CopyCloseMsg
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Channel != channel {
			return
		}
		select {
		case closeErr <- msg:
		default:
		}
	})

	if err := transport.SendControl(types.ControlCopyOpen, types.CopyOpenMsg{
		Channel:   channel,
		Direction: "out",
		Path:      guestPath,
	}); err != nil {
		return Wrap(KindTransport, err, "send copy_open")
	}

	applyDone := make(chan error, 1)
	go func() {
		applyDone <- applyTarStream(&chanReader{ctx: ctx, ch: ch}, hostPath, opts)
	}()

	select {
	case err := <-applyDone:
		if err != nil && err != io.EOF {
			return Wrap(KindInternal, err, "apply copy_out tar")
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case msg := <-closeErr:
		if msg.Error != "" {
			return NewError(KindInternal, "guest copy_out failed: %s", msg.Error)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// writeTarTree writes root (and, if it's a directory, every descendant) into
// tw. Per the adopted copy semantics: a file source's single entry is named
// by its own base name (never a parent directory); a directory source's
// entries are rooted at "" unless opts.IncludeParent, in which case its own
// base name prefixes every entry.
func writeTarTree(tw *tar.Writer, root string, rootInfo os.FileInfo, opts CopyOptions) error {
	base := filepath.Base(root)

	if !rootInfo.IsDir() {
		return writeTarEntry(tw, root, base, rootInfo, opts)
	}

	prefix := ""
	if opts.IncludeParent {
		prefix = base
		if err := writeTarEntry(tw, root, prefix, rootInfo, opts); err != nil {
			return err
		}
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.Join(prefix, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		return writeTarEntry(tw, path, name, info, opts)
	})
}

func writeTarEntry(tw *tar.Writer, path, name string, info os.FileInfo, opts CopyOptions) error {
	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if opts.FollowSymlinks {
			targetInfo, err := os.Stat(path)
			if err != nil {
				return err
			}
			info = targetInfo
		} else {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			link = target
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}
	return nil
}

// applyTarStream reads a tar archive from r and extracts it under destDir,
// refusing to overwrite existing entries unless opts.Overwrite. Unlike
// image layer application, there is no whiteout handling here: copy_out
// streams are a plain tree snapshot, not an OCI layer diff.
func applyTarStream(r io.Reader, destDir string, opts CopyOptions) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("boxlite: read copy_out tar entry: %w", err)
		}

		name := strings.TrimSuffix(filepath.Clean(hdr.Name), "/")
		if name == "." {
			continue
		}
		dest := filepath.Join(destDir, name)

		if !opts.Overwrite {
			if _, err := os.Lstat(dest); err == nil {
				return fmt.Errorf("boxlite: refusing to overwrite existing %s (Overwrite not set)", dest)
			}
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
		return f.Close()
	default:
		return nil
	}
}

// chanWriter adapts an agent.Channel to io.Writer for tar.Writer's benefit.
type chanWriter struct{ ch channelWriter }

type channelWriter interface {
	Write(p []byte) error
}

func (w chanWriter) Write(p []byte) (int, error) {
	if err := w.ch.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// chanReader adapts an agent.Channel to io.Reader for tar.Reader's benefit.
type chanReader struct {
	ctx context.Context
	ch  channelReader
	buf []byte
}

type channelReader interface {
	Read(ctx context.Context) ([]byte, error)
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		b, err := r.ch.Read(r.ctx)
		if err != nil {
			return 0, err
		}
		r.buf = b
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
