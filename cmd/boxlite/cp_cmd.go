package main

import (
	"strings"

	boxlite "github.com/boxlite/boxlite"
)

// CpCmd copies a file or directory into or out of a box, identified by a
// <box>:<path> argument on either side (exactly one side must carry it),
// mirroring the host:guest addressing docker cp uses.
type CpCmd struct {
	Recursive      bool `short:"r" help:"copy directories recursively"`
	Overwrite      bool `help:"overwrite existing files at the destination"`
	FollowSymlinks bool `help:"when copying into a box, follow symlinks in the source instead of copying the link itself"`
	IncludeParent  bool `help:"when copying a directory into a box, also reproduce its own name under the destination"`

	Src string `arg:"" placeholder:"<box:path>|<path>" help:"copy source"`
	Dst string `arg:"" placeholder:"<box:path>|<path>" help:"copy destination"`
}

func (c *CpCmd) Run(cctx *Context) error {
	opts := boxlite.CopyOptions{
		Recursive:      c.Recursive,
		Overwrite:      c.Overwrite,
		FollowSymlinks: c.FollowSymlinks,
		IncludeParent:  c.IncludeParent,
	}

	srcBox, srcPath, srcIsBox := splitBoxPath(c.Src)
	dstBox, dstPath, dstIsBox := splitBoxPath(c.Dst)

	switch {
	case srcIsBox && !dstIsBox:
		box, err := cctx.reg.Get(srcBox)
		if err != nil {
			return err
		}
		return box.CopyOut(cctx, srcPath, dstPath, opts)
	case !srcIsBox && dstIsBox:
		box, err := cctx.reg.Get(dstBox)
		if err != nil {
			return err
		}
		return box.CopyIn(cctx, srcPath, dstPath, opts)
	default:
		return boxlite.NewError(boxlite.KindConfigError, "exactly one of src or dst must be a box:path")
	}
}

// splitBoxPath splits "box:path" into (box, path, true), or returns
// (_, raw, false) if raw carries no box prefix.
func splitBoxPath(raw string) (box, path string, isBoxPath bool) {
	idx := strings.Index(raw, ":")
	if idx < 0 {
		return "", raw, false
	}
	return raw[:idx], raw[idx+1:], true
}
