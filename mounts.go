package boxlite

// MountSpec describes a bind mount attached to a box's launch spec.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CopyOptions controls copy_in/copy_out semantics.
type CopyOptions struct {
	Recursive      bool
	Overwrite      bool
	FollowSymlinks bool

	// IncludeParent controls whether a directory source's own name is
	// reproduced under the destination. Per the adopted resolution: a file
	// source never reproduces a parent directory regardless of this flag; a
	// directory source reproduces its own name under dest iff true. CopyIn
	// applies this; CopyOut does not.
	IncludeParent bool
}
