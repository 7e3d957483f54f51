// Package security builds a per-box isolation policy into a concrete launch
// specification: which namespaces a VM gets, whether it drops privileges,
// which file descriptors and environment variables survive into the guest,
// and which host sandbox profile wraps the hypervisor process.
package security

import (
	"fmt"

	"github.com/boxlite/boxlite/options"
)

// Preset names a named bundle of security defaults.
type Preset string

const (
	PresetDevelopment Preset = "development"
	PresetStandard    Preset = "standard"
	PresetMaximum     Preset = "maximum"
)

// Policy is the immutable, per-box security configuration: a preset plus
// explicit-wins overrides.
type Policy struct {
	Preset Preset

	UID, GID             string
	ChrootBase           string
	FDAllowlist          []string
	EnvAllowlist         []string
	NamespacesOverride   []string
	NamespacesOverrideSet bool
	Rlimits              []string
	SandboxProfile       string
}

// presetDefaults is the Preset → defaults table from the component design.
type presetDefaults struct {
	namespaces     []string
	dropPrivileges bool
	fdSweep        string // "minimal" | "close-non-stdio" | "strict-allowlist"
	sandbox        string
}

var presetTable = map[Preset]presetDefaults{
	PresetDevelopment: {
		namespaces:     nil,
		dropPrivileges: false,
		fdSweep:        "minimal",
		sandbox:        "permissive",
	},
	PresetStandard: {
		namespaces:     []string{"user", "mount", "pid"},
		dropPrivileges: true,
		fdSweep:        "close-non-stdio",
		sandbox:        "platform-default",
	},
	PresetMaximum: {
		namespaces:     []string{"user", "mount", "pid", "net", "ipc", "uts"},
		dropPrivileges: true,
		fdSweep:        "strict-allowlist",
		sandbox:        "strictest",
	},
}

// BoxIdentity carries the bundle-derived values the profiler needs but does
// not itself decide: the uid/gid baked into the pulled image, when the
// policy asks for "uid/gid from bundle" rather than an explicit override.
type BoxIdentity struct {
	BundleUID string
	BundleGID string
}

// Build constructs a LaunchSpec's SecurityOptions from policy, resolving
// preset defaults, then merging in explicit overrides. Invalid combinations
// fail here, at build time, never silently at launch.
func Build(policy Policy, identity BoxIdentity) (*options.SecurityOptions, error) {
	defaults, ok := presetTable[policy.Preset]
	if !ok {
		return nil, fmt.Errorf("security: unknown preset %q", policy.Preset)
	}

	namespaces := defaults.namespaces
	if policy.NamespacesOverrideSet {
		namespaces = policy.NamespacesOverride
	}

	uid, gid := policy.UID, policy.GID
	if defaults.dropPrivileges && uid == "" && gid == "" {
		uid, gid = identity.BundleUID, identity.BundleGID
	}

	chroot := policy.ChrootBase
	if chroot != "" && !hasNamespace(namespaces, "mount") {
		return nil, fmt.Errorf("security: chroot %q requires the mount namespace: %w", chroot, errConfigError)
	}

	fdAllow := policy.FDAllowlist
	if defaults.fdSweep == "strict-allowlist" && len(fdAllow) == 0 {
		return nil, fmt.Errorf("security: maximum preset requires a non-empty FD allow-list: %w", errConfigError)
	}

	sandbox := defaults.sandbox
	if policy.SandboxProfile != "" {
		sandbox = policy.SandboxProfile
	}

	return &options.SecurityOptions{
		UID:          uid,
		GID:          gid,
		Namespaces:   namespaces,
		Chroot:       chroot,
		FDAllowlist:  fdAllow,
		EnvAllowlist: policy.EnvAllowlist,
		Sandbox:      sandbox,
		Rlimits:      policy.Rlimits,
	}, nil
}

func hasNamespace(namespaces []string, want string) bool {
	for _, n := range namespaces {
		if n == want {
			return true
		}
	}
	return false
}

// errConfigError is a sentinel the caller can wrap into a boxlite.Error with
// KindConfigError; this package stays free of a dependency on the root
// package so it can be imported from cmd/ for offline policy validation.
var errConfigError = fmt.Errorf("invalid security policy configuration")

// ErrConfigError is the sentinel returned (wrapped) by Build on a rejected
// policy combination.
var ErrConfigError = errConfigError
