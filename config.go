package boxlite

import (
	"fmt"
	"path/filepath"

	"github.com/boxlite/boxlite/options"
)

// RuntimeConfig is constructed once per process (or owning runtime) and is
// immutable afterward.
type RuntimeConfig struct {
	// HomeDir is the runtime's on-disk root: images, boxes, logs, and the
	// process lock all live under it.
	HomeDir string `yaml:"home_dir"`

	// Registries is the ordered list of OCI registries tried for a ref that
	// does not already name one explicitly.
	Registries []string `yaml:"registries"`

	// HypervisorLauncher is the path to the external hypervisor launcher
	// binary the VM supervisor spawns.
	HypervisorLauncher string `yaml:"hypervisor_launcher"`

	// DefaultResources seeds a box's resource envelope when Options doesn't
	// override it.
	DefaultResources options.ResourceOptions `yaml:"default_resources"`

	// Platform names the target hypervisor backend: "linux-kvm" is the only
	// platform honored in this build. Unknown platforms fail ConfigError at
	// construction rather than guessing at a security surface.
	Platform string `yaml:"platform"`

	// TraceCollectorEndpoint is the OTLP/gRPC endpoint phase-timing spans
	// export to. Empty disables export; spans are still created, just not
	// shipped anywhere. Box.Timings does not read spans: phase durations are
	// recorded on the Box directly.
	TraceCollectorEndpoint string `yaml:"trace_collector_endpoint"`
}

// Validated platform identifiers. Per the design note on platform variance,
// an implementation must pick explicit per-platform defaults and reject
// anything else rather than silently falling back.
const PlatformLinuxKVM = "linux-kvm"

// Validate checks RuntimeConfig invariants and fills in defaults.
func (c *RuntimeConfig) Validate() error {
	if c.HomeDir == "" {
		return NewError(KindConfigError, "home_dir is required")
	}
	if !filepath.IsAbs(c.HomeDir) {
		return NewError(KindConfigError, "home_dir must be an absolute path, got %q", c.HomeDir)
	}
	if c.Platform == "" {
		c.Platform = PlatformLinuxKVM
	}
	if c.Platform != PlatformLinuxKVM {
		return NewError(KindConfigError, "unsupported platform %q", c.Platform)
	}
	if c.HypervisorLauncher == "" {
		return NewError(KindConfigError, "hypervisor_launcher is required")
	}
	if c.DefaultResources.CPUs <= 0 {
		c.DefaultResources.CPUs = 1
	}
	if c.DefaultResources.MemoryMiB <= 0 {
		c.DefaultResources.MemoryMiB = 512
	}
	if len(c.Registries) == 0 {
		c.Registries = []string{"docker.io"}
	}
	return nil
}

func (c *RuntimeConfig) imagesDB() string {
	return filepath.Join(c.HomeDir, "images", "manifests.db")
}

func (c *RuntimeConfig) blobsRoot() string {
	return filepath.Join(c.HomeDir, "images", "blobs")
}

func (c *RuntimeConfig) boxDir(id string) string {
	return filepath.Join(c.HomeDir, "boxes", id)
}

func (c *RuntimeConfig) logsDir() string {
	return filepath.Join(c.HomeDir, "logs")
}

func (c *RuntimeConfig) lockFile() string {
	return filepath.Join(c.HomeDir, "lock")
}

func (c *RuntimeConfig) String() string {
	return fmt.Sprintf("RuntimeConfig{HomeDir: %s, Platform: %s, Registries: %v}", c.HomeDir, c.Platform, c.Registries)
}
