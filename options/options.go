// Package options defines flag-tagged structs for the arguments passed to
// the external hypervisor launcher process, and the reflection-based
// encoder (ToArgs) that turns them into a CLI argument slice.
package options

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// ResourceOptions are the resource-allocation flags common to every VM
// supervisor invocation that spawns a hypervisor process.
type ResourceOptions struct {
	// CPUs is the number of vCPUs to allocate to the box.
	CPUs int `flag:"--cpus"`
	// MemoryMiB is the guest memory size in MiB.
	MemoryMiB int `flag:"--memory-mib"`
	// DiskGiB is the optional scratch disk size in GiB.
	DiskGiB int `flag:"--disk-gib"`
}

// BootOptions carry the kernel command line and boot image paths passed to
// the hypervisor launcher when it boots a box's guest.
type BootOptions struct {
	// Kernel is the path to the kernel image.
	Kernel string `flag:"--kernel"`
	// Initrd is the path to the initrd/initramfs image.
	Initrd string `flag:"--initrd"`
	// Rootfs is the path to the assembled rootfs directory or image.
	Rootfs string `flag:"--rootfs"`
	// AgentToken is the token the guest is launched with; the box runtime
	// sets it to the box's identity public key, which is generated once per
	// box and reused on later starts.
	AgentToken string `flag:"--agent-token"`
	// AgentSocket is the host-side path of the virtio pipe backing the
	// guest agent transport.
	AgentSocket string `flag:"--agent-socket"`
	// KernelArgs appends extra kernel command line arguments.
	KernelArgs []string `flag:"--append"`
}

// SecurityOptions are the flags the VM supervisor derives from a
// SecurityPolicy build and forwards to the hypervisor launcher.
type SecurityOptions struct {
	// UID is the uid the guest init process should run as.
	UID string `flag:"--uid"`
	// GID is the gid the guest init process should run as.
	GID string `flag:"--gid"`
	// Namespaces lists the linux namespaces to unshare (user, mount, pid, ...).
	Namespaces []string `flag:"--namespace"`
	// Chroot sets a chroot base inside the guest, if the preset requires one.
	Chroot string `flag:"--chroot"`
	// FDAllowlist restricts which host fds are passed through, by name.
	FDAllowlist []string `flag:"--fd-allow"`
	// EnvAllowlist restricts which host env vars propagate into the guest.
	EnvAllowlist []string `flag:"--env-allow"`
	// Sandbox names the platform sandbox profile to apply (seccomp filter
	// name, Seatbelt profile name, etc., depending on platform).
	Sandbox string `flag:"--sandbox"`
	// Rlimits sets resource limits, formatted as name=soft:hard.
	Rlimits []string `flag:"--rlimit"`
}

// LaunchOptions is the full set of flags passed to the external hypervisor
// launcher binary for one VM supervisor boot.
type LaunchOptions struct {
	ResourceOptions
	BootOptions
	SecurityOptions
	// Debug enables verbose hypervisor launcher logging.
	Debug bool `flag:"--debug"`
}

// StopOptions are the flags passed when asking the hypervisor launcher to
// tear down a running VM.
type StopOptions struct {
	// Signal is the signal to send if graceful shutdown doesn't complete
	// in time (default: SIGTERM, escalating to SIGKILL is handled by the
	// caller, not by this flag).
	Signal string `flag:"--signal"`
	// TimeoutSeconds bounds how long to wait for graceful shutdown.
	TimeoutSeconds int `flag:"--timeout"`
}

// ToArgs flattens a flag-tagged struct (or pointer to one) into a CLI
// argument slice suitable for exec.Command. Anonymous embedded structs are
// flattened recursively. Zero-valued fields are omitted unless their flag
// tag carries the "keepzero" modifier.
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)
	if st.Kind() == reflect.Pointer {
		sv = reflect.Indirect(sv)
		st = sv.Type()
	}
	for i := range st.NumField() {
		field := st.Field(i)
		fv := sv.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			fvi := fv.Interface()
			ret = append(ret, ToArgs(&fvi)...)
			continue
		}
		flagTag, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		flagParts := strings.Split(flagTag, ",")
		flagName := flagParts[0]
		keepZero := false
		if len(flagParts) > 1 && strings.ToLower(flagParts[1]) == "keepzero" {
			keepZero = true
		}
		v := reflect.ValueOf(fv.Interface())

		if !keepZero && v.IsZero() {
			continue
		}
		if ret == nil {
			ret = []string{}
		}
		flagValue := ""
		fieldKind := field.Type.Kind()
		if fieldKind == reflect.Array || fieldKind == reflect.Slice {
			for i := 0; i < fv.Len(); i++ {
				av := fv.Index(i)
				ret = append(ret, flagName)
				ret = append(ret, fmt.Sprintf("%v", av))
			}
			continue
		} else if fieldKind == reflect.Map {
			mapVals := []string{}
			m := v.Interface().(map[string]string)
			keyIter := maps.Keys(m)
			keys := slices.Sorted(keyIter)
			for _, k := range keys {
				v := m[k]
				mapVals = append(mapVals, fmt.Sprintf("%v=%v", k, v))
			}
			flagValue = strings.Join(mapVals, ",")
		} else if fieldKind != reflect.Bool {
			flagValue = fmt.Sprintf("%v", fv.Interface())
		}
		ret = append(ret, flagName)
		if flagValue != "" {
			ret = append(ret, flagValue)
		}
	}
	return ret
}
