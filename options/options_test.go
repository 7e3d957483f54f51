package options

import (
	"reflect"
	"testing"
)

func TestToArgs(t *testing.T) {
	tests := map[string]struct {
		s        any
		expected []string
	}{
		"empty": {
			s:        &ResourceOptions{},
			expected: nil,
		},
		"resources": {
			s: &ResourceOptions{CPUs: 2, MemoryMiB: 512},
			expected: []string{
				"--cpus", "2",
				"--memory-mib", "512",
			},
		},
		"boot with kernel args": {
			s: &BootOptions{
				Kernel:     "/boot/vmlinuz",
				KernelArgs: []string{"console=ttyS0", "panic=1"},
			},
			expected: []string{
				"--kernel", "/boot/vmlinuz",
				"--append", "console=ttyS0",
				"--append", "panic=1",
			},
		},
		"security namespaces": {
			s: &SecurityOptions{
				Namespaces: []string{"user", "mount", "pid"},
				Chroot:     "/chroot",
			},
			expected: []string{
				"--namespace", "user",
				"--namespace", "mount",
				"--namespace", "pid",
				"--chroot", "/chroot",
			},
		},
		"launch options flattens embedded structs": {
			s: &LaunchOptions{
				ResourceOptions: ResourceOptions{CPUs: 1},
				BootOptions:     BootOptions{Kernel: "/boot/vmlinuz"},
				Debug:           true,
			},
			expected: []string{
				"--cpus", "1",
				"--kernel", "/boot/vmlinuz",
				"--debug",
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var got []string
			switch s := tc.s.(type) {
			case *ResourceOptions:
				got = ToArgs(s)
			case *BootOptions:
				got = ToArgs(s)
			case *SecurityOptions:
				got = ToArgs(s)
			case *LaunchOptions:
				got = ToArgs(s)
			default:
				t.Fatalf("unhandled type %T", tc.s)
			}
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("got %v, want %v", got, tc.expected)
			}
		})
	}
}
