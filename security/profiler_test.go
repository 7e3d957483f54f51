package security

import (
	"errors"
	"reflect"
	"testing"
)

func TestBuildDevelopmentPreset(t *testing.T) {
	spec, err := Build(Policy{Preset: PresetDevelopment}, BoxIdentity{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.Namespaces != nil {
		t.Fatalf("got namespaces %v, want none", spec.Namespaces)
	}
	if spec.Sandbox != "permissive" {
		t.Fatalf("got sandbox %q, want permissive", spec.Sandbox)
	}
}

func TestBuildStandardPresetUsesBundleIdentity(t *testing.T) {
	spec, err := Build(Policy{Preset: PresetStandard}, BoxIdentity{BundleUID: "1000", BundleGID: "1000"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.UID != "1000" || spec.GID != "1000" {
		t.Fatalf("got uid/gid %s/%s, want bundle-derived 1000/1000", spec.UID, spec.GID)
	}
	want := []string{"user", "mount", "pid"}
	if !reflect.DeepEqual(spec.Namespaces, want) {
		t.Fatalf("got namespaces %v, want %v", spec.Namespaces, want)
	}
}

func TestBuildExplicitOverrideWins(t *testing.T) {
	spec, err := Build(Policy{
		Preset: PresetStandard,
		UID:    "5", GID: "5",
		NamespacesOverride:    []string{"mount"},
		NamespacesOverrideSet: true,
	}, BoxIdentity{BundleUID: "1000", BundleGID: "1000"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.UID != "5" || spec.GID != "5" {
		t.Fatalf("explicit uid/gid override was not honored: got %s/%s", spec.UID, spec.GID)
	}
	if !reflect.DeepEqual(spec.Namespaces, []string{"mount"}) {
		t.Fatalf("explicit namespace override was not honored: got %v", spec.Namespaces)
	}
}

func TestBuildMaximumPresetRequiresFDAllowlist(t *testing.T) {
	_, err := Build(Policy{Preset: PresetMaximum}, BoxIdentity{})
	if !errors.Is(err, ErrConfigError) {
		t.Fatalf("got %v, want ErrConfigError", err)
	}

	spec, err := Build(Policy{Preset: PresetMaximum, FDAllowlist: []string{"0", "1", "2"}}, BoxIdentity{})
	if err != nil {
		t.Fatalf("Build with allowlist: %v", err)
	}
	if len(spec.FDAllowlist) != 3 {
		t.Fatalf("got FDAllowlist %v", spec.FDAllowlist)
	}
}

func TestBuildChrootWithoutMountNamespaceFails(t *testing.T) {
	_, err := Build(Policy{
		Preset:                PresetDevelopment,
		ChrootBase:            "/var/boxlite/chroot",
		NamespacesOverride:    nil,
		NamespacesOverrideSet: true,
	}, BoxIdentity{})
	if !errors.Is(err, ErrConfigError) {
		t.Fatalf("got %v, want ErrConfigError", err)
	}
}

func TestBuildChrootWithMountNamespaceSucceeds(t *testing.T) {
	spec, err := Build(Policy{
		Preset:                PresetDevelopment,
		ChrootBase:            "/var/boxlite/chroot",
		NamespacesOverride:    []string{"mount"},
		NamespacesOverrideSet: true,
	}, BoxIdentity{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.Chroot != "/var/boxlite/chroot" {
		t.Fatalf("got chroot %q", spec.Chroot)
	}
}

func TestBuildUnknownPresetFails(t *testing.T) {
	if _, err := Build(Policy{Preset: "nonsense"}, BoxIdentity{}); err == nil {
		t.Fatalf("expected error for unknown preset")
	}
}
