package main

import (
	"fmt"

	boxlite "github.com/boxlite/boxlite"
	"github.com/boxlite/boxlite/options"
	"github.com/boxlite/boxlite/security"
)

type NewCmd struct {
	Name       string `arg:"" optional:"" help:"display name for the box; a name is generated if unset"`
	Image      string `short:"i" placeholder:"<ref>" help:"OCI image reference to boot, e.g. docker.io/library/alpine:3.19"`
	Rootfs     string `placeholder:"<dir>" help:"pre-materialized rootfs directory, as an alternative to --image"`
	CPUs       int    `default:"1" help:"vCPUs to allocate"`
	MemoryMiB  int    `default:"512" help:"guest memory, in MiB"`
	Policy     string `default:"standard" placeholder:"<development|standard|maximum>" help:"security preset"`
	AutoRemove bool   `help:"remove the box once it stops"`
	Start      bool   `default:"true" negatable:"" help:"start the box immediately after creating it"`
}

func (c *NewCmd) Run(cctx *Context) error {
	rootfs := boxlite.RootfsSource{Image: c.Image, Path: c.Rootfs}

	box, err := cctx.reg.Create(cctx, boxlite.CreateOptions{
		Name:   c.Name,
		Rootfs: rootfs,
		Resources: options.ResourceOptions{
			CPUs:      c.CPUs,
			MemoryMiB: c.MemoryMiB,
		},
		Policy:     security.Policy{Preset: security.Preset(c.Policy)},
		AutoRemove: c.AutoRemove,
	})
	if err != nil {
		return err
	}

	if c.Start {
		if err := box.Start(cctx); err != nil {
			return err
		}
	}

	fmt.Printf("%s\t%s\n", box.ID(), box.Name())
	return nil
}
