package main

import (
	"fmt"
	"os"
	"text/tabwriter"
)

type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	boxes := cctx.reg.ListInfo()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tIMAGE\tCPUS\tMEMORY\tAUTO-REMOVE\t")
	for _, info := range boxes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%dMiB\t%v\t\n",
			info.ID, info.Name, info.State.Status, info.Image, info.CPUs, info.MemoryMiB, info.AutoRemove)
	}
	return w.Flush()
}
