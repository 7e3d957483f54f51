package main

import (
	"fmt"
	"sync"
)

type RmCmd struct {
	ID    []string `arg:"" optional:"" help:"ID(s) or name(s) of the box(es) to remove"`
	All   bool     `short:"a" help:"remove every box"`
	Force bool     `short:"f" help:"stop a running box first instead of erroring"`
}

func (c *RmCmd) Run(cctx *Context) error {
	ids := c.ID
	if c.All {
		ids = nil
		for _, info := range cctx.reg.ListInfo() {
			ids = append(ids, info.ID)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := cctx.reg.Remove(cctx, id, c.Force); err != nil {
				errs <- err
				return
			}
			fmt.Println(id)
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}
