package main

import (
	"fmt"
	"sync"

	"github.com/boxlite/boxlite/types"
)

type StopCmd struct {
	ID  []string `arg:"" optional:"" help:"ID(s) or name(s) of the box(es) to stop"`
	All bool     `short:"a" help:"stop every running box"`
}

func (c *StopCmd) Run(cctx *Context) error {
	ids := c.ID
	if c.All {
		ids = nil
		for _, info := range cctx.reg.ListInfo() {
			if info.State.Status == types.StatusRunning {
				ids = append(ids, info.ID)
			}
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			box, err := cctx.reg.Get(id)
			if err != nil {
				errs <- err
				return
			}
			if err := box.Stop(cctx); err != nil {
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
