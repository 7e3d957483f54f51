package main

import (
	"context"
	"io"
	"os"

	"github.com/boxlite/boxlite/types"
)

type ExecCmd struct {
	ID      string            `arg:"" help:"ID or name of the box to exec in"`
	Env     map[string]string `help:"environment variables to set, as key=value"`
	Cwd     string            `help:"working directory inside the guest"`
	Timeout int64             `placeholder:"<ms>" help:"timeout in milliseconds; 0 disables it"`
	TTY     bool              `help:"allocate a pty for the command"`
	Arg     []string          `arg:"" passthrough:"" help:"command and args to run in the box"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	box, err := cctx.reg.Get(c.ID)
	if err != nil {
		return err
	}

	e, err := box.Exec(cctx, types.Cmd{
		Argv:      c.Arg,
		Env:       c.Env,
		Cwd:       c.Cwd,
		TimeoutMS: c.Timeout,
		TTY:       c.TTY,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{}, 2)
	go pump(cctx, os.Stdout, e.NextStdout, done)
	go pump(cctx, os.Stderr, e.NextStderr, done)

	result, err := e.Wait(cctx)
	<-done
	<-done
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		os.Exit(int(result.ExitCode))
	}
	return nil
}

// pump copies one of an Exec's output streams to w chunk by chunk until it
// hits io.EOF or the context is cancelled.
func pump(ctx context.Context, w io.Writer, next func(context.Context) ([]byte, error), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		chunk, err := next(ctx)
		if len(chunk) > 0 {
			w.Write(chunk)
		}
		if err != nil {
			return
		}
	}
}
