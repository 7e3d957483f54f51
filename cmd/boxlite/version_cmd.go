package main

import (
	"fmt"

	"github.com/boxlite/boxlite/version"
)

type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	v := version.Get()
	fmt.Printf("Git Repository: %s\n", v.GitRepo)
	fmt.Printf("Git Branch: %s\n", v.GitBranch)
	fmt.Printf("Git Commit: %s\n", v.GitCommit)
	fmt.Printf("Build Time: %s\n", v.BuildTime)
	if v.BuildInfo != nil {
		fmt.Printf("Go Version: %s\n", v.BuildInfo.GoVersion)
	}
	return nil
}
