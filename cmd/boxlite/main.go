// Command boxlite is a thin CLI over the boxlite runtime: it opens a
// Registry rooted at a home directory and drives it through the same
// operations any embedder would call directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"

	boxlite "github.com/boxlite/boxlite"
)

// Context carries the flags and opened Registry every subcommand needs.
type Context struct {
	context.Context
	HomeDir string
	reg     *boxlite.Registry
}

type CLI struct {
	HomeDir            string `default:"" placeholder:"<dir>" help:"runtime home directory (default: ~/.boxlite)"`
	HypervisorLauncher string `default:"boxlite-launcher" placeholder:"<path>" help:"path to the hypervisor launcher binary"`
	LogLevel           string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`

	New     NewCmd     `cmd:"" help:"create (and start) a new box"`
	Ls      LsCmd      `cmd:"" help:"list boxes"`
	Exec    ExecCmd    `cmd:"" help:"execute a command in a box, auto-starting it if needed"`
	Rm      RmCmd      `cmd:"" help:"remove a box"`
	Stop    StopCmd    `cmd:"" help:"stop a box"`
	Cp      CpCmd      `cmd:"" help:"copy a file or directory into or out of a box"`
	Version VersionCmd `cmd:"" help:"print version information"`

	Completion kongcompletion.Cmd `cmd:"" help:"generate shell completion scripts"`
}

func defaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("boxlite: determine home directory: %w", err)
	}
	return filepath.Join(home, ".boxlite"), nil
}

func initSlog(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Name("boxlite"),
		kong.Description("Run untrusted code in hardware-isolated micro-VM sandboxes."),
		kong.Configuration(kongyaml.Loader, "/etc/boxlite/config.yaml", "~/.boxlite.yaml"),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	initSlog(cli.LogLevel)

	if cli.HomeDir == "" {
		cli.HomeDir, err = defaultHomeDir()
		parser.FatalIfErrorf(err)
	}

	ctx := context.Background()

	// The completion subcommand and its own subtree never touch the
	// registry, so skip opening it for those.
	if kctx.Command() == "completion" {
		parser.FatalIfErrorf(kctx.Run())
		return
	}

	reg, err := boxlite.Open(ctx, &boxlite.RuntimeConfig{
		HomeDir:            cli.HomeDir,
		HypervisorLauncher: cli.HypervisorLauncher,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "boxlite: open registry: %v\n", err)
		os.Exit(1)
	}
	defer reg.Close()

	err = kctx.Run(&Context{Context: ctx, HomeDir: cli.HomeDir, reg: reg})
	kctx.FatalIfErrorf(err)
}
