// Command go-agent-weaver instruments code for tracing: it weaves Go source
// packages, transforms encoded class modules and runs them on the bundled VM.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/agent"
	"github.com/mrproliu/go-agent-weaver/internal/config"
	"github.com/mrproliu/go-agent-weaver/internal/logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	verbosity  int
	stderr     io.Writer
}

func (g *globalOptions) load() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = os.Getenv(config.EnvFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if g.verbosity > cfg.Log.Verbosity {
		cfg.Log.Verbosity = g.verbosity
	}
	return cfg, nil
}

func (g *globalOptions) logger(cfg *config.Config) logr.Logger {
	return logging.NewWithWriter(g.stderr, cfg.Log.Verbosity)
}

func (g *globalOptions) agent(opts ...agent.Option) (*agent.Agent, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return agent.New(cfg, append([]agent.Option{agent.WithLogger(g.logger(cfg))}, opts...)...)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{stderr: stderr}
	root := &cobra.Command{
		Use:           "go-agent-weaver",
		Short:         "Weave tracing interceptors into Go source and class modules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "agent configuration file (.yaml, .yml or .toml)")
	root.PersistentFlags().IntVarP(&g.verbosity, "verbose", "v", 0, "log verbosity")

	root.AddCommand(
		newWeaveSrcCmd(g),
		newTransformCmd(g),
		newDisasmCmd(),
		newRunCmd(g),
		newSampleCmd(),
		newToolexecCmd(g),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		// a failing tool under toolexec has already reported itself
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
