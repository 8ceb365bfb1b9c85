package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/agent"
	"github.com/mrproliu/go-agent-weaver/instrument/srcweave"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// compileOptions are the flags of a compile invocation the weaver needs.
type compileOptions struct {
	Package string
	Output  string
}

// parseCompileOptions returns nil unless args run the compiler on a package.
func parseCompileOptions(args []string) *compileOptions {
	if len(args) == 0 {
		return nil
	}
	tool := filepath.Base(args[0])
	tool = strings.TrimSuffix(tool, filepath.Ext(tool))
	if tool != "compile" {
		return nil
	}
	opt := &compileOptions{}
	for i := 1; i < len(args); i++ {
		name, value, inline := strings.Cut(args[i], "=")
		var ref *string
		switch name {
		case "-p":
			ref = &opt.Package
		case "-o":
			ref = &opt.Output
		default:
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				break
			}
			i++
			value = args[i]
		}
		*ref = value
	}
	if opt.Package == "" || opt.Output == "" {
		return nil
	}
	return opt
}

func newToolexecCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "toolexec <tool> [args...]",
		Short: "Weave instrument points while go build compiles them",
		Long: "Runs a build tool, weaving the matching files of every compiled package first:\n\n" +
			"  GO_AGENT_CONFIG=agent.yaml go build -toolexec \"go-agent-weaver toolexec\" ./...\n\n" +
			"Woven files and the site declarations are written next to the package archive\n" +
			"and replace the originals on the compile command line. The sites reach the\n" +
			"runtime through the linker, so the program only has to start an agent.",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opt := parseCompileOptions(args); opt != nil {
				woven, err := g.weaveCompile(opt, args)
				if err != nil {
					return errors.Wrapf(err, "weave %s", opt.Package)
				}
				args = woven
			}
			tool := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
			tool.Stdin = os.Stdin
			tool.Stdout = cmd.OutOrStdout()
			tool.Stderr = cmd.ErrOrStderr()
			return tool.Run()
		},
	}
}

// weaveCompile returns the compile command line with the woven files of the
// package swapped in. Packages without points are left alone.
func (g *globalOptions) weaveCompile(opt *compileOptions, args []string) ([]string, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	// the compiler's stderr is the user's build output
	log := logr.Discard()
	if cfg.Log.Verbosity > 0 {
		log = g.logger(cfg)
	}
	a, err := agent.New(cfg, agent.WithLogger(log))
	if err != nil {
		return nil, err
	}
	defer a.Close(context.Background())

	w := a.SourceWeaver()
	if !w.Instruments(opt.Package) {
		return args, nil
	}
	var files []string
	for _, arg := range args[1:] {
		if strings.HasSuffix(arg, ".go") {
			files = append(files, arg)
		}
	}
	res, err := w.WeaveCompile(opt.Package, files, filepath.Dir(opt.Output))
	if err != nil {
		return nil, err
	}
	if len(res.Sites) == 0 {
		return args, nil
	}
	out := make([]string, 0, len(args)+1)
	for _, arg := range args {
		if strings.HasSuffix(arg, ".go") {
			if abs, err := filepath.Abs(arg); err == nil {
				if dest, ok := res.Replaced[abs]; ok {
					arg = dest
				}
			}
		}
		out = append(out, arg)
	}
	out = append(out, filepath.Join(filepath.Dir(opt.Output), srcweave.SitesFile))
	log.Info("package woven", "package", opt.Package, "sites", len(res.Sites), "files", len(res.Woven))
	return out, nil
}
