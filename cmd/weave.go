package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newWeaveSrcCmd(g *globalOptions) *cobra.Command {
	var pkgPath, srcDir, outDir string
	cmd := &cobra.Command{
		Use:   "weave-src",
		Short: "Weave the instrument points of a Go package into a copy of its sources",
		Long: "Rewrites every function of the package matched by a plugin or configured point so it\n" +
			"reports to the call site runtime, and writes the package with its site declarations\n" +
			"to the output directory.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.agent()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			res, err := a.SourceWeaver().WeaveDir(pkgPath, srcDir, outDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "package %s: %d files, %d woven, %d sites\n", res.Package, len(res.Files), len(res.Woven), len(res.Sites))
			for _, s := range res.Sites {
				fmt.Fprintf(out, "  %s.%s%s -> %s\n", s.ClassName, s.MethodName, s.Params, s.Interceptor)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&pkgPath, "package", "p", "", "import path of the package")
	cmd.Flags().StringVar(&srcDir, "src", ".", "package source directory")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
