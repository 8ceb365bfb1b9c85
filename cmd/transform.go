package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func readModule(path string) (*code.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return code.Read(f)
}

func writeModule(path string, mod *code.Module) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := code.Write(f, mod); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newTransformCmd(g *globalOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "transform <module>",
		Short: "Weave the configured rules into an encoded class module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.agent()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			mod, err := readModule(args[0])
			if err != nil {
				return err
			}
			n, err := a.Transformer.TransformModule(cmd.Context(), mod)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			if out == "" {
				out = args[0]
			}
			if err := writeModule(out, mod); err != nil {
				return errors.Wrapf(err, "write %s", out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d methods woven into %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, the input is replaced when empty")
	return cmd
}

func newDisasmCmd() *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "disasm <module>",
		Short: "Print the instructions of an encoded class module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := readModule(args[0])
			if err != nil {
				return err
			}
			for _, c := range mod.Classes {
				if class != "" && c.Name != class {
					continue
				}
				if err := code.DisassembleClass(cmd.OutOrStdout(), c); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "only this class")
	return cmd
}
