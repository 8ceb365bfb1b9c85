package main

import (
	"fmt"

	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/spf13/cobra"
)

const sampleClass = "sample/Calc"

// sampleModule is a small class to try the weaver on.
func sampleModule() (*code.Module, error) {
	static := code.FlagStatic
	type def struct {
		name, desc string
		body       func(a *code.Assembler)
	}
	defs := []def{
		{"add", "(II)I", func(a *code.Assembler) {
			a.Load(0).Load(1).Op(code.OpAdd).Op(code.OpReturn)
		}},
		{"div", "(II)I", func(a *code.Assembler) {
			a.Load(0).Load(1).Op(code.OpDiv).Op(code.OpReturn)
		}},
		{"fact", "(I)I", func(a *code.Assembler) {
			rec := a.NewLabel()
			a.Load(0).Const(code.Int(1)).Op(code.OpLe).Jump(code.OpJumpIfFalse, rec)
			a.Const(code.Int(1)).Op(code.OpReturn)
			a.Mark(rec)
			a.Load(0).Load(0).Const(code.Int(1)).Op(code.OpSub).
				Invoke(code.OpInvokeStatic, sampleClass, "fact", "(I)I").
				Op(code.OpMul).Op(code.OpReturn)
		}},
		{"greet", "(Ljava/lang/String;)Ljava/lang/String;", func(a *code.Assembler) {
			a.Const(code.String("hello ")).Load(0).Op(code.OpAdd).Op(code.OpReturn)
		}},
	}
	cls := &code.Class{Name: sampleClass}
	for _, d := range defs {
		m := &code.Method{Owner: sampleClass, Name: d.name, Desc: d.desc, Flags: static}
		a := code.NewAssembler()
		d.body(a)
		if err := a.Build(m); err != nil {
			return nil, err
		}
		cls.Methods = append(cls.Methods, m)
	}
	return &code.Module{Name: "sample", Classes: []*code.Class{cls}}, nil
}

func newSampleCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Write a sample class module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := sampleModule()
			if err != nil {
				return err
			}
			if err := writeModule(out, mod); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, sampleClass)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "sample.cbor", "output file")
	return cmd
}
