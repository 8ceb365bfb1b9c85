package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mrproliu/go-agent-weaver/agent"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/instrument/vm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRunCmd(g *globalOptions) *cobra.Command {
	var class, method, desc string
	cmd := &cobra.Command{
		Use:   "run <module> [args...]",
		Short: "Transform a class module and invoke one of its static methods on the VM",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spans := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
			defer tp.Shutdown(context.Background())

			a, err := g.agent(agent.WithTracerProvider(tp))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			mod, err := readModule(args[0])
			if err != nil {
				return err
			}
			machine, err := a.NewMachine()
			if err != nil {
				return err
			}
			n, err := a.Load(cmd.Context(), machine, mod)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			mt, err := code.ParseMethodDescriptor(desc)
			if err != nil {
				return err
			}
			values, err := parseArgs(mt.Params, args[1:])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d methods woven\n", n)
			result, err := machine.NewThread().InvokeStatic(class, method, desc, values...)
			var thrown *vm.Throwable
			switch {
			case errors.As(err, &thrown):
				fmt.Fprintf(out, "thrown: %v\n", thrown)
			case err != nil:
				return err
			case mt.IsVoid():
				fmt.Fprintln(out, "result: void")
			default:
				fmt.Fprintf(out, "result: %v\n", result)
			}
			for _, s := range spans.Ended() {
				fmt.Fprintf(out, "span %s status=%s\n", s.Name(), s.Status().Code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "class declaring the method")
	cmd.Flags().StringVar(&method, "method", "", "static method to invoke")
	cmd.Flags().StringVar(&desc, "desc", "", "method descriptor, for example (II)I")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("method")
	_ = cmd.MarkFlagRequired("desc")
	return cmd
}

// parseArgs converts command line arguments to VM values of the parameter
// types.
func parseArgs(params []code.Type, args []string) ([]any, error) {
	if len(params) != len(args) {
		return nil, errors.Errorf("method takes %d arguments, got %d", len(params), len(args))
	}
	values := make([]any, len(args))
	for i, p := range params {
		v, err := parseArg(p, args[i])
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		values[i] = v
	}
	return values, nil
}

func parseArg(t code.Type, s string) (any, error) {
	switch t.Kind {
	case code.KindBoolean:
		return strconv.ParseBool(s)
	case code.KindByte:
		n, err := strconv.ParseInt(s, 10, 8)
		return int8(n), err
	case code.KindShort:
		n, err := strconv.ParseInt(s, 10, 16)
		return int16(n), err
	case code.KindChar:
		r := []rune(s)
		if len(r) != 1 {
			return nil, errors.Errorf("char %q", s)
		}
		return uint16(r[0]), nil
	case code.KindInt:
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	case code.KindLong:
		return strconv.ParseInt(s, 10, 64)
	case code.KindFloat:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case code.KindDouble:
		return strconv.ParseFloat(s, 64)
	case code.KindObject:
		if t.Class == vm.StringClass {
			return s, nil
		}
		if strings.EqualFold(s, "null") {
			return nil, nil
		}
	}
	return nil, errors.Errorf("cannot pass %q as %s", s, t)
}
