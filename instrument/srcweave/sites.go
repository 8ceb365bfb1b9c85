package srcweave

import (
	"bytes"
	"os"
	"strconv"
	"text/template"

	"github.com/dave/dst/decorator"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/pkg/errors"
)

// Linkage selects how a sites file reaches the call site runtime.
type Linkage uint8

const (
	// ImportRuntime declares sites through the callsite package. The woven
	// copy is built as an ordinary package that may import it.
	ImportRuntime Linkage = iota
	// LinkRuntime declares sites with a local shim bound to the runtime by
	// go:linkname. The file imports nothing but unsafe, for compiles whose
	// import configuration is fixed.
	LinkRuntime
)

var siteFuncs = template.FuncMap{
	"quote":  strconv.Quote,
	"policy": policyIdent,
	"uint8":  func(p scope.Policy) uint8 { return uint8(p) },
}

var sitesTemplate = template.Must(template.New("sites").Funcs(siteFuncs).Parse(`// Code generated by go-agent-weaver. DO NOT EDIT.

package {{.Package}}

import (
	_sw_core "github.com/mrproliu/go-agent-weaver/frameworks/core"
	_sw_callsite "github.com/mrproliu/go-agent-weaver/frameworks/core/callsite"
	_sw_scope "github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
)

var (
{{- range .Sites}}
	{{.Var}} = _sw_callsite.Declare(_sw_core.MethodDescriptor{
		ClassName:            {{quote .ClassName}},
		MethodName:           {{quote .MethodName}},
		ParameterDescription: {{quote .Params}},
	}, {{quote .Interceptor}}, {{quote .Scope}}, _sw_scope.{{policy .Policy}})
{{- end}}
)
`))

const linkedSymbol = "github.com/mrproliu/go-agent-weaver/frameworks/core/callsite.linked"

var linkedSitesTemplate = template.Must(template.New("linked").Funcs(siteFuncs).Parse(`// Code generated by go-agent-weaver. DO NOT EDIT.

package {{.Package}}

import _ "unsafe"

//go:linkname _sw_linked ` + linkedSymbol + `
var _sw_linked func(className, methodName, params, interceptor, scope string, policy uint8, target interface{}, args []interface{}) func(recovered interface{}, results []interface{})

type _sw_site struct {
	className, methodName, params, interceptor, scope string
	policy                                            uint8
}

type _sw_exit func(recovered interface{}, results []interface{})

func (s *_sw_site) Enter(target interface{}, args ...interface{}) _sw_exit {
	if _sw_linked == nil {
		return nil
	}
	return _sw_linked(s.className, s.methodName, s.params, s.interceptor, s.scope, s.policy, target, args)
}

func (e _sw_exit) Exit(recovered interface{}, results ...interface{}) {
	if e != nil {
		e(recovered, results)
		return
	}
	if recovered != nil {
		panic(recovered)
	}
}

var (
{{- range .Sites}}
	{{.Var}} = &_sw_site{ {{- quote .ClassName}}, {{quote .MethodName}}, {{quote .Params}}, {{quote .Interceptor}}, {{quote .Scope}}, {{uint8 .Policy -}} }
{{- end}}
)
`))

func policyIdent(p scope.Policy) string {
	switch p {
	case scope.Always:
		return "Always"
	case scope.Internal:
		return "Internal"
	}
	return "Boundary"
}

// renderSites returns the companion file declaring sites in package pkg.
func renderSites(pkg string, sites []Site, linkage Linkage) ([]byte, error) {
	tmpl := sitesTemplate
	if linkage == LinkRuntime {
		tmpl = linkedSitesTemplate
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		Package string
		Sites   []Site
	}{pkg, sites}); err != nil {
		return nil, errors.Wrap(err, "render sites")
	}
	// round trip through the printer so the output is formatted and known
	// to parse
	file, err := decorator.Parse(buf.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "parse generated sites")
	}
	var out bytes.Buffer
	if err := writeFile(file, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeSites(dest, pkg string, sites []Site, linkage Linkage) error {
	data, err := renderSites(pkg, sites, linkage)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
