package srcweave

import (
	"fmt"
	"strings"

	"github.com/dave/dst"
)

type ParameterInfo struct {
	Name string
	Type dst.Expr
}

// enhanceParameterNames gives every anonymous or blank entry of fields a
// name, so generated code can refer to it, and returns the entries in order.
func enhanceParameterNames(fields *dst.FieldList, prefix string) []*ParameterInfo {
	if fields == nil {
		return nil
	}
	result := make([]*ParameterInfo, 0)
	for _, f := range fields.List {
		if len(f.Names) == 0 {
			name := fmt.Sprintf("%s_%d", prefix, len(result))
			f.Names = []*dst.Ident{dst.NewIdent(name)}
			result = append(result, &ParameterInfo{Name: name, Type: f.Type})
			continue
		}
		for _, n := range f.Names {
			if n.Name == "_" {
				n.Name = fmt.Sprintf("%s_%d", prefix, len(result))
			}
			result = append(result, &ParameterInfo{Name: n.Name, Type: f.Type})
		}
	}
	return result
}

func parameterNames(params []*ParameterInfo) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

// parameterDescription renders the parameter types as "(string, int)".
func parameterDescription(params []*ParameterInfo) string {
	types := make([]string, len(params))
	for i, p := range params {
		types[i] = typeString(p.Type)
	}
	return "(" + strings.Join(types, ", ") + ")"
}

func typeString(expr dst.Expr) string {
	switch n := expr.(type) {
	case *dst.Ident:
		if n.Path != "" {
			return n.Path + "." + n.Name
		}
		return n.Name
	case *dst.SelectorExpr:
		return typeString(n.X) + "." + n.Sel.Name
	case *dst.StarExpr:
		return "*" + typeString(n.X)
	case *dst.ParenExpr:
		return typeString(n.X)
	case *dst.Ellipsis:
		return "..." + typeString(n.Elt)
	case *dst.ArrayType:
		if n.Len == nil {
			return "[]" + typeString(n.Elt)
		}
		if lit, ok := n.Len.(*dst.BasicLit); ok {
			return "[" + lit.Value + "]" + typeString(n.Elt)
		}
		return "[...]" + typeString(n.Elt)
	case *dst.MapType:
		return "map[" + typeString(n.Key) + "]" + typeString(n.Value)
	case *dst.ChanType:
		switch n.Dir {
		case dst.SEND:
			return "chan<- " + typeString(n.Value)
		case dst.RECV:
			return "<-chan " + typeString(n.Value)
		}
		return "chan " + typeString(n.Value)
	case *dst.FuncType:
		return "func" + fieldTypes(n.Params)
	case *dst.InterfaceType:
		if n.Methods == nil || len(n.Methods.List) == 0 {
			return "interface{}"
		}
		return "interface{...}"
	case *dst.StructType:
		if n.Fields == nil || len(n.Fields.List) == 0 {
			return "struct{}"
		}
		return "struct{...}"
	case *dst.IndexExpr:
		return typeString(n.X) + "[" + typeString(n.Index) + "]"
	case *dst.IndexListExpr:
		args := make([]string, len(n.Indices))
		for i, x := range n.Indices {
			args[i] = typeString(x)
		}
		return typeString(n.X) + "[" + strings.Join(args, ", ") + "]"
	}
	return fmt.Sprintf("%T", expr)
}

func fieldTypes(fields *dst.FieldList) string {
	if fields == nil {
		return "()"
	}
	var types []string
	for _, f := range fields.List {
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			types = append(types, typeString(f.Type))
		}
	}
	return "(" + strings.Join(types, ", ") + ")"
}
