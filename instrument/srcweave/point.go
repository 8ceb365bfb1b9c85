package srcweave

import (
	"strings"

	"github.com/dave/dst"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/internal/config"
	"github.com/pkg/errors"
)

// InstrumentPoint names one Go function or method to intercept.
type InstrumentPoint struct {
	// Package is the import path of the package declaring the function.
	Package string
	// File restricts the match to one file of the package, by base name.
	File string
	// Receiver is the receiver type as written, "*Engine" or "Engine"; empty
	// for plain functions.
	Receiver    string
	Func        string
	Interceptor string
	Scope       string
	Policy      scope.Policy
}

func (p *InstrumentPoint) matchFile(pkgPath, base string) bool {
	return p.Package == pkgPath && (p.File == "" || p.File == base)
}

func (p *InstrumentPoint) matchFunc(decl *dst.FuncDecl) bool {
	if decl.Name.Name != p.Func || decl.Body == nil {
		return false
	}
	if decl.Recv == nil || len(decl.Recv.List) == 0 {
		return p.Receiver == ""
	}
	return receiverName(decl.Recv.List[0].Type) == p.Receiver
}

// receiverName renders a receiver type the way points spell it, dropping type
// parameters: *List[T] becomes "*List".
func receiverName(expr dst.Expr) string {
	switch n := expr.(type) {
	case *dst.StarExpr:
		return "*" + receiverName(n.X)
	case *dst.Ident:
		return n.Name
	case *dst.IndexExpr:
		return receiverName(n.X)
	case *dst.IndexListExpr:
		return receiverName(n.X)
	case *dst.ParenExpr:
		return receiverName(n.X)
	}
	return ""
}

// PointsFromConfig converts configured points.
func PointsFromConfig(cfg []config.Point) ([]*InstrumentPoint, error) {
	points := make([]*InstrumentPoint, 0, len(cfg))
	for i, c := range cfg {
		p, err := scope.ParsePolicy(c.Policy)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		points = append(points, &InstrumentPoint{
			Package:     c.Package,
			File:        c.File,
			Receiver:    strings.TrimSpace(c.Receiver),
			Func:        c.Func,
			Interceptor: c.Interceptor,
			Scope:       c.Scope,
			Policy:      p,
		})
	}
	return points, nil
}
