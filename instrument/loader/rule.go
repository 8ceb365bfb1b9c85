package loader

import (
	"path"

	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/internal/config"
	"github.com/pkg/errors"
)

// Rule selects methods by glob patterns over the class name, the method name
// and the descriptor. Empty method and descriptor patterns match everything.
type Rule struct {
	Class       string
	Method      string
	Descriptor  string
	Interceptor string
	Scope       string
	Policy      scope.Policy
}

func (r Rule) Matches(cls *code.Class, m *code.Method) bool {
	return match(r.Class, cls.Name) && match(r.Method, m.Name) && match(r.Descriptor, m.Desc)
}

func (r Rule) key() string {
	return r.Class + "|" + r.Method + "|" + r.Descriptor + "|" + r.Interceptor + "|" + r.Scope + "|" + r.Policy.String()
}

func match(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// RulesFromConfig converts configured rules.
func RulesFromConfig(cfg []config.Rule) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg))
	for i, c := range cfg {
		p, err := scope.ParsePolicy(c.Policy)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d", i)
		}
		rules = append(rules, Rule{
			Class:       c.Class,
			Method:      c.Method,
			Descriptor:  c.Descriptor,
			Interceptor: c.Interceptor,
			Scope:       c.Scope,
			Policy:      p,
		})
	}
	return rules, nil
}
