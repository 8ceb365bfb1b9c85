package callsite

import (
	"sync"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
)

// linked is the entry point of packages woven during their compile. They
// cannot import this package, so they bind to the variable by go:linkname
// and its type uses predeclared types only. It stays nil in those packages
// when the program does not link this package.
var linked = enterLinked

type linkedKey struct {
	method      core.MethodDescriptor
	interceptor string
	scope       string
	policy      scope.Policy
}

var linkedSites sync.Map

func enterLinked(className, methodName, params, interceptor, scopeName string, policy uint8, target interface{}, args []interface{}) func(recovered interface{}, results []interface{}) {
	key := linkedKey{
		method:      core.MethodDescriptor{ClassName: className, MethodName: methodName, ParameterDescription: params},
		interceptor: interceptor,
		scope:       scopeName,
		policy:      scope.Policy(policy),
	}
	v, ok := linkedSites.Load(key)
	if !ok {
		v, _ = linkedSites.LoadOrStore(key, Declare(key.method, interceptor, scopeName, key.policy))
	}
	f := v.(*Site).Enter(target, args...)
	if f == nil {
		return nil
	}
	return f.exit
}

func (f *Frame) exit(recovered interface{}, results []interface{}) {
	f.Exit(recovered, results...)
}
