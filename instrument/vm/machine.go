// Package vm executes code.Methods, woven or not. It is a plain stack machine
// with exception tables, enough to observe what instrumented code does.
package vm

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/registry"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
)

const DefaultMaxDepth = 512

// Built-in classes.
const (
	ThrowableClass        = "java/lang/Throwable"
	ExceptionClass        = "java/lang/Exception"
	RuntimeExceptionClass = "java/lang/RuntimeException"
	ErrorClass            = "java/lang/Error"
	StringClass           = "java/lang/String"

	ArithmeticException            = "java/lang/ArithmeticException"
	NullPointerException           = "java/lang/NullPointerException"
	ArrayIndexOutOfBoundsException = "java/lang/ArrayIndexOutOfBoundsException"
	NegativeArraySizeException     = "java/lang/NegativeArraySizeException"
	ClassCastException             = "java/lang/ClassCastException"
	StackOverflowError             = "java/lang/StackOverflowError"
	NoSuchMethodError              = "java/lang/NoSuchMethodError"
	NoSuchFieldError               = "java/lang/NoSuchFieldError"
	NoClassDefFoundError           = "java/lang/NoClassDefFoundError"
	AbstractMethodError            = "java/lang/AbstractMethodError"

	// InterceptorError wraps a failure of interceptor code. Only the guard
	// handlers of woven call sites catch it.
	InterceptorError = "go/agent/InterceptorError"

	messageField = "message"
)

var ErrExecution = errors.New("execution failed")

// Native implements a method marked native. For instance methods args[0] is
// the receiver. A returned *Throwable is thrown as is; other errors are
// thrown as RuntimeException.
type Native func(t *Thread, args []any) (any, error)

type Machine struct {
	mu      sync.RWMutex
	classes map[string]*Class
	natives map[string]Native

	registry *registry.Registry
	scopes   *scope.Scopes
	log      logr.Logger
	metrics  *telemetry.Metrics
	maxDepth int

	methodTypes sync.Map // descriptor -> code.MethodType
}

type Option func(m *Machine)

func WithRegistry(r *registry.Registry) Option {
	return func(m *Machine) {
		m.registry = r
	}
}

func WithScopes(s *scope.Scopes) Option {
	return func(m *Machine) {
		m.scopes = s
	}
}

func WithLogger(log logr.Logger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Machine) {
		m.metrics = metrics
	}
}

func WithMaxDepth(depth int) Option {
	return func(m *Machine) {
		m.maxDepth = depth
	}
}

func New(opts ...Option) (*Machine, error) {
	m := &Machine{
		classes:  make(map[string]*Class),
		natives:  make(map[string]Native),
		log:      logr.Discard(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		r, err := registry.New(registry.DefaultSize, registry.WithLogger(m.log), registry.WithMetrics(m.metrics))
		if err != nil {
			return nil, err
		}
		m.registry = r
	}
	if m.scopes == nil {
		m.scopes = scope.NewScopes(scope.WithLogger(m.log), scope.WithMetrics(m.metrics))
	}
	if err := m.loadBuiltins(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) Registry() *registry.Registry {
	return m.registry
}

func (m *Machine) Scopes() *scope.Scopes {
	return m.scopes
}

func nativeKey(owner, name, desc string) string {
	return owner + "." + name + desc
}

// RegisterNative binds fn to the native method owner.name desc.
func (m *Machine) RegisterNative(owner, name, desc string, fn Native) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.natives[nativeKey(owner, name, desc)] = fn
}

func (m *Machine) native(owner, name, desc string) Native {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.natives[nativeKey(owner, name, desc)]
}

// Load verifies and defines classes. A class that is already loaded is
// redefined: its methods are replaced, its static state is kept.
func (m *Machine) Load(classes ...*code.Class) error {
	for _, c := range classes {
		for _, mt := range c.Methods {
			if mt.Owner == "" {
				mt.Owner = c.Name
			}
			if err := code.Verify(mt); err != nil {
				return errors.Wrapf(err, "load %s", c.Name)
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range classes {
		if existing, ok := m.classes[c.Name]; ok {
			existing.define(c)
			continue
		}
		m.classes[c.Name] = newClass(m, c)
	}
	return nil
}

func (m *Machine) Class(name string) (*Class, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[name]
	return c, ok
}

func (m *Machine) methodType(desc string) (code.MethodType, error) {
	if v, ok := m.methodTypes.Load(desc); ok {
		return v.(code.MethodType), nil
	}
	mt, err := code.ParseMethodDescriptor(desc)
	if err != nil {
		return code.MethodType{}, err
	}
	m.methodTypes.Store(desc, mt)
	return mt, nil
}

func (m *Machine) describe(owner, name, desc string) core.MethodDescriptor {
	md := core.MethodDescriptor{ClassName: owner, MethodName: name}
	if mt, err := m.methodType(desc); err == nil {
		md.ParameterDescription = mt.ParameterDescription()
	}
	return md
}

// NewThread returns a thread with its own call stack context. A thread must
// not be used from more than one goroutine at a time.
func (m *Machine) NewThread() *Thread {
	return &Thread{m: m, stack: core.NewStack()}
}

func (m *Machine) loadBuiltins() error {
	nativeMethod := func(owner, name, desc string) *code.Method {
		return &code.Method{Owner: owner, Name: name, Desc: desc, Flags: code.FlagNative}
	}
	classes := []*code.Class{
		{Name: code.RootClass, Methods: []*code.Method{nativeMethod(code.RootClass, code.ConstructorName, "()V")}},
		{Name: StringClass},
		{
			Name:   ThrowableClass,
			Fields: []code.Field{{Name: messageField, Desc: "Ljava/lang/String;"}},
			Methods: []*code.Method{
				nativeMethod(ThrowableClass, code.ConstructorName, "()V"),
				nativeMethod(ThrowableClass, code.ConstructorName, "(Ljava/lang/String;)V"),
				nativeMethod(ThrowableClass, "getMessage", "()Ljava/lang/String;"),
			},
		},
		{Name: ExceptionClass, Super: ThrowableClass},
		{Name: ErrorClass, Super: ThrowableClass},
		{Name: RuntimeExceptionClass, Super: ExceptionClass},
	}
	for _, name := range []string{ArithmeticException, NullPointerException, ArrayIndexOutOfBoundsException,
		NegativeArraySizeException, ClassCastException} {
		classes = append(classes, &code.Class{Name: name, Super: RuntimeExceptionClass})
	}
	for _, name := range []string{StackOverflowError, NoSuchMethodError, NoSuchFieldError, NoClassDefFoundError,
		AbstractMethodError, InterceptorError} {
		classes = append(classes, &code.Class{Name: name, Super: ErrorClass})
	}

	m.RegisterNative(code.RootClass, code.ConstructorName, "()V", func(*Thread, []any) (any, error) {
		return nil, nil
	})
	m.RegisterNative(ThrowableClass, code.ConstructorName, "()V", func(*Thread, []any) (any, error) {
		return nil, nil
	})
	m.RegisterNative(ThrowableClass, code.ConstructorName, "(Ljava/lang/String;)V", func(t *Thread, args []any) (any, error) {
		args[0].(*Object).Fields[messageField] = args[1]
		return nil, nil
	})
	m.RegisterNative(ThrowableClass, "getMessage", "()Ljava/lang/String;", func(t *Thread, args []any) (any, error) {
		return args[0].(*Object).Fields[messageField], nil
	})
	return m.Load(classes...)
}
