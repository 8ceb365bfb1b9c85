package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"go.uber.org/atomic"
)

// Class is the loaded form of a code.Class. Redefinition swaps the methods in
// place so existing instances and static state survive.
type Class struct {
	m *Machine

	mu      sync.RWMutex
	def     *code.Class
	methods map[string]*code.Method
	statics map[string]any

	initOnce   sync.Once
	initThread atomic.Pointer[Thread]
	initErr    error
	initThrown *Object
}

func newClass(m *Machine, def *code.Class) *Class {
	c := &Class{m: m, statics: make(map[string]any)}
	c.define(def)
	return c
}

func (c *Class) define(def *code.Class) {
	methods := make(map[string]*code.Method, len(def.Methods))
	for _, mt := range def.Methods {
		methods[mt.Key()] = mt
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def = def
	c.methods = methods
	for _, f := range def.Fields {
		if !f.Static {
			continue
		}
		if _, ok := c.statics[f.Name]; ok {
			continue
		}
		t, err := code.ParseType(f.Desc)
		if err != nil {
			continue
		}
		c.statics[f.Name] = t.Zero()
	}
}

func (c *Class) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def.Name
}

func (c *Class) Def() *code.Class {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def
}

func (c *Class) Super() *Class {
	name := c.Def().SuperName()
	if name == "" {
		return nil
	}
	super, _ := c.m.Class(name)
	return super
}

// IsSubclassOf reports whether c is name or extends it.
func (c *Class) IsSubclassOf(name string) bool {
	for k := c; k != nil; k = k.Super() {
		if k.Name() == name {
			return true
		}
	}
	return false
}

func (c *Class) ownMethod(key string) *code.Method {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.methods[key]
}

// FindMethod looks name and desc up in c and its super classes.
func (c *Class) FindMethod(name, desc string) (*Class, *code.Method) {
	key := name + desc
	for k := c; k != nil; k = k.Super() {
		if mt := k.ownMethod(key); mt != nil {
			return k, mt
		}
	}
	return nil, nil
}

func (c *Class) instanceFields() map[string]any {
	fields := make(map[string]any)
	for k := c; k != nil; k = k.Super() {
		for _, f := range k.Def().Fields {
			if f.Static {
				continue
			}
			if _, ok := fields[f.Name]; ok {
				continue
			}
			t, err := code.ParseType(f.Desc)
			if err != nil {
				continue
			}
			fields[f.Name] = t.Zero()
		}
	}
	return fields
}

func (c *Class) staticOwner(name string) *Class {
	for k := c; k != nil; k = k.Super() {
		k.mu.RLock()
		_, ok := k.statics[name]
		k.mu.RUnlock()
		if ok {
			return k
		}
	}
	return nil
}

func (c *Class) Static(name string) (any, bool) {
	k := c.staticOwner(name)
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.statics[name], true
}

func (c *Class) setStatic(name string, v any) bool {
	k := c.staticOwner(name)
	if k == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.statics[name] = v
	return true
}

// Object is an instance of a loaded class.
type Object struct {
	Class  *Class
	Fields map[string]any
	// Host carries a Go value behind the object, such as the error behind an
	// InterceptorError.
	Host any
}

func (o *Object) Field(name string) any {
	return o.Fields[name]
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", o.Class.Name(), o)
}

// Array is a fixed length array value.
type Array struct {
	Type   code.Type
	Values []any
}

func (a *Array) Len() int {
	return len(a.Values)
}

func (a *Array) String() string {
	parts := make([]string, len(a.Values))
	for i, v := range a.Values {
		parts[i] = fmt.Sprint(v)
	}
	return a.Type.String() + "{" + strings.Join(parts, ", ") + "}"
}

// Throwable is an uncaught exception handed back to Go code.
type Throwable struct {
	Object *Object
}

func (t *Throwable) ClassName() string {
	return t.Object.Class.Name()
}

func (t *Throwable) Message() string {
	s, _ := t.Object.Field(messageField).(string)
	return s
}

func (t *Throwable) Error() string {
	if msg := t.Message(); msg != "" {
		return t.ClassName() + ": " + msg
	}
	return t.ClassName()
}

func (t *Throwable) Unwrap() error {
	err, _ := t.Object.Host.(error)
	return err
}
