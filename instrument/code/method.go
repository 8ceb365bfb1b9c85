// Package code is the in-memory form of loadable classes: types and
// descriptors, instructions, methods with exception tables, and their
// verification, encoding and listing.
package code

import (
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
)

const (
	ConstructorName = "<init>"
	InitializerName = "<clinit>"
	// RootClass is the implicit super class of every class.
	RootClass = "java/lang/Object"
)

type Flags uint16

const (
	FlagStatic Flags = 1 << iota
	FlagAbstract
	FlagNative
)

// Handler covers the instructions [Start, End). Catch is the class name of the
// accepted throwables; empty catches everything.
type Handler struct {
	Start  int    `cbor:"1,keyasint"`
	End    int    `cbor:"2,keyasint"`
	Target int    `cbor:"3,keyasint"`
	Catch  string `cbor:"4,keyasint,omitempty"`
}

// Binding attaches one registered interceptor to a method.
type Binding struct {
	InterceptorID int          `cbor:"1,keyasint"`
	Shape         core.Shape   `cbor:"2,keyasint"`
	Scope         string       `cbor:"3,keyasint,omitempty"`
	Policy        scope.Policy `cbor:"4,keyasint"`
	ApiID         int32        `cbor:"5,keyasint"`
}

// Origin is the body a woven method was produced from, kept so the method can
// be woven again from scratch.
type Origin struct {
	Code      []Instruction `cbor:"1,keyasint"`
	Handlers  []Handler     `cbor:"2,keyasint,omitempty"`
	MaxLocals int           `cbor:"3,keyasint"`
	MaxStack  int           `cbor:"4,keyasint"`
	Bindings  []Binding     `cbor:"5,keyasint"`
}

type Method struct {
	Owner     string        `cbor:"1,keyasint"`
	Name      string        `cbor:"2,keyasint"`
	Desc      string        `cbor:"3,keyasint"`
	Flags     Flags         `cbor:"4,keyasint,omitempty"`
	MaxLocals int           `cbor:"5,keyasint"`
	MaxStack  int           `cbor:"6,keyasint"`
	Code      []Instruction `cbor:"7,keyasint,omitempty"`
	Handlers  []Handler     `cbor:"8,keyasint,omitempty"`
	Origin    *Origin       `cbor:"9,keyasint,omitempty"`
}

func (m *Method) IsStatic() bool { return m.Flags&FlagStatic != 0 }
func (m *Method) IsAbstract() bool { return m.Flags&FlagAbstract != 0 }
func (m *Method) IsNative() bool { return m.Flags&FlagNative != 0 }
func (m *Method) IsConstructor() bool { return m.Name == ConstructorName }

// HasBody reports whether the method carries instructions to run.
func (m *Method) HasBody() bool {
	return !m.IsAbstract() && !m.IsNative() && len(m.Code) > 0
}

func (m *Method) Type() (MethodType, error) {
	return ParseMethodDescriptor(m.Desc)
}

// ParamSlots is the number of local slots taken by the receiver and the
// parameters on entry.
func (m *Method) ParamSlots() (int, error) {
	mt, err := m.Type()
	if err != nil {
		return 0, err
	}
	n := len(mt.Params)
	if !m.IsStatic() {
		n++
	}
	return n, nil
}

// Descriptor is the interceptor facing description of the method.
func (m *Method) Descriptor() (core.MethodDescriptor, error) {
	mt, err := m.Type()
	if err != nil {
		return core.MethodDescriptor{}, err
	}
	return core.MethodDescriptor{
		ClassName:            m.Owner,
		MethodName:           m.Name,
		ParameterDescription: mt.ParameterDescription(),
	}, nil
}

func (m *Method) IsWoven() bool {
	return m.Origin != nil
}

func (m *Method) Key() string {
	return m.Name + m.Desc
}

// Clone returns a deep copy of m apart from constants, which are immutable.
func (m *Method) Clone() *Method {
	c := *m
	c.Code = append([]Instruction(nil), m.Code...)
	c.Handlers = append([]Handler(nil), m.Handlers...)
	if m.Origin != nil {
		o := *m.Origin
		o.Code = append([]Instruction(nil), o.Code...)
		o.Handlers = append([]Handler(nil), o.Handlers...)
		o.Bindings = append([]Binding(nil), o.Bindings...)
		c.Origin = &o
	}
	return &c
}

type Field struct {
	Name   string `cbor:"1,keyasint"`
	Desc   string `cbor:"2,keyasint"`
	Static bool   `cbor:"3,keyasint,omitempty"`
}

type Class struct {
	Name    string    `cbor:"1,keyasint"`
	Super   string    `cbor:"2,keyasint,omitempty"`
	Fields  []Field   `cbor:"3,keyasint,omitempty"`
	Methods []*Method `cbor:"4,keyasint,omitempty"`
}

// SuperName returns the declared super class, RootClass when none is set.
func (c *Class) SuperName() string {
	if c.Super == "" && c.Name != RootClass {
		return RootClass
	}
	return c.Super
}

func (c *Class) Method(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Replace swaps the method with the same name and descriptor as m.
func (c *Class) Replace(m *Method) bool {
	for i, old := range c.Methods {
		if old.Name == m.Name && old.Desc == m.Desc {
			c.Methods[i] = m
			return true
		}
	}
	return false
}

type Module struct {
	Name    string   `cbor:"1,keyasint,omitempty"`
	Classes []*Class `cbor:"2,keyasint"`
}

func (m *Module) Class(name string) *Class {
	for _, c := range m.Classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}
