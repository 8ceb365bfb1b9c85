package code

import (
	"fmt"
	"strconv"
)

// Instruction is one decoded instruction. Which operand fields are meaningful
// depends on Op.
type Instruction struct {
	Op    Opcode    `cbor:"1,keyasint"`
	A     int       `cbor:"2,keyasint,omitempty"`
	B     int       `cbor:"3,keyasint,omitempty"`
	C     int       `cbor:"4,keyasint,omitempty"`
	Owner string    `cbor:"5,keyasint,omitempty"`
	Name  string    `cbor:"6,keyasint,omitempty"`
	Desc  string    `cbor:"7,keyasint,omitempty"`
	Const *Constant `cbor:"8,keyasint,omitempty"`
}

func (ins Instruction) String() string {
	s := ins.Op.String()
	switch {
	case ins.Op == OpConst:
		return s + " " + ins.Const.String()
	case ins.Op == OpLoad, ins.Op == OpStore, ins.Op == OpPackArgs, ins.Op == OpInterceptorFault:
		return fmt.Sprintf("%s %d", s, ins.A)
	case ins.Op.IsJump():
		return fmt.Sprintf("%s @%04d", s, ins.A)
	case ins.Op.IsInvoke():
		return fmt.Sprintf("%s %s.%s%s", s, ins.Owner, ins.Name, ins.Desc)
	case ins.Op == OpGetField, ins.Op == OpPutField, ins.Op == OpGetStatic, ins.Op == OpPutStatic:
		return fmt.Sprintf("%s %s.%s", s, ins.Owner, ins.Name)
	case ins.Op == OpNew, ins.Op == OpInstanceOf, ins.Op == OpCheckCast:
		return s + " " + ins.Owner
	case ins.Op == OpNewArray, ins.Op == OpConvert:
		return s + " " + ins.Desc
	case ins.Op == OpMultiNewArray:
		return fmt.Sprintf("%s %s %d", s, ins.Desc, ins.A)
	case ins.Op == OpInterceptorBefore, ins.Op == OpInterceptorAfter:
		return fmt.Sprintf("%s id=%d shape=%d argc=%d %s.%s%s", s, ins.A, ins.B, ins.C, ins.Owner, ins.Name, ins.Desc)
	case ins.Op == OpScopeEnter, ins.Op == OpScopeCanLeave, ins.Op == OpScopeLeave:
		return fmt.Sprintf("%s %q policy=%d", s, ins.Name, ins.A)
	}
	return s
}

type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstLong
	ConstFloat
	ConstDouble
	ConstString
	ConstBool
)

// Constant is a typed literal. The typed fields keep the value intact across
// encoding, which an interface value would not.
type Constant struct {
	Kind  ConstKind `cbor:"1,keyasint"`
	Int   int64     `cbor:"2,keyasint,omitempty"`
	Float float64   `cbor:"3,keyasint,omitempty"`
	Str   string    `cbor:"4,keyasint,omitempty"`
}

func Int(v int32) *Constant { return &Constant{Kind: ConstInt, Int: int64(v)} }
func Long(v int64) *Constant { return &Constant{Kind: ConstLong, Int: v} }
func Float(v float32) *Constant { return &Constant{Kind: ConstFloat, Float: float64(v)} }
func Double(v float64) *Constant { return &Constant{Kind: ConstDouble, Float: v} }
func String(v string) *Constant { return &Constant{Kind: ConstString, Str: v} }
func Bool(v bool) *Constant {
	c := &Constant{Kind: ConstBool}
	if v {
		c.Int = 1
	}
	return c
}

// Value returns the runtime value of c.
func (c *Constant) Value() any {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case ConstInt:
		return int32(c.Int)
	case ConstLong:
		return c.Int
	case ConstFloat:
		return float32(c.Float)
	case ConstDouble:
		return c.Float
	case ConstString:
		return c.Str
	case ConstBool:
		return c.Int != 0
	}
	return nil
}

func (c *Constant) String() string {
	if c == nil {
		return "<nil>"
	}
	switch c.Kind {
	case ConstString:
		return strconv.Quote(c.Str)
	case ConstLong:
		return strconv.FormatInt(c.Int, 10) + "L"
	case ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 32) + "f"
	}
	return fmt.Sprint(c.Value())
}
