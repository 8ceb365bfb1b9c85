package code

import (
	"fmt"
)

// Opcode is a single instruction of the stack machine. Values are untyped on
// the operand stack and every value takes one local slot.
type Opcode uint8

const (
	// Stack manipulation
	OpNop Opcode = iota
	OpPop
	OpDup
	OpSwap

	// Constants
	OpConstNull
	OpConst // Const

	// Locals
	OpLoad  // A = slot
	OpStore // A = slot

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpConvert // Desc = target primitive type

	// Comparison, push a boolean
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// Control flow, A = target instruction index
	OpJump
	OpJumpIfTrue
	OpJumpIfFalse
	OpJumpIfNull
	OpJumpIfNonNull

	// Objects
	OpNew       // Owner
	OpGetField  // Owner, Name
	OpPutField  // Owner, Name
	OpGetStatic // Owner, Name
	OpPutStatic // Owner, Name
	OpInstanceOf
	OpCheckCast

	// Invocation, Owner Name Desc
	OpInvokeVirtual
	OpInvokeStatic
	OpInvokeSpecial

	// Arrays
	OpNewArray      // Desc = element type
	OpMultiNewArray // Desc = array type, A = dimensions
	OpArrayLoad
	OpArrayStore
	OpArrayLength

	// Exits
	OpReturn
	OpReturnVoid
	OpThrow

	// Instrumentation
	OpPackArgs          // A = count
	OpInterceptorBefore // A = id, B = shape, C = argc, Owner Name Desc = intercepted method
	OpInterceptorAfter  // as OpInterceptorBefore
	OpInterceptorFault  // A = stage
	OpScopeEnter        // Name = scope, A = policy
	OpScopeCanLeave     // Name = scope, A = policy
	OpScopeLeave        // Name = scope, A = policy

	opCount
)

var opNames = [...]string{
	OpNop:               "nop",
	OpPop:               "pop",
	OpDup:               "dup",
	OpSwap:              "swap",
	OpConstNull:         "const_null",
	OpConst:             "const",
	OpLoad:              "load",
	OpStore:             "store",
	OpAdd:               "add",
	OpSub:               "sub",
	OpMul:               "mul",
	OpDiv:               "div",
	OpRem:               "rem",
	OpNeg:               "neg",
	OpConvert:           "convert",
	OpEq:                "eq",
	OpNe:                "ne",
	OpLt:                "lt",
	OpLe:                "le",
	OpGt:                "gt",
	OpGe:                "ge",
	OpJump:              "jump",
	OpJumpIfTrue:        "jump_if_true",
	OpJumpIfFalse:       "jump_if_false",
	OpJumpIfNull:        "jump_if_null",
	OpJumpIfNonNull:     "jump_if_non_null",
	OpNew:               "new",
	OpGetField:          "get_field",
	OpPutField:          "put_field",
	OpGetStatic:         "get_static",
	OpPutStatic:         "put_static",
	OpInstanceOf:        "instance_of",
	OpCheckCast:         "check_cast",
	OpInvokeVirtual:     "invoke_virtual",
	OpInvokeStatic:      "invoke_static",
	OpInvokeSpecial:     "invoke_special",
	OpNewArray:          "new_array",
	OpMultiNewArray:     "multi_new_array",
	OpArrayLoad:         "array_load",
	OpArrayStore:        "array_store",
	OpArrayLength:       "array_length",
	OpReturn:            "return",
	OpReturnVoid:        "return_void",
	OpThrow:             "throw",
	OpPackArgs:          "pack_args",
	OpInterceptorBefore: "interceptor_before",
	OpInterceptorAfter:  "interceptor_after",
	OpInterceptorFault:  "interceptor_fault",
	OpScopeEnter:        "scope_enter",
	OpScopeCanLeave:     "scope_can_leave",
	OpScopeLeave:        "scope_leave",
}

func (op Opcode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

func (op Opcode) Valid() bool {
	return op < opCount
}

// IsJump reports whether A holds a branch target.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpIfNonNull
}

// IsExit reports whether control never falls through to the next
// instruction.
func (op Opcode) IsExit() bool {
	switch op {
	case OpJump, OpReturn, OpReturnVoid, OpThrow:
		return true
	}
	return false
}

func (op Opcode) IsInvoke() bool {
	return op >= OpInvokeVirtual && op <= OpInvokeSpecial
}

// Interceptor stages carried by OpInterceptorFault.
const (
	StageBefore = 0
	StageAfter  = 1
)
