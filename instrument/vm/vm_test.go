package vm

import (
	"testing"

	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demo = "demo/Main"

func method(t *testing.T, name, desc string, flags code.Flags, body func(a *code.Assembler)) *code.Method {
	m := &code.Method{Owner: demo, Name: name, Desc: desc, Flags: flags}
	a := code.NewAssembler()
	body(a)
	require.NoError(t, a.Build(m))
	return m
}

func load(t *testing.T, methods ...*code.Method) (*Machine, *Thread) {
	m, err := New()
	require.NoError(t, err)
	require.NoError(t, m.Load(&code.Class{
		Name: demo,
		Fields: []code.Field{
			{Name: "counter", Desc: "I", Static: true},
			{Name: "name", Desc: "Ljava/lang/String;"},
		},
		Methods: methods,
	}))
	return m, m.NewThread()
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   code.Opcode
		a, b any
		want any
	}{
		{"int add", code.OpAdd, int32(2), int32(3), int32(5)},
		{"int overflow wraps", code.OpAdd, int32(2147483647), int32(1), int32(-2147483648)},
		{"byte promotes", code.OpMul, int8(4), int16(3), int32(12)},
		{"long div", code.OpDiv, int64(9), int64(2), int64(4)},
		{"int rem", code.OpRem, int32(-7), int32(3), int32(-1)},
		{"double sub", code.OpSub, 1.5, 0.25, 1.25},
		{"float rem", code.OpRem, float32(5.5), float32(2), float32(1.5)},
		{"string concat", code.OpAdd, "a", "b", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, divZero, err := arith(tt.op, tt.a, tt.b)
			require.NoError(t, err)
			assert.False(t, divZero)
			assert.Equal(t, tt.want, got)
		})
	}

	_, divZero, err := arith(code.OpDiv, int32(1), int32(0))
	require.NoError(t, err)
	assert.True(t, divZero)
	_, _, err = arith(code.OpAdd, int32(1), int64(1))
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	tests := []struct {
		in   any
		to   code.Kind
		want any
	}{
		{int32(300), code.KindByte, int8(44)},
		{int32(65), code.KindChar, uint16(65)},
		{int64(1 << 33), code.KindInt, int32(0)},
		{int32(-1), code.KindLong, int64(-1)},
		{3.9, code.KindInt, int32(3)},
		{1e20, code.KindInt, int32(2147483647)},
		{-1e30, code.KindLong, int64(-9223372036854775808)},
		{float32(2.5), code.KindDouble, 2.5},
		{int32(7), code.KindFloat, float32(7)},
	}
	for _, tt := range tests {
		got, err := convert(tt.in, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v -> %d", tt.in, tt.to)
	}
}

func TestCompare(t *testing.T) {
	ok, err := compare(code.OpLt, int32(1), int32(2))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = compare(code.OpEq, int64(1<<60+1), int64(1<<60))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = compare(code.OpEq, nil, (*Object)(nil))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = compare(code.OpGe, "b", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = compare(code.OpLt, true, false)
	assert.Error(t, err)
}

func TestLoopAndStatics(t *testing.T) {
	// count(n) adds 1 to counter n times and returns it
	count := method(t, "count", "(I)I", code.FlagStatic, func(a *code.Assembler) {
		loop, done := a.NewLabel(), a.NewLabel()
		a.Mark(loop)
		a.Load(0).Const(code.Int(0)).Op(code.OpLe).Jump(code.OpJumpIfTrue, done)
		a.Field(code.OpGetStatic, demo, "counter").Const(code.Int(1)).Op(code.OpAdd).Field(code.OpPutStatic, demo, "counter")
		a.Load(0).Const(code.Int(1)).Op(code.OpSub).Store(0)
		a.Jump(code.OpJump, loop)
		a.Mark(done)
		a.Field(code.OpGetStatic, demo, "counter").Op(code.OpReturn)
	})
	clinit := method(t, code.InitializerName, "()V", code.FlagStatic, func(a *code.Assembler) {
		a.Const(code.Int(100)).Field(code.OpPutStatic, demo, "counter").Op(code.OpReturnVoid)
	})
	m, th := load(t, count, clinit)

	got, err := th.InvokeStatic(demo, "count", "(I)I", int32(5))
	require.NoError(t, err)
	assert.Equal(t, int32(105), got)

	cls, ok := m.Class(demo)
	require.True(t, ok)
	v, ok := cls.Static("counter")
	require.True(t, ok)
	assert.Equal(t, int32(105), v)
}

func TestObjectsAndFields(t *testing.T) {
	ctor := method(t, code.ConstructorName, "(Ljava/lang/String;)V", 0, func(a *code.Assembler) {
		a.Load(0).Invoke(code.OpInvokeSpecial, code.RootClass, code.ConstructorName, "()V")
		a.Load(0).Load(1).Field(code.OpPutField, demo, "name").Op(code.OpReturnVoid)
	})
	getName := method(t, "getName", "()Ljava/lang/String;", 0, func(a *code.Assembler) {
		a.Load(0).Field(code.OpGetField, demo, "name").Op(code.OpReturn)
	})
	build := method(t, "make", "()Ljava/lang/String;", code.FlagStatic, func(a *code.Assembler) {
		a.New(demo).Op(code.OpDup).Const(code.String("gopher")).
			Invoke(code.OpInvokeSpecial, demo, code.ConstructorName, "(Ljava/lang/String;)V").
			Invoke(code.OpInvokeVirtual, demo, "getName", "()Ljava/lang/String;").Op(code.OpReturn)
	})
	_, th := load(t, ctor, getName, build)

	got, err := th.InvokeStatic(demo, "make", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, "gopher", got)

	obj, err := th.NewObject(demo, "(Ljava/lang/String;)V", "direct")
	require.NoError(t, err)
	assert.Equal(t, "direct", obj.Field("name"))
	got, err = th.InvokeVirtual(obj, "getName", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, "direct", got)
}

func TestArrays(t *testing.T) {
	grid := method(t, "grid", "()I", code.FlagStatic, func(a *code.Assembler) {
		a.Const(code.Int(2)).Const(code.Int(3)).Emit(code.Instruction{Op: code.OpMultiNewArray, Desc: "[[I", A: 2}).Store(0)
		// grid[1][2] = 7
		a.Load(0).Const(code.Int(1)).Op(code.OpArrayLoad).Const(code.Int(2)).Const(code.Int(7)).Op(code.OpArrayStore)
		a.Load(0).Const(code.Int(1)).Op(code.OpArrayLoad).Const(code.Int(2)).Op(code.OpArrayLoad)
		a.Load(0).Op(code.OpArrayLength).Op(code.OpAdd).Op(code.OpReturn)
	})
	oob := method(t, "oob", "(I)I", code.FlagStatic, func(a *code.Assembler) {
		a.Const(code.Int(1)).Emit(code.Instruction{Op: code.OpNewArray, Desc: "I"}).Load(0).Op(code.OpArrayLoad).Op(code.OpReturn)
	})
	_, th := load(t, grid, oob)

	got, err := th.InvokeStatic(demo, "grid", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(9), got)

	got, err = th.InvokeStatic(demo, "oob", "(I)I", int32(0))
	require.NoError(t, err)
	assert.Equal(t, int32(0), got)

	_, err = th.InvokeStatic(demo, "oob", "(I)I", int32(3))
	var thrown *Throwable
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, ArrayIndexOutOfBoundsException, thrown.ClassName())
}

func TestExceptionsUnwindFrames(t *testing.T) {
	div := method(t, "div", "(II)I", code.FlagStatic, func(a *code.Assembler) {
		a.Load(0).Load(1).Op(code.OpDiv).Op(code.OpReturn)
	})
	// safe catches any RuntimeException thrown by div and returns its message
	safe := method(t, "safe", "(II)Ljava/lang/String;", code.FlagStatic, func(a *code.Assembler) {
		start, end, handler := a.NewLabel(), a.NewLabel(), a.NewLabel()
		a.Mark(start)
		a.Load(0).Load(1).Invoke(code.OpInvokeStatic, demo, "div", "(II)I").Op(code.OpPop)
		a.Const(code.String("ok"))
		a.Mark(end)
		a.Op(code.OpReturn)
		a.Mark(handler)
		a.Invoke(code.OpInvokeVirtual, ThrowableClass, "getMessage", "()Ljava/lang/String;").Op(code.OpReturn)
		a.Handler(start, end, handler, RuntimeExceptionClass)
	})
	_, th := load(t, div, safe)

	got, err := th.InvokeStatic(demo, "safe", "(II)Ljava/lang/String;", int32(1), int32(0))
	require.NoError(t, err)
	assert.Equal(t, "/ by zero", got)
	got, err = th.InvokeStatic(demo, "safe", "(II)Ljava/lang/String;", int32(1), int32(1))
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = th.InvokeStatic(demo, "div", "(II)I", int32(1), int32(0))
	var thrown *Throwable
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, "java/lang/ArithmeticException: / by zero", thrown.Error())
}

func TestStackOverflow(t *testing.T) {
	loop := method(t, "loop", "()V", code.FlagStatic, func(a *code.Assembler) {
		a.Invoke(code.OpInvokeStatic, demo, "loop", "()V").Op(code.OpReturnVoid)
	})
	_, th := load(t, loop)
	_, err := th.InvokeStatic(demo, "loop", "()V")
	var thrown *Throwable
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, StackOverflowError, thrown.ClassName())
}

func TestNatives(t *testing.T) {
	twice := &code.Method{Owner: demo, Name: "twice", Desc: "(I)I", Flags: code.FlagStatic | code.FlagNative}
	fail := &code.Method{Owner: demo, Name: "fail", Desc: "()V", Flags: code.FlagStatic | code.FlagNative}
	m, th := load(t, twice, fail)
	m.RegisterNative(demo, "twice", "(I)I", func(t *Thread, args []any) (any, error) {
		return args[0].(int32) * 2, nil
	})
	cause := errors.New("disk on fire")
	m.RegisterNative(demo, "fail", "()V", func(t *Thread, args []any) (any, error) {
		return nil, cause
	})

	got, err := th.InvokeStatic(demo, "twice", "(I)I", int32(21))
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	_, err = th.InvokeStatic(demo, "fail", "()V")
	var thrown *Throwable
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, RuntimeExceptionClass, thrown.ClassName())
	assert.ErrorIs(t, err, cause)
}

func TestMissingMembers(t *testing.T) {
	_, th := load(t)
	_, err := th.InvokeStatic(demo, "nope", "()V")
	var thrown *Throwable
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, NoSuchMethodError, thrown.ClassName())

	_, err = th.InvokeStatic("demo/Missing", "nope", "()V")
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, NoClassDefFoundError, thrown.ClassName())

	_, err = th.InvokeVirtual(nil, "nope", "()V")
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, NullPointerException, thrown.ClassName())
}

func TestLoadRejectsUnverifiableCode(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	err = m.Load(&code.Class{Name: demo, Methods: []*code.Method{
		{Name: "bad", Desc: "()V", Flags: code.FlagStatic, Code: []code.Instruction{{Op: code.OpPop}, {Op: code.OpReturnVoid}}},
	}})
	assert.ErrorIs(t, err, code.ErrVerify)
}
