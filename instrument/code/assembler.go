package code

import (
	"github.com/pkg/errors"
)

// Label is a position in an Assembler that is resolved to an instruction
// index when the body is finished.
type Label int

type fixup struct {
	at    int
	label Label
}

type handlerRef struct {
	start, end, target Label
	catch              string
}

// Assembler builds method bodies with symbolic jump targets.
type Assembler struct {
	code     []Instruction
	labels   []int
	fixups   []fixup
	handlers []handlerRef
	err      error
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Mark binds l to the next emitted instruction.
func (a *Assembler) Mark(l Label) *Assembler {
	if int(l) < 0 || int(l) >= len(a.labels) {
		a.fail(errors.Errorf("unknown label %d", l))
		return a
	}
	if a.labels[l] >= 0 {
		a.fail(errors.Errorf("label %d marked twice", l))
		return a
	}
	a.labels[l] = len(a.code)
	return a
}

// Here returns a new label marked at the current position.
func (a *Assembler) Here() Label {
	l := a.NewLabel()
	a.Mark(l)
	return l
}

func (a *Assembler) Len() int {
	return len(a.code)
}

func (a *Assembler) Emit(ins Instruction) *Assembler {
	a.code = append(a.code, ins)
	return a
}

func (a *Assembler) Op(op Opcode) *Assembler {
	return a.Emit(Instruction{Op: op})
}

func (a *Assembler) Const(c *Constant) *Assembler {
	return a.Emit(Instruction{Op: OpConst, Const: c})
}

func (a *Assembler) Load(slot int) *Assembler {
	return a.Emit(Instruction{Op: OpLoad, A: slot})
}

func (a *Assembler) Store(slot int) *Assembler {
	return a.Emit(Instruction{Op: OpStore, A: slot})
}

func (a *Assembler) Jump(op Opcode, target Label) *Assembler {
	if !op.IsJump() {
		a.fail(errors.Errorf("%s is not a jump", op))
		return a
	}
	a.fixups = append(a.fixups, fixup{at: len(a.code), label: target})
	return a.Emit(Instruction{Op: op})
}

func (a *Assembler) Invoke(op Opcode, owner, name, desc string) *Assembler {
	return a.Emit(Instruction{Op: op, Owner: owner, Name: name, Desc: desc})
}

func (a *Assembler) Field(op Opcode, owner, name string) *Assembler {
	return a.Emit(Instruction{Op: op, Owner: owner, Name: name})
}

func (a *Assembler) New(class string) *Assembler {
	return a.Emit(Instruction{Op: OpNew, Owner: class})
}

// Handler adds an exception table entry. Entries are kept in the order they
// were added, which is the order they are matched in.
func (a *Assembler) Handler(start, end, target Label, catch string) *Assembler {
	a.handlers = append(a.handlers, handlerRef{start: start, end: end, target: target, catch: catch})
	return a
}

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) resolve(l Label) (int, error) {
	if int(l) < 0 || int(l) >= len(a.labels) {
		return 0, errors.Errorf("unknown label %d", l)
	}
	pos := a.labels[l]
	if pos < 0 {
		return 0, errors.Errorf("label %d never marked", l)
	}
	return pos, nil
}

// Finish resolves every label and returns the body and its exception table.
func (a *Assembler) Finish() ([]Instruction, []Handler, error) {
	if a.err != nil {
		return nil, nil, a.err
	}
	code := append([]Instruction(nil), a.code...)
	for _, f := range a.fixups {
		pos, err := a.resolve(f.label)
		if err != nil {
			return nil, nil, err
		}
		code[f.at].A = pos
	}
	var handlers []Handler
	for _, h := range a.handlers {
		start, err := a.resolve(h.start)
		if err != nil {
			return nil, nil, err
		}
		end, err := a.resolve(h.end)
		if err != nil {
			return nil, nil, err
		}
		target, err := a.resolve(h.target)
		if err != nil {
			return nil, nil, err
		}
		if start >= end {
			// empty ranges cover nothing
			continue
		}
		handlers = append(handlers, Handler{Start: start, End: end, Target: target, Catch: h.catch})
	}
	return code, handlers, nil
}

// Build finishes the body into m and verifies it.
func (a *Assembler) Build(m *Method) error {
	code, handlers, err := a.Finish()
	if err != nil {
		return err
	}
	m.Code = code
	m.Handlers = handlers
	return Verify(m)
}
