package code

import (
	"fmt"
	"io"
	"strings"
)

// Disassemble writes a listing of m to w.
func Disassemble(w io.Writer, m *Method) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "method %s.%s%s", m.Owner, m.Name, m.Desc)
	var flags []string
	if m.IsStatic() {
		flags = append(flags, "static")
	}
	if m.IsAbstract() {
		flags = append(flags, "abstract")
	}
	if m.IsNative() {
		flags = append(flags, "native")
	}
	if m.IsWoven() {
		flags = append(flags, fmt.Sprintf("woven(%d)", len(m.Origin.Bindings)))
	}
	if len(flags) > 0 {
		sb.WriteString(" [" + strings.Join(flags, " ") + "]")
	}
	sb.WriteString("\n")
	if m.HasBody() {
		fmt.Fprintf(&sb, "  ; locals=%d stack=%d\n", m.MaxLocals, m.MaxStack)
	}
	targets := make(map[int]bool)
	for _, ins := range m.Code {
		if ins.Op.IsJump() {
			targets[ins.A] = true
		}
	}
	for _, h := range m.Handlers {
		targets[h.Target] = true
	}
	for pc, ins := range m.Code {
		mark := " "
		if targets[pc] {
			mark = ">"
		}
		fmt.Fprintf(&sb, " %s%04d  %s\n", mark, pc, ins)
	}
	if len(m.Handlers) > 0 {
		sb.WriteString("  ; handlers\n")
		for _, h := range m.Handlers {
			catch := h.Catch
			if catch == "" {
				catch = "any"
			}
			fmt.Fprintf(&sb, "  [%04d, %04d) -> %04d catch %s\n", h.Start, h.End, h.Target, catch)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// DisassembleClass lists every method of c.
func DisassembleClass(w io.Writer, c *Class) error {
	if _, err := fmt.Fprintf(w, "class %s extends %s\n", c.Name, c.SuperName()); err != nil {
		return err
	}
	for _, f := range c.Fields {
		static := ""
		if f.Static {
			static = "static "
		}
		if _, err := fmt.Fprintf(w, "  field %s%s %s\n", static, f.Name, f.Desc); err != nil {
			return err
		}
	}
	for _, m := range c.Methods {
		if err := Disassemble(w, m); err != nil {
			return err
		}
	}
	return nil
}
