// Package gls keeps one core.Stack per goroutine for code that cannot pass the
// stack handle explicitly, such as woven Go source.
package gls

import (
	"sync"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/petermattis/goid"
)

// entry is only read and written by the goroutine it belongs to, so refs
// needs no synchronization of its own.
type entry struct {
	stack *core.Stack
	refs  int
}

// Stacks maps goroutine ids to stacks. An entry lives while at least one
// Acquire on that goroutine is not yet released, so idle goroutines hold
// nothing. Each goroutine only stores and deletes its own key, which keeps
// the table free of locks on the call path.
type Stacks struct {
	entries sync.Map // int64 -> *entry
}

func New() *Stacks {
	return &Stacks{}
}

// Acquire returns the stack of the calling goroutine and takes a reference
// on it. Every Acquire must be paired with a Release on the same goroutine.
func (s *Stacks) Acquire() *core.Stack {
	id := goid.Get()
	if v, ok := s.entries.Load(id); ok {
		e := v.(*entry)
		e.refs++
		return e.stack
	}
	e := &entry{stack: core.NewStack(), refs: 1}
	s.entries.Store(id, e)
	return e.stack
}

// Current returns the stack of the calling goroutine without taking a
// reference, or nil when the goroutine is not inside an instrumented call.
func (s *Stacks) Current() *core.Stack {
	if v, ok := s.entries.Load(goid.Get()); ok {
		return v.(*entry).stack
	}
	return nil
}

// Release drops a reference taken by Acquire. It reports false when the
// goroutine holds no reference.
func (s *Stacks) Release() bool {
	id := goid.Get()
	v, ok := s.entries.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.refs--
	if e.refs <= 0 {
		s.entries.Delete(id)
	}
	return true
}

// Len is the number of goroutines currently holding a stack.
func (s *Stacks) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
