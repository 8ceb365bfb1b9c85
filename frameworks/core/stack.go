package core

// Stack is the explicit handle of one logical call stack. Woven code threads
// it through every interceptor call, and per call stack state such as scope
// invocations lives on it.
//
// A Stack belongs to a single goroutine at a time and is not safe for
// concurrent use.
type Stack struct {
	values map[any]any
}

func NewStack() *Stack {
	return &Stack{}
}

// Value returns the value stored under key, or nil.
func (s *Stack) Value(key any) any {
	if s == nil || s.values == nil {
		return nil
	}
	return s.values[key]
}

// SetValue stores v under key; a nil v removes the key.
func (s *Stack) SetValue(key, v any) {
	if v == nil {
		delete(s.values, key)
		return
	}
	if s.values == nil {
		s.values = make(map[any]any)
	}
	s.values[key] = v
}

// Empty reports whether nothing is stored on the stack.
func (s *Stack) Empty() bool {
	return s == nil || len(s.values) == 0
}
