package scope

import (
	"fmt"
)

type frame struct {
	policy Policy
	fired  bool
}

// Invocation is the state of one scope on one call stack. Every TryEnter
// pushes a frame, every Leave pops one, so the depth is balanced no matter
// which stages fired.
type Invocation struct {
	name       string
	frames     []frame
	active     int // frames that fired
	attachment any
}

func newInvocation(name string) *Invocation {
	return &Invocation{name: name, frames: make([]frame, 0, 4)}
}

func (i *Invocation) Name() string {
	return i.name
}

// Depth counts every entered frame, fired or not.
func (i *Invocation) Depth() int {
	return len(i.frames)
}

// IsActive reports whether a fired frame is open on this stack.
func (i *Invocation) IsActive() bool {
	return i.active > 0
}

// TryEnter decides whether the before stage of a call site with policy p
// runs, and records the decision for the matching CanLeave.
func (i *Invocation) TryEnter(p Policy) bool {
	var fire bool
	switch p {
	case Always:
		fire = true
	case Boundary:
		fire = i.active == 0
	case Internal:
		fire = i.active > 0
	}
	i.frames = append(i.frames, frame{policy: p, fired: fire})
	if fire {
		i.active++
	}
	return fire
}

// CanLeave reports whether the after stage runs: exactly when the before
// stage of the same invocation ran.
func (i *Invocation) CanLeave(p Policy) bool {
	if len(i.frames) == 0 {
		return false
	}
	top := i.frames[len(i.frames)-1]
	return top.fired && top.policy == p
}

// Leave pops the frame pushed by the matching TryEnter. It reports false for
// an unbalanced call, which leaves the state untouched.
func (i *Invocation) Leave(p Policy) bool {
	if len(i.frames) == 0 {
		return false
	}
	top := i.frames[len(i.frames)-1]
	if top.policy != p {
		return false
	}
	i.frames = i.frames[:len(i.frames)-1]
	if top.fired {
		i.active--
	}
	if len(i.frames) == 0 {
		i.attachment = nil
	}
	return true
}

func (i *Invocation) Attachment() any {
	return i.attachment
}

// SetAttachment stores v until the invocation returns to idle. It returns the
// previous attachment.
func (i *Invocation) SetAttachment(v any) any {
	old := i.attachment
	i.attachment = v
	return old
}

func (i *Invocation) RemoveAttachment() any {
	return i.SetAttachment(nil)
}

func (i *Invocation) String() string {
	return fmt.Sprintf("Invocation{name=%s, depth=%d, active=%d}", i.name, len(i.frames), i.active)
}
