// Package apimeta assigns the api ids interceptors report methods by.
package apimeta

import (
	"sync"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/pkg/errors"
)

var ErrExhausted = errors.New("api id space exhausted")

// Entry pairs an id with the method it was assigned to.
type Entry struct {
	ID     int32                 `yaml:"id"`
	Method core.MethodDescriptor `yaml:"method"`
}

// Dictionary hands out ids first come first served, starting at 1. An id
// stays assigned to its method for the life of the dictionary.
type Dictionary struct {
	mu      sync.RWMutex
	ids     map[core.MethodDescriptor]int32
	methods []core.MethodDescriptor
}

func NewDictionary() *Dictionary {
	return &Dictionary{ids: make(map[core.MethodDescriptor]int32)}
}

func (d *Dictionary) ApiID(m core.MethodDescriptor) (int32, error) {
	d.mu.RLock()
	id, ok := d.ids[m]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok = d.ids[m]; ok {
		return id, nil
	}
	if len(d.methods) >= 1<<31-1 {
		return 0, errors.Wrapf(ErrExhausted, "method %s", m)
	}
	d.methods = append(d.methods, m)
	id = int32(len(d.methods))
	d.ids[m] = id
	return id, nil
}

// Lookup returns the method id was assigned to.
func (d *Dictionary) Lookup(id int32) (core.MethodDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id < 1 || int(id) > len(d.methods) {
		return core.MethodDescriptor{}, false
	}
	return d.methods[id-1], true
}

func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.methods)
}

// Entries lists every assignment in id order.
func (d *Dictionary) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, len(d.methods))
	for i, m := range d.methods {
		out[i] = Entry{ID: int32(i + 1), Method: m}
	}
	return out
}
