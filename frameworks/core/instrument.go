package core

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// FactoryContext describes the call site an interceptor is created for. The
// id is reserved in the registry before the factory runs.
type FactoryContext struct {
	ID     int
	Method MethodDescriptor
	ApiID  int32
}

// Factory builds the interceptor bound to one call site.
type Factory func(ctx FactoryContext) (any, error)

// Instrument is implemented by plugins; it contributes named interceptor
// factories to a catalog.
type Instrument interface {
	Name() string
	Register(catalog *Catalog) error
}

var ErrUnknownInterceptor = errors.New("unknown interceptor")

// Catalog resolves interceptor names used in rules and generated code to
// factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

func (c *Catalog) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return errors.New("interceptor name and factory are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[name]; ok {
		return errors.Errorf("interceptor %q already registered", name)
	}
	c.factories[name] = f
	return nil
}

// Singleton registers a factory that always returns ic.
func (c *Catalog) Singleton(name string, ic any) error {
	return c.Register(name, func(FactoryContext) (any, error) { return ic, nil })
}

// Install lets every plugin register its factories.
func (c *Catalog) Install(instruments ...Instrument) error {
	for _, inst := range instruments {
		if err := inst.Register(c); err != nil {
			return errors.Wrapf(err, "install %s", inst.Name())
		}
	}
	return nil
}

func (c *Catalog) New(name string, ctx FactoryContext) (any, error) {
	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownInterceptor, "%q", name)
	}
	ic, err := f(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "create interceptor %q", name)
	}
	return ic, nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ApiIDResolver maps a method description to the small integer id the
// collector knows it by.
type ApiIDResolver interface {
	ApiID(method MethodDescriptor) (int32, error)
}
