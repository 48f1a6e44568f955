package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// PluginSuffix is the required suffix of an entry point's module name.
const PluginSuffix = "Plugin"

// Type is a module resolved by a loader.
type Type struct {
	Name string

	loader *LuaLoader
	table  *lua.LTable
}

// SimpleName returns the last segment of the dotted module name.
func (t *Type) SimpleName() string {
	if i := strings.LastIndex(t.Name, "."); i >= 0 {
		return t.Name[i+1:]
	}
	return t.Name
}

// IsPlugin reports whether the module carries the plugin marker.
func (t *Type) IsPlugin() bool {
	if t.table == nil {
		return false
	}
	t.loader.mu.Lock()
	defer t.loader.mu.Unlock()
	return lua.LVAsBool(t.table.RawGetString(MarkerField))
}

// instantiate calls the entry point's zero-argument constructor new().
func (t *Type) instantiate(ctx context.Context, key string) (*Instance, error) {
	l := t.loader
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("%w: %v", ErrInstantiationFailed, ErrLoaderClosed)
	}
	if t.table == nil {
		return nil, fmt.Errorf("%w: %s is not a table", ErrInstantiationFailed, t.Name)
	}

	ctor, ok := t.table.RawGetString("new").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no new()", ErrInstantiationFailed, t.Name)
	}

	restore := l.enter(WithActiveLoader(ctx, l))
	defer restore()

	if err := l.L.CallByParam(lua.P{Fn: ctor, NRet: 1, Protect: true}); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInstantiationFailed, t.Name, err)
	}
	obj := l.L.Get(-1)
	l.L.Pop(1)

	tbl, ok := obj.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: %s.new() returned %s", ErrInstantiationFailed, t.Name, obj.Type())
	}

	return &Instance{
		key:       key,
		typeName:  t.Name,
		object:    tbl,
		loader:    l,
		createdAt: time.Now(),
	}, nil
}

// Instance is a live plugin entry point object.
type Instance struct {
	key       string
	typeName  string
	object    *lua.LTable
	loader    *LuaLoader
	createdAt time.Time
}

// Key returns the key the instance is registered under.
func (i *Instance) Key() string { return i.key }

// TypeName returns the entry point's module name.
func (i *Instance) TypeName() string { return i.typeName }

// CreatedAt returns when the instance was constructed.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// Loader returns the loader that owns the instance.
func (i *Instance) Loader() IsolatedLoader { return i.loader }

// HasMethod reports whether the object responds to method, including methods
// reached through its metatable.
func (i *Instance) HasMethod(method string) bool {
	l := i.loader
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	_, ok := l.L.GetField(i.object, method).(*lua.LFunction)
	return ok
}

// Invoke calls object:method(args...) inside the plugin's loader and returns the
// converted results. Calls into one plugin are serialized.
func (i *Instance) Invoke(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	l := i.loader
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoaderClosed
	}

	fn, ok := l.L.GetField(i.object, method).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, i.typeName, method)
	}

	restore := l.enter(WithActiveLoader(ctx, l))
	defer restore()

	base := l.L.GetTop()
	l.L.Push(fn)
	l.L.Push(i.object)
	for _, arg := range args {
		l.L.Push(toLua(l.L, arg))
	}

	if err := l.L.PCall(len(args)+1, lua.MultRet, nil); err != nil {
		l.L.SetTop(base)
		return nil, &ModuleError{Module: i.typeName, Err: err}
	}

	top := l.L.GetTop()
	results := make([]interface{}, 0, top-base)
	for idx := base + 1; idx <= top; idx++ {
		results = append(results, toGo(l.L.Get(idx)))
	}
	l.L.SetTop(base)

	return results, nil
}
