package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// ModuleExt is the file extension of loadable modules inside a package.
const ModuleExt = ".lua"

// IsolatedLoader resolves modules and resources for exactly one plugin package.
// Modules resolve from the package first and then from the shared host modules,
// never from another plugin's package.
type IsolatedLoader interface {
	// Load resolves a module by dotted name and returns its type.
	Load(name string) (*Type, error)
	// OpenResource opens a raw package entry without executing it.
	OpenResource(name string) (io.ReadCloser, error)
	// Entries lists the package entries.
	Entries() []string
	// Enter makes ctx the loader's active context until the returned func is called.
	Enter(ctx context.Context) (restore func())
	// Unload releases the package. Calling it again is a no-op.
	Unload() error
	// Path is the package file the loader was opened from.
	Path() string
}

// LuaLoader is an IsolatedLoader backed by a zip archive and a private Lua state.
//
// gopher-lua states are not goroutine-safe, so every use of L goes through mu.
type LuaLoader struct {
	path    string
	archive *zip.ReadCloser
	files   map[string]*zip.File
	entries []string
	host    *HostModules
	log     *logrus.Entry
	onClose func()

	mu      sync.Mutex
	L       *lua.LState
	modules map[string]lua.LValue
	types   map[string]*Type
	loading map[string]bool
	active  context.Context
	closed  bool
}

// LoaderOption configures a LuaLoader.
type LoaderOption func(*LuaLoader)

// WithHostModules sets the delegate consulted for modules the package lacks.
func WithHostModules(h *HostModules) LoaderOption {
	return func(l *LuaLoader) {
		l.host = h
	}
}

// WithLoaderLogger sets the logger used for plugd.log and loader diagnostics.
func WithLoaderLogger(log *logrus.Logger) LoaderOption {
	return func(l *LuaLoader) {
		if log != nil {
			l.log = log.WithField("package", l.path)
		}
	}
}

// WithCloseHook registers fn to run once when the loader is unloaded.
func WithCloseHook(fn func()) LoaderOption {
	return func(l *LuaLoader) {
		l.onClose = fn
	}
}

// OpenLoader opens the package at path and prepares an isolated Lua state for it.
func OpenLoader(path string, opts ...LoaderOption) (*LuaLoader, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPackageUnreadable, path, err)
	}

	l := &LuaLoader{
		path:    path,
		archive: archive,
		files:   make(map[string]*zip.File, len(archive.File)),
		log:     logrus.StandardLogger().WithField("package", path),
		modules: make(map[string]lua.LValue),
		types:   make(map[string]*Type),
		loading: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(f.Name, "./")
		l.files[name] = f
		l.entries = append(l.entries, name)
	}
	sort.Strings(l.entries)

	l.L = newLuaState()
	l.L.SetGlobal("require", l.L.NewFunction(l.luaRequire))

	return l, nil
}

// newLuaState creates a state with only the side-effect free standard libraries.
func newLuaState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetTop(0)

	// Code may only enter the state through require.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}

// Path returns the package file path.
func (l *LuaLoader) Path() string {
	return l.path
}

// Entries returns the package entries, sorted.
func (l *LuaLoader) Entries() []string {
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Closed reports whether Unload has been called.
func (l *LuaLoader) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Load resolves name from the package or the host modules. Results are cached;
// failed loads are not.
func (l *LuaLoader) Load(name string) (*Type, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoaderClosed
	}
	if t, ok := l.types[name]; ok {
		return t, nil
	}

	value, err := l.require(name)
	if err != nil {
		return nil, err
	}

	t := &Type{Name: name, loader: l}
	t.table, _ = value.(*lua.LTable)
	l.types[name] = t
	return t, nil
}

// OpenResource returns the contents of a package entry. The reader does not
// depend on the loader staying open.
func (l *LuaLoader) OpenResource(name string) (io.ReadCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoaderClosed
	}

	data, err := l.readEntry(name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Enter makes ctx the active context seen by code running in this loader.
// The returned func restores the previous context and is safe to call more than once.
func (l *LuaLoader) Enter(ctx context.Context) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	restore := l.enter(ctx)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			restore()
		})
	}
}

// ActiveContext returns the loader's current active context, nil when idle.
func (l *LuaLoader) ActiveContext() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// enter swaps the active context. Callers hold mu for both enter and restore.
func (l *LuaLoader) enter(ctx context.Context) func() {
	prev := l.active
	l.active = ctx
	if !l.closed {
		l.L.SetContext(ctx)
	}

	return func() {
		l.active = prev
		if l.closed {
			return
		}
		if prev == nil {
			l.L.RemoveContext()
		} else {
			l.L.SetContext(prev)
		}
	}
}

// Unload closes the Lua state and the package file.
func (l *LuaLoader) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	l.L.Close()
	l.modules = nil
	l.types = nil
	l.loading = nil

	err := l.archive.Close()
	if l.onClose != nil {
		l.onClose()
	}
	if err != nil {
		return fmt.Errorf("failed to close package %s: %w", l.path, err)
	}

	l.log.Debug("Unloaded plugin package")
	return nil
}

func (l *LuaLoader) readEntry(name string) ([]byte, error) {
	f, ok := l.files[strings.TrimPrefix(name, "/")]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// luaRequire is installed as the global require. Failures are raised as userdata
// carrying the Go error so enclosing loads can tell a missing dependency apart
// from other failures.
func (l *LuaLoader) luaRequire(L *lua.LState) int {
	name := L.CheckString(1)

	value, err := l.require(name)
	if err != nil {
		L.Error(l.errorValue(err), 1)
		return 0
	}

	L.Push(value)
	return 1
}

func (l *LuaLoader) errorValue(err error) lua.LValue {
	ud := l.L.NewUserData()
	ud.Value = err

	mt := l.L.NewTable()
	mt.RawSetString("__tostring", l.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(err.Error()))
		return 1
	}))
	ud.Metatable = mt
	return ud
}

// require resolves a module with mu held.
func (l *LuaLoader) require(name string) (lua.LValue, error) {
	if value, ok := l.modules[name]; ok {
		return value, nil
	}
	if l.loading[name] {
		return nil, &ModuleError{Module: name, Err: errors.New("circular require")}
	}

	if f, ok := l.files[ModuleEntry(name)]; ok {
		return l.execute(name, f)
	}

	var value lua.LValue
	switch mod, ok := l.host.lookup(name); {
	case name == HostModuleName:
		value = l.openHostAPI(l.L)
	case ok:
		value = mod(l.L)
	default:
		return nil, &ClassNotFoundError{Name: name}
	}

	l.modules[name] = value
	return value, nil
}

func (l *LuaLoader) execute(name string, f *zip.File) (lua.LValue, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, &ModuleError{Module: name, Err: err}
	}
	src, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, &ModuleError{Module: name, Err: err}
	}

	fn, err := l.L.Load(bytes.NewReader(src), "@"+f.Name)
	if err != nil {
		return nil, &ModuleError{Module: name, Err: err}
	}

	l.loading[name] = true
	defer delete(l.loading, name)

	l.L.Push(fn)
	if err := l.L.PCall(0, 1, nil); err != nil {
		return nil, moduleFailure(name, err)
	}

	value := l.L.Get(-1)
	l.L.Pop(1)
	if value == lua.LNil {
		value = lua.LTrue
	}

	l.modules[name] = value
	return value, nil
}

// moduleFailure turns an error raised while running module name into a typed error.
func moduleFailure(name string, err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if ud, ok := apiErr.Object.(*lua.LUserData); ok {
			if inner, ok := ud.Value.(error); ok {
				var missing *MissingDependencyError
				var notFound *ClassNotFoundError
				switch {
				case errors.As(inner, &missing):
					return &MissingDependencyError{Module: name, Dependency: missing.Dependency}
				case errors.As(inner, &notFound):
					return &MissingDependencyError{Module: name, Dependency: notFound.Name}
				default:
					return &ModuleError{Module: name, Err: inner}
				}
			}
		}
	}
	return &ModuleError{Module: name, Err: err}
}

// ModuleEntry maps a dotted module name to its package entry.
func ModuleEntry(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ModuleExt
}

// ModuleName maps a package entry to its dotted module name.
func ModuleName(entry string) string {
	return strings.ReplaceAll(strings.TrimSuffix(entry, ModuleExt), "/", ".")
}
