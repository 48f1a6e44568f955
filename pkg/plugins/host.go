package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// HostModuleName is the module every plugin can require to reach host APIs.
const HostModuleName = "plugd"

// MarkerField is set on a module table to mark it as a plugin entry point.
const MarkerField = "__plugin"

// HostModule builds a shared module inside a plugin's Lua state.
type HostModule func(L *lua.LState) lua.LValue

// HostModules is the delegate consulted when a module is not found in a package.
// Modules registered here are shared by every plugin; each plugin still gets its
// own instance built inside its own state.
type HostModules struct {
	mu      sync.RWMutex
	modules map[string]HostModule
}

// NewHostModules creates an empty host module set. The plugd module is always
// available and does not need registering.
func NewHostModules() *HostModules {
	return &HostModules{modules: make(map[string]HostModule)}
}

// Register adds a host module.
func (h *HostModules) Register(name string, mod HostModule) error {
	if name == "" || mod == nil {
		return fmt.Errorf("host module requires a name and a builder")
	}
	if name == HostModuleName {
		return fmt.Errorf("host module name %q is reserved", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.modules[name]; exists {
		return fmt.Errorf("host module already registered: %s", name)
	}
	h.modules[name] = mod
	return nil
}

// Names returns the registered module names, sorted.
func (h *HostModules) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.modules)+1)
	names = append(names, HostModuleName)
	for name := range h.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *HostModules) lookup(name string) (HostModule, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	mod, ok := h.modules[name]
	return mod, ok
}

// openHostAPI builds the plugd module for one loader. It runs with the loader lock
// held, so its functions use the unlocked accessors.
func (l *LuaLoader) openHostAPI(L *lua.LState) lua.LValue {
	mod := L.NewTable()

	L.SetField(mod, "plugin", L.NewFunction(func(L *lua.LState) int {
		tbl := L.OptTable(1, L.NewTable())
		tbl.RawSetString(MarkerField, lua.LTrue)
		L.Push(tbl)
		return 1
	}))

	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		level, err := logrus.ParseLevel(L.CheckString(1))
		if err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
		l.log.Log(level, L.CheckString(2))
		return 0
	}))

	L.SetField(mod, "resource", L.NewFunction(func(L *lua.LState) int {
		data, err := l.readEntry(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(data))
		return 1
	}))

	return mod
}
