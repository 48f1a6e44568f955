package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newTestManager(t *testing.T, hooks HookResolver, opts ...ManagerOption) (*Manager, *countingRecorder) {
	t.Helper()

	log, _ := test.NewNullLogger()
	rec := &countingRecorder{}
	opts = append([]ManagerOption{WithLogger(log), WithMetrics(rec)}, opts...)
	mgr := NewManager(hooks, opts...)
	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
	})
	return mgr, rec
}

func TestManager_Install(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())
	ctx := context.Background()

	result, err := mgr.Install(ctx, greeterPackage(t, "greeter", "", "hello"), false)
	require.NoError(t, err)
	require.True(t, result.Installed())
	assert.Equal(t, OutcomeInstalled, result.Outcome)
	assert.Equal(t, "greeter", result.Manifest.Key)
	assert.Equal(t, "1.0.0", result.Manifest.Version)
	assert.Empty(t, result.Manifest.ReplaceTargetID)
	assert.Nil(t, result.Confirmation)

	inst, err := mgr.GetInstance("greeter")
	require.NoError(t, err)
	assert.Equal(t, "greeter", inst.Key())
	assert.Equal(t, "greeter.GreeterPlugin", inst.TypeName())

	out, err := inst.Invoke(ctx, "greet", "bob")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"hello bob"}, out)

	out, err = inst.Invoke(ctx, "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(5)}, out)

	loader, ok := mgr.GetLoader("greeter")
	require.True(t, ok)
	assert.Same(t, inst.Loader(), loader)

	assert.Equal(t, []string{"greeter"}, mgr.Keys())
	assert.Equal(t, int64(1), rec.open())
	assert.Equal(t, int64(1), rec.loaded.Load())
}

func TestManager_InstallFailures(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		wantErr error
	}{
		{
			name:    "missing manifest",
			files:   map[string]string{"a/APlugin.lua": greeterSource("hi")},
			wantErr: ErrMissingManifest,
		},
		{
			name: "missing key",
			files: map[string]string{
				"plugin.json":   `{"name": "no key"}`,
				"a/APlugin.lua": greeterSource("hi"),
			},
			wantErr: ErrMissingKey,
		},
		{
			name: "invalid manifest",
			files: map[string]string{
				"plugin.json": `{"key": [`,
			},
			wantErr: ErrInvalidManifest,
		},
		{
			name: "no entry point",
			files: map[string]string{
				"plugin.json":  manifestJSON("empty", ""),
				"lib/util.lua": `return {}`,
			},
			wantErr: ErrNoPluginFound,
		},
		{
			name: "marked module without suffix",
			files: map[string]string{
				"plugin.json":   manifestJSON("nosuffix", ""),
				"a/Greeter.lua": greeterSource("hi"),
			},
			wantErr: ErrNoPluginFound,
		},
		{
			name: "multiple entry points",
			files: map[string]string{
				"plugin.json":   manifestJSON("twins", ""),
				"a/APlugin.lua": greeterSource("a"),
				"b/BPlugin.lua": greeterSource("b"),
			},
			wantErr: ErrMultiplePluginsFound,
		},
		{
			name: "no constructor",
			files: map[string]string{
				"plugin.json":   manifestJSON("noctor", ""),
				"a/APlugin.lua": `return require("plugd").plugin({})`,
			},
			wantErr: ErrInstantiationFailed,
		},
		{
			name: "constructor raises",
			files: map[string]string{
				"plugin.json": manifestJSON("badctor", ""),
				"a/APlugin.lua": `
local P = require("plugd").plugin({})
function P.new() error("cannot build") end
return P`,
			},
			wantErr: ErrInstantiationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, rec := newTestManager(t, noHooks())

			result, err := mgr.Install(context.Background(), writePackage(t, tt.files), false)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, mgr.Keys())
			assert.Equal(t, int64(0), rec.open(), "package handle leaked")
		})
	}
}

func TestManager_InstallUnreadable(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())

	_, err := mgr.Install(context.Background(), "/nonexistent/plugin.zip", false)
	assert.ErrorIs(t, err, ErrPackageUnreadable)
	assert.Equal(t, int64(0), rec.opened.Load())
}

func TestManager_DiscoverySkipsMissingDependency(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())

	path := writePackage(t, map[string]string{
		"plugin.json":               manifestJSON("partial", ""),
		"greeter/GreeterPlugin.lua": greeterSource("hey"),
		"optional/extra.lua":        `return require("optional.vendor.Missing")`,
	})

	result, err := mgr.Install(context.Background(), path, false)
	require.NoError(t, err)
	assert.True(t, result.Installed())
	assert.Equal(t, int64(1), rec.open())
}

func TestManager_DiscoverySkipsDottedFileNames(t *testing.T) {
	mgr, _ := newTestManager(t, noHooks())

	path := writePackage(t, map[string]string{
		"plugin.json":               manifestJSON("bundled", ""),
		"greeter/GreeterPlugin.lua": greeterSource("hey"),
		"lib/json.min.lua":          `error("never loaded")`,
	})

	result, err := mgr.Install(context.Background(), path, false)
	require.NoError(t, err)
	assert.True(t, result.Installed())
	assert.Equal(t, []string{"bundled"}, mgr.Keys())
}

func TestManager_DiscoveryPropagatesOtherErrors(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())

	path := writePackage(t, map[string]string{
		"plugin.json":               manifestJSON("broken", ""),
		"greeter/GreeterPlugin.lua": greeterSource("hey"),
		"lib/bad.lua":               `error("static init failed")`,
	})

	_, err := mgr.Install(context.Background(), path, false)
	require.Error(t, err)

	var modErr *ModuleError
	assert.True(t, errors.As(err, &modErr))
	assert.Empty(t, mgr.Keys())
	assert.Equal(t, int64(0), rec.open())
}

func TestManager_HookConflict(t *testing.T) {
	t.Run("without force", func(t *testing.T) {
		mgr, rec := newTestManager(t, hookHeldBy("rec-1", "other"))

		result, err := mgr.Install(context.Background(), greeterPackage(t, "greeter", "on_message", "hi"), false)
		require.NoError(t, err)
		assert.False(t, result.Installed())
		assert.Equal(t, OutcomeNeedsConfirmation, result.Outcome)
		require.NotNil(t, result.Confirmation)
		assert.Equal(t, CodeNeedsConfirmation, result.Confirmation.Code)
		assert.Equal(t, ReasonHookConflict, result.Confirmation.Reason)
		assert.Contains(t, result.Confirmation.Message, "on_message")

		_, err = mgr.GetInstance("greeter")
		assert.ErrorIs(t, err, ErrPluginNotFound)
		assert.Equal(t, int64(0), rec.open())
	})

	t.Run("with force", func(t *testing.T) {
		mgr, _ := newTestManager(t, hookHeldBy("rec-1", "other"))

		result, err := mgr.Install(context.Background(), greeterPackage(t, "greeter", "on_message", "hi"), true)
		require.NoError(t, err)
		assert.True(t, result.Installed())
		assert.Equal(t, "rec-1", result.Manifest.ReplaceTargetID)

		_, err = mgr.GetInstance("greeter")
		assert.NoError(t, err)
	})

	t.Run("same key holds hook", func(t *testing.T) {
		mgr, _ := newTestManager(t, hookHeldBy("rec-1", "greeter"))

		result, err := mgr.Install(context.Background(), greeterPackage(t, "greeter", "on_message", "hi"), false)
		require.NoError(t, err)
		assert.True(t, result.Installed())
		assert.Empty(t, result.Manifest.ReplaceTargetID)
	})

	t.Run("resolver failure", func(t *testing.T) {
		mgr, rec := newTestManager(t, HookResolverFunc(func(context.Context, string) (*PluginRecord, error) {
			return nil, errors.New("db down")
		}))

		_, err := mgr.Install(context.Background(), greeterPackage(t, "greeter", "on_message", "hi"), false)
		assert.ErrorContains(t, err, "db down")
		assert.Equal(t, int64(0), rec.open())
	})

	t.Run("no resolver", func(t *testing.T) {
		mgr, _ := newTestManager(t, nil)

		result, err := mgr.Install(context.Background(), greeterPackage(t, "greeter", "on_message", "hi"), false)
		require.NoError(t, err)
		assert.True(t, result.Installed())
	})
}

func TestManager_DuplicateKey(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())
	ctx := context.Background()

	_, err := mgr.Install(ctx, greeterPackage(t, "greeter", "", "hello"), false)
	require.NoError(t, err)
	original, err := mgr.GetInstance("greeter")
	require.NoError(t, err)
	originalLoader, _ := mgr.GetLoader("greeter")

	result, err := mgr.Install(ctx, greeterPackage(t, "greeter", "", "bonjour"), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsConfirmation, result.Outcome)
	assert.Equal(t, ReasonKeyExists, result.Confirmation.Reason)
	assert.Equal(t, "plugin \"greeter\" already exists, reinstalling will overwrite it", result.Confirmation.Message)

	current, err := mgr.GetInstance("greeter")
	require.NoError(t, err)
	assert.Same(t, original, current)
	assert.Equal(t, int64(1), rec.open(), "rejected package must be released")

	result, err = mgr.Install(ctx, greeterPackage(t, "greeter", "", "bonjour"), true)
	require.NoError(t, err)
	assert.True(t, result.Installed())

	replaced, err := mgr.GetInstance("greeter")
	require.NoError(t, err)
	assert.NotSame(t, original, replaced)

	out, err := replaced.Invoke(ctx, "greet", "alice")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"bonjour alice"}, out)

	assert.True(t, originalLoader.(*LuaLoader).Closed(), "superseded loader must be unloaded")
	assert.Equal(t, int64(1), rec.open())
	assert.Equal(t, []string{"greeter"}, mgr.Keys())
}

func TestManager_Uninstall(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())
	ctx := context.Background()

	ok, err := mgr.Uninstall(ctx, "unknown")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = mgr.Install(ctx, greeterPackage(t, "greeter", "", "hello"), false)
	require.NoError(t, err)
	loader, _ := mgr.GetLoader("greeter")

	ok, err = mgr.Uninstall(ctx, "greeter")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = mgr.GetInstance("greeter")
	assert.ErrorIs(t, err, ErrPluginNotFound)
	_, found := mgr.GetLoader("greeter")
	assert.False(t, found)

	_, err = loader.OpenResource("plugin.json")
	assert.ErrorIs(t, err, ErrLoaderClosed)
	assert.Equal(t, int64(0), rec.open())

	ok, err = mgr.Uninstall(ctx, "greeter")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = mgr.Uninstall(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	// per-key locks do not outlive the operations that took them
	assert.Empty(t, mgr.registry.locks)
}

func TestManager_UninstallRunsDestroy(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	mgr, _ := newTestManager(t, noHooks(), WithLogger(log))
	ctx := context.Background()

	path := writePackage(t, map[string]string{
		"plugin.json": manifestJSON("closer", ""),
		"c/CloserPlugin.lua": `
local plugd = require("plugd")
local P = plugd.plugin({})
function P.new() return {destroy = function() plugd.log("info", "closer destroyed") end} end
return P`,
	})

	_, err := mgr.Install(ctx, path, false)
	require.NoError(t, err)

	_, err = mgr.Uninstall(ctx, "closer")
	require.NoError(t, err)

	var messages []string
	for _, entry := range hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "closer destroyed")
}

func TestManager_ActiveContextRestored(t *testing.T) {
	host := NewHostModules()
	require.NoError(t, host.Register("scope", func(L *lua.LState) lua.LValue {
		mod := L.NewTable()
		L.SetField(mod, "active", L.NewFunction(func(L *lua.LState) int {
			loader, ok := ActiveLoader(L.Context())
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(loader.Path()))
			return 1
		}))
		return mod
	}))

	mgr, _ := newTestManager(t, noHooks(), WithHost(host))
	ctx := context.Background()

	path := writePackage(t, map[string]string{
		"plugin.json": manifestJSON("scope", ""),
		"p/ScopePlugin.lua": `
local scope = require("scope")
local P = require("plugd").plugin({})
P.__index = P
local seen
function P.new()
	seen = scope.active()
	return setmetatable({}, P)
end
function P:constructedIn() return seen end
function P:activeNow() return scope.active() end
return P`,
	})

	_, err := mgr.Install(ctx, path, false)
	require.NoError(t, err)

	_, ok := ActiveLoader(ctx)
	assert.False(t, ok, "caller context must be unchanged")

	loader, _ := mgr.GetLoader("scope")
	assert.Nil(t, loader.(*LuaLoader).ActiveContext())

	inst, err := mgr.GetInstance("scope")
	require.NoError(t, err)

	out, err := inst.Invoke(ctx, "constructedIn")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{path}, out)

	out, err = inst.Invoke(ctx, "activeNow")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{path}, out)
	assert.Nil(t, loader.(*LuaLoader).ActiveContext())

	_, err = mgr.Uninstall(ctx, "scope")
	require.NoError(t, err)
	_, ok = ActiveLoader(ctx)
	assert.False(t, ok)
}

func TestManager_Isolation(t *testing.T) {
	mgr, _ := newTestManager(t, noHooks())
	ctx := context.Background()

	entry := `
local util = require("shared.util")
local P = require("plugd").plugin({})
function P.new() return {name = function() return util.name end} end
return P`

	for _, name := range []string{"alpha", "beta"} {
		path := writePackage(t, map[string]string{
			"plugin.json":         manifestJSON(name, ""),
			"shared/util.lua":     `return {name = "` + name + `"}`,
			"app/EntryPlugin.lua": entry,
		})
		_, err := mgr.Install(ctx, path, false)
		require.NoError(t, err)
	}

	for _, name := range []string{"alpha", "beta"} {
		inst, err := mgr.GetInstance(name)
		require.NoError(t, err)
		out, err := inst.Invoke(ctx, "name")
		require.NoError(t, err)
		assert.Equal(t, []interface{}{name}, out)
	}
}

func TestManager_ConcurrentSameKey(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())
	ctx := context.Background()

	const workers = 8
	paths := make([]string, workers)
	for i := range paths {
		paths[i] = greeterPackage(t, "race", "", "hi")
	}

	var wg sync.WaitGroup
	results := make([]*InstallResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.Install(ctx, paths[i], false)
		}(i)
	}
	wg.Wait()

	installedCount := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Installed() {
			installedCount++
		} else {
			assert.Equal(t, ReasonKeyExists, results[i].Confirmation.Reason)
		}
	}
	assert.Equal(t, 1, installedCount)
	assert.Equal(t, int64(1), rec.open())
}

func TestManager_InvokeErrors(t *testing.T) {
	mgr, _ := newTestManager(t, noHooks())
	ctx := context.Background()

	_, err := mgr.Install(ctx, greeterPackage(t, "greeter", "", "hello"), false)
	require.NoError(t, err)
	inst, err := mgr.GetInstance("greeter")
	require.NoError(t, err)

	_, err = inst.Invoke(ctx, "missing")
	assert.ErrorIs(t, err, ErrMethodNotFound)

	_, err = inst.Invoke(ctx, "add", "x", map[string]interface{}{"a": 1})
	var modErr *ModuleError
	assert.True(t, errors.As(err, &modErr))

	_, err = mgr.Uninstall(ctx, "greeter")
	require.NoError(t, err)
	_, err = inst.Invoke(ctx, "greet", "late")
	assert.ErrorIs(t, err, ErrLoaderClosed)
}

func TestManager_Shutdown(t *testing.T) {
	mgr, rec := newTestManager(t, noHooks())
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := mgr.Install(ctx, greeterPackage(t, key, "", "hi"), false)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), rec.open())

	require.NoError(t, mgr.Shutdown(ctx))
	assert.Empty(t, mgr.Keys())
	assert.Equal(t, int64(0), rec.open())
	assert.Equal(t, int64(0), rec.loaded.Load())
}
