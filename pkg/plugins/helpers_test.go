package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// writePackage builds a plugin package from name -> content pairs.
func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "plugin.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	return path
}

func manifestJSON(key, hook string) string {
	if hook == "" {
		return fmt.Sprintf(`{"key": %q, "name": "Test %s", "version": "1.0.0"}`, key, key)
	}
	return fmt.Sprintf(`{"key": %q, "hook": %q, "name": "Test %s", "version": "1.0.0"}`, key, hook, key)
}

// greeterSource is an entry point whose greet method prefixes greeting.
func greeterSource(greeting string) string {
	return fmt.Sprintf(`
local plugd = require("plugd")
local P = plugd.plugin({})
P.__index = P

function P.new()
	return setmetatable({greeting = %q}, P)
end

function P:greet(name)
	return self.greeting .. " " .. name
end

function P:add(a, b)
	return a + b
end

return P
`, greeting)
}

// greeterPackage builds a valid package with one entry point.
func greeterPackage(t *testing.T, key, hook, greeting string) string {
	t.Helper()
	return writePackage(t, map[string]string{
		"plugin.json":               manifestJSON(key, hook),
		"greeter/GreeterPlugin.lua": greeterSource(greeting),
	})
}

type countingRecorder struct {
	opened   atomic.Int64
	closed   atomic.Int64
	loaded   atomic.Int64
	installs atomic.Int64
}

func (r *countingRecorder) InstallCompleted(string, time.Duration) { r.installs.Add(1) }
func (r *countingRecorder) Uninstalled(string)                     {}
func (r *countingRecorder) SetLoaded(n int)                        { r.loaded.Store(int64(n)) }
func (r *countingRecorder) LoaderOpened()                          { r.opened.Add(1) }
func (r *countingRecorder) LoaderClosed()                          { r.closed.Add(1) }

// open returns the number of package handles currently held.
func (r *countingRecorder) open() int64 {
	return r.opened.Load() - r.closed.Load()
}

func noHooks() HookResolver {
	return HookResolverFunc(func(context.Context, string) (*PluginRecord, error) {
		return nil, nil
	})
}

func hookHeldBy(id, key string) HookResolver {
	return HookResolverFunc(func(context.Context, string) (*PluginRecord, error) {
		return &PluginRecord{ID: id, Key: key}, nil
	})
}
