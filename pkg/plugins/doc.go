// Package plugins loads and manages runtime plugin packages.
//
// # Overview
//
// A plugin package is a zip archive holding a manifest (plugin.json or plugin.yaml)
// and Lua modules. Each installed plugin gets its own Lua state, so modules
// resolve from the plugin's own package first and then from the shared host
// modules, never from another plugin.
//
// # Components
//
// LuaLoader: isolated loader for one package (Load, OpenResource, Unload)
// Discoverer: finds the single entry point in a package
// Registry: key to instance and key to loader maps
// Manager: install, replace and uninstall with the hook conflict policy
//
// # Entry Points
//
// An entry point is a module whose name ends in "Plugin" and whose table is
// marked through the host module:
//
//	local plugd = require("plugd")
//	local GreeterPlugin = plugd.plugin({})
//	GreeterPlugin.__index = GreeterPlugin
//
//	function GreeterPlugin.new()
//		return setmetatable({}, GreeterPlugin)
//	end
//
//	function GreeterPlugin:greet(name)
//		return "hello " .. name
//	end
//
//	return GreeterPlugin
//
// # Installing
//
//	mgr := plugins.NewManager(store, plugins.WithLogger(log))
//	result, err := mgr.Install(ctx, "/var/lib/plugd/greeter.zip", false)
//	if err != nil {
//		return err
//	}
//	if !result.Installed() {
//		// result.Confirmation.Message explains what a forced install would change
//	}
//
// Uninstalling an unknown key is not an error. Unloading closes the Lua state and
// the package file handle.
package plugins
