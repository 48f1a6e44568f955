package plugins

import (
	"sort"
	"sync"
)

// Registry holds the live instance and owning loader of every installed plugin.
// Lookups never block; writers for the same key are serialized with a per-key lock.
type Registry struct {
	instances sync.Map // key -> *Instance
	loaders   sync.Map // key -> IsolatedLoader

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// keyLock is dropped from the registry once no writer holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// GetInstance returns the instance registered under key.
func (r *Registry) GetInstance(key string) (*Instance, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	v, ok := r.instances.Load(key)
	if !ok {
		return nil, ErrPluginNotFound
	}
	return v.(*Instance), nil
}

// GetLoader returns the loader registered under key.
func (r *Registry) GetLoader(key string) (IsolatedLoader, bool) {
	v, ok := r.loaders.Load(key)
	if !ok {
		return nil, false
	}
	return v.(IsolatedLoader), true
}

// Has reports whether a plugin is registered under key.
func (r *Registry) Has(key string) bool {
	_, ok := r.instances.Load(key)
	return ok
}

// Keys returns the registered keys, sorted.
func (r *Registry) Keys() []string {
	var keys []string
	r.instances.Range(func(k, _ interface{}) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	n := 0
	r.instances.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// lock acquires the write lock for key and returns its release func.
func (r *Registry) lock(key string) func() {
	r.locksMu.Lock()
	if r.locks == nil {
		r.locks = make(map[string]*keyLock)
	}
	kl, ok := r.locks[key]
	if !ok {
		kl = &keyLock{}
		r.locks[key] = kl
	}
	kl.refs++
	r.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()

		r.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.locks, key)
		}
		r.locksMu.Unlock()
	}
}

// swap installs inst and loader under key and returns what they replaced.
// Callers hold the key lock.
func (r *Registry) swap(key string, inst *Instance, loader IsolatedLoader) (*Instance, IsolatedLoader) {
	var prevInst *Instance
	var prevLoader IsolatedLoader

	if v, ok := r.instances.Swap(key, inst); ok {
		prevInst = v.(*Instance)
	}
	if v, ok := r.loaders.Swap(key, loader); ok {
		prevLoader = v.(IsolatedLoader)
	}
	return prevInst, prevLoader
}

// remove deletes key and returns what was registered. Callers hold the key lock.
func (r *Registry) remove(key string) (*Instance, IsolatedLoader) {
	var inst *Instance
	var loader IsolatedLoader

	if v, ok := r.instances.LoadAndDelete(key); ok {
		inst = v.(*Instance)
	}
	if v, ok := r.loaders.LoadAndDelete(key); ok {
		loader = v.(IsolatedLoader)
	}
	return inst, loader
}
