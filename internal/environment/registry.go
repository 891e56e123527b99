package environment

import (
	"path"
	"sync"

	"github.com/ytget/vrenv/internal/config"
	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/platform"
)

// BuiltinRoot is the asset path prefix of environments shipped with the app
const BuiltinRoot = "cubemap"

// Registry answers lookups against the current environment catalog
type Registry struct {
	root string

	mu        sync.RWMutex
	builtin   map[string]model.Environment
	external  map[string]model.Environment
	byPayload map[string]model.Environment
}

// NewRegistry creates a registry storing external environments below root
func NewRegistry(root string, catalog *config.Catalog) *Registry {
	r := &Registry{root: root}
	r.Replace(catalog)
	return r
}

// Replace swaps the whole environment set
func (r *Registry) Replace(catalog *config.Catalog) {
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	builtin := make(map[string]model.Environment, len(catalog.Builtin))
	for _, env := range catalog.Builtin {
		builtin[env.ID] = env
	}
	external := make(map[string]model.Environment, len(catalog.External))
	byPayload := make(map[string]model.Environment, len(catalog.External))
	for _, env := range catalog.External {
		external[env.ID] = env
		byPayload[env.Payload] = env
	}

	r.mu.Lock()
	r.builtin, r.external, r.byPayload = builtin, external, byPayload
	r.mu.Unlock()
}

// Root returns the storage root
func (r *Registry) Root() string {
	return r.root
}

// IsBuiltin reports whether id names an environment shipped with the app
func (r *Registry) IsBuiltin(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builtin[id]
	return ok
}

// BuiltinPath returns the fixed asset path of a built-in environment
func (r *Registry) BuiltinPath(id string) string {
	r.mu.RLock()
	env, ok := r.builtin[id]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	return path.Join(BuiltinRoot, env.Key())
}

// ExternalByID looks up a downloadable environment
func (r *Registry) ExternalByID(id string) (model.Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.external[id]
	return env, ok
}

// ExternalByPayload finds the environment whose archive lives at uri
func (r *Registry) ExternalByPayload(uri string) (model.Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.byPayload[uri]
	return env, ok
}

// EnvPath returns the directory env is unpacked into
func (r *Registry) EnvPath(env model.Environment) (string, error) {
	return platform.EnvPath(r.root, env.Key())
}

// IsExternalReady reports whether the environment's directory is on disk
func (r *Registry) IsExternalReady(env model.Environment) bool {
	dir, err := r.EnvPath(env)
	if err != nil {
		return false
	}
	return platform.DirExists(dir)
}

// Externals returns every downloadable environment
func (r *Registry) Externals() []model.Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Environment, 0, len(r.external))
	for _, env := range r.external {
		out = append(out, env)
	}
	return out
}
