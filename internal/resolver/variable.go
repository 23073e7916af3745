package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

var ErrVariableNotFound = errors.New("variable not found")

// Variable is one workspace-scoped key-value entry.
type Variable struct {
	NamespaceID string
	Name        string
	Value       string
	IsSecret    bool
}

// Store is the variable backend.
type Store interface {
	Get(ctx context.Context, namespaceID, name string) (string, error)
	List(ctx context.Context, namespaceID string) (map[string]string, error)
}

// VariableResolver resolves workspace variables with a per-namespace cache
// and performs literal {{name}} interpolation. No nesting, no expressions;
// anything beyond plain substitution belongs to node executors.
type VariableResolver struct {
	store Store
	cache *variableCache
}

func NewVariableResolver(store Store) *VariableResolver {
	return &VariableResolver{
		store: store,
		cache: newVariableCache(),
	}
}

// Resolve returns a single variable's value.
func (r *VariableResolver) Resolve(ctx context.Context, namespaceID, name string) (string, error) {
	if value, found := r.cache.get(namespaceID, name); found {
		return value, nil
	}

	value, err := r.store.Get(ctx, namespaceID, name)
	if err != nil {
		return "", err
	}

	r.cache.set(namespaceID, name, value)
	return value, nil
}

// ResolveAll returns a defensive copy of all variables in a namespace.
func (r *VariableResolver) ResolveAll(ctx context.Context, namespaceID string) (map[string]string, error) {
	if vars := r.cache.getAll(namespaceID); vars != nil {
		return vars, nil
	}

	vars, err := r.store.List(ctx, namespaceID)
	if err != nil {
		return nil, err
	}

	r.cache.setAll(namespaceID, vars)

	result := make(map[string]string, len(vars))
	for k, v := range vars {
		result[k] = v
	}
	return result, nil
}

// Interpolate replaces literal {{name}} occurrences. Placeholders that name
// no variable are left intact.
func (r *VariableResolver) Interpolate(ctx context.Context, namespaceID, template string) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	vars, err := r.ResolveAll(ctx, namespaceID)
	if err != nil {
		return "", err
	}

	result := template
	for name, value := range vars {
		placeholder := "{{" + name + "}}"
		result = strings.ReplaceAll(result, placeholder, value)
	}

	return result, nil
}

// InterpolateJSON interpolates variables inside a raw JSON document.
func (r *VariableResolver) InterpolateJSON(ctx context.Context, namespaceID string, data json.RawMessage) (json.RawMessage, error) {
	str, err := r.Interpolate(ctx, namespaceID, string(data))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(str), nil
}

// InvalidateCache drops a namespace's cache. The control plane calls this on
// variable writes.
func (r *VariableResolver) InvalidateCache(namespaceID string) {
	r.cache.clear(namespaceID)
}

type variableCache struct {
	items map[string]map[string]string
	full  map[string]bool
	mu    sync.RWMutex
}

func newVariableCache() *variableCache {
	return &variableCache{
		items: make(map[string]map[string]string),
		full:  make(map[string]bool),
	}
}

func (c *variableCache) get(namespace, name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if vars, exists := c.items[namespace]; exists {
		if value, found := vars[name]; found {
			return value, true
		}
	}
	return "", false
}

func (c *variableCache) getAll(namespace string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.full[namespace] {
		return nil
	}
	vars := c.items[namespace]
	result := make(map[string]string, len(vars))
	for k, v := range vars {
		result[k] = v
	}
	return result
}

func (c *variableCache) set(namespace, name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items[namespace] == nil {
		c.items[namespace] = make(map[string]string)
	}
	c.items[namespace][name] = value
}

func (c *variableCache) setAll(namespace string, vars map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[namespace] = make(map[string]string, len(vars))
	for k, v := range vars {
		c.items[namespace][k] = v
	}
	c.full[namespace] = true
}

func (c *variableCache) clear(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, namespace)
	delete(c.full, namespace)
}
