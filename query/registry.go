/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package query

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/tomoncle/datajpa/types"
	"gopkg.in/yaml.v3"
)

// Registry holds named query templates, e.g. "Member.findByUsername".
//
// Registration parses the query text; Validate resolves every entry against
// the entity catalog. Applications call Validate once at startup and refuse to
// start when it fails, so a broken query never surfaces on first use.
type Registry struct {
	mu        sync.RWMutex
	sources   map[string]string
	templates map[string]*Template
	failures  map[string]error
	validated bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:   make(map[string]string),
		templates: make(map[string]*Template),
		failures:  make(map[string]error),
	}
}

// Register adds a query under name. A syntax error is recorded and reported
// by Validate, and also returned here for callers that want it immediately.
func (r *Registry) Register(name, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		err := fmt.Errorf("%w: named query %s registered twice", types.ErrInvalidQuery, name)
		r.failures[name] = err
		return err
	}
	r.sources[name] = src
	r.validated = false

	t, err := Parse(name, src)
	if err != nil {
		err = fmt.Errorf("named query %s: %w", name, err)
		r.failures[name] = err
		return err
	}
	r.templates[name] = t
	return nil
}

// RegisterAll adds every query of the map.
func (r *Registry) RegisterAll(queries map[string]string) {
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_ = r.Register(name, queries[name])
	}
}

// LoadFile registers the queries of a YAML file mapping names to query text:
//
//	Member.findByUsername: select m from Member m where m.username = :username
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read named queries: %w", err)
	}
	var queries map[string]string
	if err := yaml.Unmarshal(data, &queries); err != nil {
		return fmt.Errorf("failed to parse named queries %s: %w", path, err)
	}
	r.RegisterAll(queries)
	return nil
}

// Validate resolves every registered query against the catalog and returns
// all failures at once.
func (r *Registry) Validate(catalog Catalog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result *multierror.Error
	for _, name := range r.sortedNames() {
		if err, failed := r.failures[name]; failed {
			result = multierror.Append(result, err)
			continue
		}
		t := r.templates[name]
		e, err := catalog.Lookup(t.Entity)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: named query %s: %v", types.ErrInvalidQuery, name, err))
			continue
		}
		if err := t.Resolve(e); err != nil {
			result = multierror.Append(result, fmt.Errorf("named query %s: %w", name, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	r.validated = true
	return nil
}

// Lookup returns a validated template.
func (r *Registry) Lookup(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: no named query %s", types.ErrInvalidQuery, name)
	}
	if !r.validated || !t.Resolved() {
		return nil, fmt.Errorf("%w: named query %s has not been validated", types.ErrInvalidQuery, name)
	}
	return t, nil
}

// Has reports whether name was registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[name]
	return ok
}

// Names lists the registered query names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
