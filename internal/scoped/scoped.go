// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string to any data type that is "scoped".
package scoped

import (
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Separator separates the parts of a scope path. The root scope is Separator itself.
const Separator = "/"

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "update": false, "filler": "zero" }
//	Scope: "/model": { "update": true }
//	Scope: "/model/iter/kernel": { "filler": "he" }
//
//	Params.Get("/model/iter/kernel", "filler") -> "he"
//	Params.Get("/model/iter/kernel", "update") -> true
//	Params.Get("/other", "update") -> false
//	Params.Get("/other", "kernel") -> Not found.
//
// Layer names are mapped to scopes with Scope, so the layer "model/iter" lives in scope "/model/iter".
type Params struct {
	scopeToMap map[string]map[string]any
}

// New creates an empty Params.
func New() *Params {
	return &Params{scopeToMap: make(map[string]map[string]any)}
}

// Scope converts a name (e.g. a layer name "model/iter") to its normalized scope ("/model/iter").
// Empty parts are dropped, and the empty name is the root scope.
func Scope(name string) string {
	parts := strings.Split(name, Separator)
	parts = slices.DeleteFunc(parts, func(part string) bool { return part == "" })
	return Separator + strings.Join(parts, Separator)
}

// Clone returns a deep copy of the Params. Values themselves are not copied.
func (p *Params) Clone() *Params {
	newParams := New()
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = maps.Clone(dataMap)
	}
	return newParams
}

// Set sets the value for the given key, in the given scope (normalized with Scope).
func (p *Params) Set(scope, key string, value any) {
	scope = Scope(scope)
	dataMap, found := p.scopeToMap[scope]
	if !found {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	scope = Scope(scope)
	for {
		if dataMap, ok := p.scopeToMap[scope]; ok {
			if value, found = dataMap[key]; found {
				return
			}
		}
		if scope == Separator {
			return nil, false
		}
		idx := strings.LastIndex(scope, Separator)
		if idx == 0 {
			scope = Separator
		} else {
			scope = scope[:idx]
		}
	}
}

// GetAs retrieves the value for the given key with Params.Get, and converts it to T.
//
// It returns found=false if the key is not set in the scope or any parent scope, and an error if
// the value is set but doesn't have type T.
func GetAs[T any](p *Params, scope, key string) (value T, found bool, err error) {
	var valueAny any
	valueAny, found = p.Get(scope, key)
	if !found {
		return
	}
	var ok bool
	value, ok = valueAny.(T)
	if !ok {
		err = errors.Errorf("scoped parameter %q in scope %q has type %T, wanted %T", key, Scope(scope), valueAny, value)
	}
	return
}

// Enumerate enumerates all parameters stored in the Params structure and calls the given closure with
// them, sorted by scope and key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range slices.Sorted(maps.Keys(p.scopeToMap)) {
		keyValues := p.scopeToMap[scope]
		for _, key := range slices.Sorted(maps.Keys(keyValues)) {
			fn(scope, key, keyValues[key])
		}
	}
}
