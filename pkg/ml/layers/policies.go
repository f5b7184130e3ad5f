// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/gomlx/layerkit/internal/scoped"
	"github.com/pkg/errors"
)

// Policy keys recognized by all layers. Layers (and kernels) may also read their own hyperparameters
// from Policies, see GetPolicyOr.
const (
	// PolicyFeedbackOutput (bool) marks layers whose output gradient must be fed back to their inputs.
	// Default is false.
	PolicyFeedbackOutput = "feedback_output"

	// PolicyUpdate (bool) marks layers whose parameters are trained. Default is false.
	PolicyUpdate = "update"

	// PolicyFiller (string) is the name of the filler used to initialize parameters, see Initializer.GetFiller.
	// Default is "", meaning no filler: parameters must be loaded.
	PolicyFiller = "filler"

	// PolicyKernel (string) is the name of the kernel (in KnownKernels) wrapped by a composite layer.
	PolicyKernel = "kernel"
)

// Policy holds the resolved policy of one layer.
type Policy struct {
	FeedbackOutput bool
	Update         bool
	Filler         string
	Kernel         string
}

// Policies is a scoped set of policy values: values set for a scope apply to all layers under it, and
// the most specific scope wins.
// Layer names map to scopes with a "/" prefix: the layer "model/iter" reads from scope "/model/iter", then
// "/model" and then the root scope "/".
//
// Set can be chained, and errors are deferred until Err or Resolve are called:
//
//	policies := layers.NewPolicies().
//		Set("/", layers.PolicyUpdate, true).
//		Set("/model/iter", layers.PolicyKernel, "weighted")
type Policies struct {
	params *scoped.Params
	err    error
}

// NewPolicies returns an empty Policies.
func NewPolicies() *Policies {
	return &Policies{params: scoped.New()}
}

// Set the value of key for the given scope. Values for the known policy keys (PolicyFeedbackOutput, etc.)
// are validated immediately, and an invalid value is reported by Err.
// It returns itself, so calls can be chained.
func (p *Policies) Set(scope, key string, value any) *Policies {
	if p.err != nil {
		return p
	}
	var ok bool
	switch key {
	case PolicyFeedbackOutput, PolicyUpdate:
		_, ok = value.(bool)
	case PolicyFiller, PolicyKernel:
		_, ok = value.(string)
	default:
		ok = true
	}
	if !ok {
		p.err = errors.Wrapf(ErrMisconfiguration, "policy %q for scope %q has invalid value %#v (type %T)",
			key, scoped.Scope(scope), value, value)
		return p
	}
	p.params.Set(scope, key, value)
	return p
}

// Err returns the first error found by Set, if any.
func (p *Policies) Err() error {
	if p == nil {
		return nil
	}
	return p.err
}

// Clone returns a copy of the policies, that can be changed without affecting the original.
func (p *Policies) Clone() *Policies {
	if p == nil {
		return NewPolicies()
	}
	return &Policies{params: p.params.Clone(), err: p.err}
}

// Resolve the Policy for the layer with the given name.
// A nil Policies resolves to the default Policy.
func (p *Policies) Resolve(layerName string) (policy Policy, err error) {
	if p == nil {
		return
	}
	if p.err != nil {
		return policy, p.err
	}
	if policy.FeedbackOutput, err = GetPolicyOr(p, layerName, PolicyFeedbackOutput, false); err != nil {
		return
	}
	if policy.Update, err = GetPolicyOr(p, layerName, PolicyUpdate, false); err != nil {
		return
	}
	if policy.Filler, err = GetPolicyOr(p, layerName, PolicyFiller, ""); err != nil {
		return
	}
	policy.Kernel, err = GetPolicyOr(p, layerName, PolicyKernel, "")
	return
}

// Get returns the value of key in scope or, if not set there, in the closest parent scope.
func (p *Policies) Get(scope, key string) (value any, found bool) {
	if p == nil {
		return nil, false
	}
	return p.params.Get(scope, key)
}

// Enumerate all values set, sorted by scope and key.
func (p *Policies) Enumerate(fn func(scope, key string, value any)) {
	if p == nil {
		return
	}
	p.params.Enumerate(fn)
}

// String implements fmt.Stringer.
func (p *Policies) String() string {
	var s string
	p.Enumerate(func(scope, key string, value any) {
		s += fmt.Sprintf("\t%s: %s=%v\n", scope, key, value)
	})
	return "Policies:\n" + s
}

// GetPolicyOr returns the value of key for the layer with the given name, searching from its scope up to the
// root scope. If the key is not set, it returns defaultValue.
//
// It returns an ErrMisconfiguration if the value is set with a type other than T. As a special case, int values
// are accepted for float64 keys.
func GetPolicyOr[T any](p *Policies, layerName, key string, defaultValue T) (T, error) {
	if p == nil {
		return defaultValue, nil
	}
	if anyValue, found := p.params.Get(layerName, key); found {
		if i, ok := anyValue.(int); ok {
			if f, ok := any(float64(i)).(T); ok {
				return f, nil
			}
		}
	}
	value, found, err := scoped.GetAs[T](p.params, layerName, key)
	if err != nil {
		return defaultValue, errors.Wrapf(ErrMisconfiguration, "layer %q: %v", layerName, err)
	}
	if !found {
		return defaultValue, nil
	}
	return value, nil
}
