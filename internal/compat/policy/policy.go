// Package policy implements the scriptable compatibility-policy hook of
// SPEC_FULL.md §4/§6: an optional user-supplied JavaScript file that gets
// a final say over a patchability decision, supplementing (never
// replacing) the built-in binary-hash diff check in internal/object.
package policy

import (
	"fmt"
	"os"

	"github.com/dop251/goja"

	"github.com/luci-dsu/luci/internal/object"
)

// Diff is the subset of an internal/object.Diff a script can inspect: goja
// scripts only ever see plain values copied out of loader state, never Go
// pointers, so the object.Diff -> Diff conversion also draws the trust
// boundary between loader internals and arbitrary user script.
type Diff struct {
	ChangedSymbols []string
	Patchable      bool
	Reasons        []string
}

// fromObjectDiff copies the fields a script is allowed to see out of the
// loader's real object.Diff.
func fromObjectDiff(d *object.Diff) Diff {
	names := make([]string, len(d.Changed))
	for i, c := range d.Changed {
		names[i] = c.Name
	}
	return Diff{ChangedSymbols: names, Patchable: d.Patchable, Reasons: d.Reasons}
}

// Script wraps a compiled goja program exposing a single entry point,
// function decide(diff), called once per candidate update.
type Script struct {
	program *goja.Program
	path    string
}

// Load compiles the JavaScript file at path.
func Load(path string) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	prog, err := goja.Compile(path, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("policy: compile %s: %w", path, err)
	}
	return &Script{program: prog, path: path}, nil
}

// Decide runs decide(diff) in a fresh VM per call (the update pipeline
// runs rarely enough that VM reuse isn't worth the shared-state risk of a
// long-lived goja.Runtime across unrelated identities) and returns the
// script's patchability verdict and an optional reason string. A script
// that doesn't define decide(), or returns undefined, defers entirely to
// the built-in check (ok=true with an empty reason signals "no opinion").
func (s *Script) Decide(d Diff) (patchable bool, reason string, err error) {
	vm := goja.New()
	if _, err := vm.RunProgram(s.program); err != nil {
		return false, "", fmt.Errorf("policy: run %s: %w", s.path, err)
	}

	decideFn, ok := goja.AssertFunction(vm.Get("decide"))
	if !ok {
		return true, "", nil // no decide() defined: defer to the built-in check
	}

	result, err := decideFn(goja.Undefined(), vm.ToValue(d))
	if err != nil {
		return false, "", fmt.Errorf("policy: decide() threw: %w", err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return true, "", nil
	}

	exported := result.Export()
	m, ok := exported.(map[string]interface{})
	if !ok {
		return false, "", fmt.Errorf("policy: decide() must return {patchable, reason}, got %T", exported)
	}
	patchable, _ = m["patchable"].(bool)
	reason, _ = m["reason"].(string)
	return patchable, reason, nil
}

// AsPolicyFunc adapts a Script to the object.PolicyFunc shape
// ObjectIdentity.Load expects, so it can be assigned directly to
// Identity.Policy.
func (s *Script) AsPolicyFunc() func(diff *object.Diff) (bool, string) {
	return func(diff *object.Diff) (bool, string) {
		patchable, reason, err := s.Decide(fromObjectDiff(diff))
		if err != nil {
			return true, "" // a misbehaving script must never be the reason an update is blocked
		}
		return patchable, reason
	}
}
