package loader

import (
	"debug/elf"
	"fmt"
	"path/filepath"

	"github.com/luci-dsu/luci/internal/object"
)

// peekDependencies opens path independently of Identity.Load (which only
// parses the file once dedup/compatibility checks pass) just far enough to
// read its DT_NEEDED/DT_RUNPATH/DT_RPATH dynamic-table entries, per
// spec.md §2's "Loader discovers main binary and dependencies" control
// flow step. Non-dynamic objects (no PT_DYNAMIC) report no dependencies.
func peekDependencies(path string) (needed, rpath []string, err error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	needed, err = f.ImportedLibraries()
	if err != nil {
		return nil, nil, nil // no dynamic section: a static binary has no dependencies
	}
	if rp, rerr := f.DynString(elf.DT_RUNPATH); rerr == nil {
		rpath = append(rpath, rp...)
	}
	if rp, rerr := f.DynString(elf.DT_RPATH); rerr == nil {
		rpath = append(rpath, rp...)
	}
	return needed, rpath, nil
}

// LoadWithDependencies resolves, registers, and updates every transitive
// DT_NEEDED dependency of id's file before updating id itself, so a
// dependency's symbol table is always populated in time for the relocation
// pass of whatever needs it (spec.md §2: "discovers main binary and
// dependencies ... relocates each against the others"). loading tracks
// identities already in progress on the current recursion path, guarding
// against a dependency cycle.
func (l *Loader) LoadWithDependencies(id *Identity, loading map[string]bool) UpdateResult {
	if loading == nil {
		loading = make(map[string]bool)
	}
	if loading[id.Path] {
		return UpdateResult{Identity: id, Info: object.SuccessLoad}
	}
	loading[id.Path] = true
	defer delete(loading, id.Path)

	needed, rpath, err := peekDependencies(id.Path)
	if err != nil {
		return UpdateResult{Identity: id, Info: object.ErrorELF, Err: err}
	}

	for _, dep := range needed {
		resolved, err := l.ResolvePath(dep, rpath)
		if err != nil {
			return UpdateResult{Identity: id, Info: object.UpdateIncompatible, Err: fmt.Errorf("resolve dependency %q of %s: %w", dep, id.Name, err)}
		}
		norm, err := object.Normalize(resolved)
		if err != nil {
			return UpdateResult{Identity: id, Info: object.ErrorOpen, Err: err}
		}
		depID, alreadyRegistered := l.Identity(norm)
		if !alreadyRegistered {
			depID = l.Register(object.New(filepath.Base(norm), norm, id.Namespace))
		}
		if res := l.LoadWithDependencies(depID, loading); res.Err != nil {
			return res
		}
		if depID.Current() == nil {
			if res := l.Update(depID); res.Err != nil {
				return res
			}
		}
	}

	return l.Update(id)
}
