package symbol

import "debug/elf"

// Table is a hashed view over one object's dynamic symbol table, built
// once per Object and reused across every lookup against it.
type Table struct {
	bySysV map[uint32][]VersionedSymbol
	byGNU  map[uint32][]VersionedSymbol
	byName map[string]VersionedSymbol
}

// NewTable builds a Table from an object's decoded dynamic symbols.
func NewTable(syms []elf.Symbol, objectName string) *Table {
	t := &Table{
		bySysV: make(map[uint32][]VersionedSymbol),
		byGNU:  make(map[uint32][]VersionedSymbol),
		byName: make(map[string]VersionedSymbol),
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		vs := VersionedSymbol{
			Symbol:     s,
			ObjectName: objectName,
			Value:      uintptr(s.Value),
			Version:    Version{Name: s.Name, File: s.Version, NameHash: SysVHash(s.Name), Valid: true, Weak: elf.ST_BIND(s.Info) == elf.STB_WEAK},
		}
		sv := SysVHash(s.Name)
		gv := GNUHash(s.Name)
		t.bySysV[sv] = append(t.bySysV[sv], vs)
		t.byGNU[gv] = append(t.byGNU[gv], vs)
		t.byName[s.Name] = vs
	}
	return t
}

// HasSymbol performs the hashed lookup described in spec.md §4.3
// ("Object::has_symbol performs a hashed lookup in the dynamic symbol
// table. A strong match returns immediately; a weak match is remembered
// and lookup continues."), but only when dynamicWeak is set. With
// dynamicWeak unset, weak bindings aren't distinguished from strong ones:
// the first candidate matching name/version is returned immediately,
// matching the original's "weak dynamic linkage is only taken into
// account if dynamic_weak is set; otherwise it is always strong". version
// may be empty to accept any version.
func (t *Table) HasSymbol(name string, version string, dynamicWeak bool) (VersionedSymbol, bool) {
	candidates := t.bySysV[SysVHash(name)]
	var weak *VersionedSymbol
	for i := range candidates {
		c := candidates[i]
		if c.Name != name {
			continue
		}
		if version != "" && c.Version.File != "" && c.Version.File != version {
			continue
		}
		if elf.ST_BIND(c.Info) == elf.STB_WEAK {
			if !dynamicWeak {
				return c, true
			}
			if weak == nil {
				wc := c
				weak = &wc
			}
			continue
		}
		return c, true
	}
	if weak != nil {
		// A weak match with no strong definition in this object's table is
		// remembered as the tentative answer; Resolve (scope level) decides
		// whether to keep searching other objects before accepting it.
		return *weak, true
	}
	return VersionedSymbol{}, false
}

// ByExactName returns the last-defined symbol with this exact name,
// ignoring versioning — used by dlsym-style lookups.
func (t *Table) ByExactName(name string) (VersionedSymbol, bool) {
	vs, ok := t.byName[name]
	return vs, ok
}
