package symbol

// Mode selects a symbol-resolution scope order (spec.md §4.3).
type Mode int

const (
	Default Mode = iota
	ObjectFirst // deep binding
	AfterObject
	ExceptObject
	NoDependencies
)

// Candidate is anything the resolver can probe for a symbol: an Object's
// Table plus enough identity to implement the AfterObject/ExceptObject
// skip rules. internal/loader supplies these in namespace/dependency order.
type Candidate interface {
	Name() string
	Table() *Table
}

// Scope is the ordered set of candidates a particular resolution mode
// searches, already assembled by the caller (internal/loader) from its
// namespace global list, dependency graph, and the requesting object.
type Scope struct {
	Global       []Candidate
	Dependencies []Candidate
	Self         Candidate
}

// Order returns the candidate search order for mode, given the requesting
// object (which must equal scope.Self), per spec.md §4.3:
//
//   - Default:        global, then dependencies, then self
//   - ObjectFirst:    self, then global, then dependencies (deep binding)
//   - AfterObject:    global list truncated to after requestingObject
//   - ExceptObject:   default order with requestingObject removed
//   - NoDependencies: self + global only
func Order(mode Mode, scope Scope) []Candidate {
	switch mode {
	case ObjectFirst:
		out := []Candidate{}
		if scope.Self != nil {
			out = append(out, scope.Self)
		}
		out = append(out, scope.Global...)
		out = append(out, scope.Dependencies...)
		return out
	case AfterObject:
		out := []Candidate{}
		skipping := true
		for _, c := range scope.Global {
			if skipping {
				if c == scope.Self {
					skipping = false
				}
				continue
			}
			out = append(out, c)
		}
		return out
	case ExceptObject:
		out := []Candidate{}
		for _, c := range append(append([]Candidate{}, scope.Global...), scope.Dependencies...) {
			if c == scope.Self {
				continue
			}
			out = append(out, c)
		}
		return out
	case NoDependencies:
		out := append([]Candidate{}, scope.Global...)
		if scope.Self != nil {
			out = append(out, scope.Self)
		}
		return out
	default: // Default
		out := append([]Candidate{}, scope.Global...)
		out = append(out, scope.Dependencies...)
		if scope.Self != nil {
			out = append(out, scope.Self)
		}
		return out
	}
}

// Resolve walks the candidate order for mode. Weak promotion to strong is
// gated by dynamicWeak (spec.md §4.3): with dynamicWeak set, a weak match
// is remembered and the search keeps going for a strong definition
// elsewhere in scope, only falling back to the weak match if none turns
// up; with it unset (the default), weak linkage isn't distinguished from
// strong at all and the first match found — weak or not — is accepted and
// the search stops there, matching the original's "weak dynamic linkage is
// only taken into account if dynamic_weak is set; otherwise it is always
// strong". Returns (VersionedSymbol{}, nil, false) if nothing defines
// name — the caller then decides per spec.md §8 boundary case: a weak
// reference with no definition anywhere relocates to address 0 without
// failing.
func Resolve(name, version string, mode Mode, scope Scope, dynamicWeak bool) (VersionedSymbol, Candidate, bool) {
	order := Order(mode, scope)

	var weakMatch VersionedSymbol
	var weakOwner Candidate
	haveWeak := false

	for _, c := range order {
		tbl := c.Table()
		if tbl == nil {
			continue
		}
		vs, ok := tbl.HasSymbol(name, version, dynamicWeak)
		if !ok {
			continue
		}
		if !vs.Version.Weak || !dynamicWeak {
			return vs, c, true
		}
		if !haveWeak {
			weakMatch, weakOwner, haveWeak = vs, c, true
		}
	}

	if haveWeak {
		return weakMatch, weakOwner, true
	}
	return VersionedSymbol{}, nil, false
}
