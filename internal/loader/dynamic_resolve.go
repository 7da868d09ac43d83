package loader

import (
	"fmt"

	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/symbol"
)

// objectCandidate adapts an *object.Object to symbol.Candidate so the
// leaf-level symbol package never needs to import internal/object.
type objectCandidate struct {
	obj   *object.Object
	table *symbol.Table
}

func (c objectCandidate) Name() string        { return c.obj.Identity.Name }
func (c objectCandidate) Table() *symbol.Table { return c.table }

// Scope builds the ordered symbol.Scope for obj's own lookups: its own
// table as Self, every transitively-loaded object's table as Global (load
// order, matching breadth-first dependency search), and deps as
// Dependencies when a narrower scope mode needs just its direct deps.
func (l *Loader) Scope(obj *object.Object, tables map[string]*symbol.Table, deps []*object.Object) symbol.Scope {
	l.mu.RLock()
	defer l.mu.RUnlock()

	global := make([]symbol.Candidate, 0, len(l.order))
	for _, p := range l.order {
		id := l.identities[p]
		cur := id.Current()
		if cur == nil {
			continue
		}
		if t, ok := tables[id.Name]; ok {
			global = append(global, objectCandidate{obj: cur, table: t})
		}
	}

	dependencies := make([]symbol.Candidate, 0, len(deps))
	for _, d := range deps {
		if t, ok := tables[d.Identity.Name]; ok {
			dependencies = append(dependencies, objectCandidate{obj: d, table: t})
		}
	}

	var self symbol.Candidate
	if t, ok := tables[obj.Identity.Name]; ok {
		self = objectCandidate{obj: obj, table: t}
	}

	return symbol.Scope{Global: global, Dependencies: dependencies, Self: self}
}

// DlresolveEntry resolves the symbol behind one PLT entry against scope
// and returns its address. It does not write the GOT slot; pltIndex is
// used only in the error message. Nothing in the loader calls it: the
// plt0 stub built in plt.go is a single ret, so no PLT entry reaches here.
func (l *Loader) DlresolveEntry(obj *object.Object, pltIndex int, symbolName, version string, mode symbol.Mode, scope symbol.Scope) (uintptr, error) {
	resolved, _, ok := symbol.Resolve(symbolName, version, mode, scope, l.opts.DynamicWeak)
	if !ok {
		return 0, fmt.Errorf("loader: _dlresolve: undefined symbol %q (plt index %d) in %s", symbolName, pltIndex, obj.Identity.Name)
	}
	return resolved.Value, nil
}
