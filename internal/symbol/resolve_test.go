package symbol

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCandidate struct {
	name string
	tbl  *Table
}

func (f *fakeCandidate) Name() string  { return f.name }
func (f *fakeCandidate) Table() *Table { return f.tbl }

func strongSym(name string, value uint64) elf.Symbol {
	return elf.Symbol{Name: name, Value: value, Info: uint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC))}
}

func weakSym(name string, value uint64) elf.Symbol {
	return elf.Symbol{Name: name, Value: value, Info: uint8(elf.ST_INFO(elf.STB_WEAK, elf.STT_FUNC))}
}

func TestResolveDefaultOrderPrefersGlobalOverSelf(t *testing.T) {
	self := &fakeCandidate{name: "app", tbl: NewTable([]elf.Symbol{strongSym("answer", 0x10)}, "app")}
	lib := &fakeCandidate{name: "libx.so.1", tbl: NewTable([]elf.Symbol{strongSym("answer", 0x20)}, "libx.so.1")}

	scope := Scope{Global: []Candidate{lib}, Self: self}
	vs, owner, ok := Resolve("answer", "", Default, scope, false)
	require.True(t, ok)
	require.Equal(t, "libx.so.1", owner.Name())
	require.EqualValues(t, 0x20, vs.Value)
}

func TestResolveObjectFirstDeepBinding(t *testing.T) {
	self := &fakeCandidate{name: "app", tbl: NewTable([]elf.Symbol{strongSym("answer", 0x10)}, "app")}
	lib := &fakeCandidate{name: "libx.so.1", tbl: NewTable([]elf.Symbol{strongSym("answer", 0x20)}, "libx.so.1")}

	scope := Scope{Global: []Candidate{lib}, Self: self}
	vs, owner, ok := Resolve("answer", "", ObjectFirst, scope, false)
	require.True(t, ok)
	require.Equal(t, "app", owner.Name())
	require.EqualValues(t, 0x10, vs.Value)
}

func TestResolveWeakWithNoStrongDefinitionStillResolves(t *testing.T) {
	lib := &fakeCandidate{name: "libx.so.1", tbl: NewTable([]elf.Symbol{weakSym("maybe_present", 0x30)}, "libx.so.1")}
	scope := Scope{Global: []Candidate{lib}}
	vs, owner, ok := Resolve("maybe_present", "", Default, scope, false)
	require.True(t, ok, "a weak match must resolve even without a strong definition")
	require.NotNil(t, owner)
	require.EqualValues(t, 0x30, vs.Value)
}

func TestResolveUndefinedSymbolNotFound(t *testing.T) {
	lib := &fakeCandidate{name: "libx.so.1", tbl: NewTable(nil, "libx.so.1")}
	scope := Scope{Global: []Candidate{lib}}
	_, owner, ok := Resolve("nonexistent", "", Default, scope, false)
	require.False(t, ok)
	require.Nil(t, owner)
}

func TestSysVAndGNUHashDiffer(t *testing.T) {
	require.NotEqual(t, SysVHash("answer"), GNUHash("answer"))
	// Hash of a given name must be stable across calls.
	require.Equal(t, SysVHash("answer"), SysVHash("answer"))
}
