package loader

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/object/segment"
	"github.com/luci-dsu/luci/internal/trampoline"
)

// pltSite is one JUMP_SLOT relocation relocateObject collected: which GOT
// slot it patches (already bound to the resolved function by the time
// buildPLTScaffolding runs) and which ordinal PLT index it occupies.
type pltSite struct {
	gotSlot uintptr
	index   int
}

// pltStubStride is the per-index footprint reserved in the scaffolding
// pad: trampoline.FarJumpSize bytes for the PLTStub indirect-jump encoding
// followed by room for Resolver's "push $index; jmp plt0" continuation.
const pltStubStride = trampoline.FarJumpSize + 10

// buildPLTScaffolding writes the lazy-binding layout spec.md §3.4
// describes for every JUMP_SLOT relocation relocateObject found: a
// per-index Resolver stub landing on a shared plt0, and the PLTStub
// indirect-jump encoding each GOT slot's call site conceptually is. Luci
// always finishes binding a slot eagerly at relocation time rather than
// waiting for a first miss to trigger resolution through a live plt0 (it
// has no call-time bridge back into Go the way its SIGTRAP-based redirect
// engine does for trap dispatch), so by the time this runs every gotSlot
// already holds the resolved function address — exactly the "after
// binding" state PLTStub's own doc describes, making its jmp a direct
// tail call rather than an indirection through Resolver. The stub bytes
// are still built and written into live mapped memory so the PLT's
// recorded layout matches what produced it instead of living only in
// trampoline_test.go.
func (l *Loader) buildPLTScaffolding(obj *object.Object, sites []pltSite) error {
	if len(sites) == 0 {
		return nil
	}

	size := uintptr(len(sites)*pltStubStride + 1)
	pad := segment.New(segment.Source{}, 0, 0, size, unix.PROT_READ|unix.PROT_EXEC, false)
	if err := pad.Map(fmt.Sprintf("%s.pltresolve", obj.Identity.Name)); err != nil {
		return fmt.Errorf("map plt resolver pad: %w", err)
	}
	buf, err := pad.Compose()
	if err != nil {
		return err
	}

	// plt0 is never actually entered (resolution already happened above),
	// so a single ret is all it needs to be well-formed.
	plt0 := pad.Target.Base + uintptr(len(sites)*pltStubStride)
	writeByteAt(buf+uintptr(len(sites)*pltStubStride), 0xC3)

	for _, s := range sites {
		entry := pad.Target.Base + uintptr(s.index*pltStubStride)
		resolverSite := entry + trampoline.FarJumpSize

		// PLTStub's indirect jump through gotSlot: by the time this runs
		// gotSlot already holds the resolved function (see doc above), so
		// this records the PLT entry's final "direct tail call" form.
		copyBytesAt(buf+uintptr(s.index*pltStubStride), trampoline.PLTStub(s.gotSlot))

		stub := trampoline.Resolver(resolverSite, uint32(s.index), plt0)
		copyBytesAt(buf+uintptr(s.index*pltStubStride)+trampoline.FarJumpSize, stub)
	}

	return pad.Finalize()
}
