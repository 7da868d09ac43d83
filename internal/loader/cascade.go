package loader

import (
	"debug/elf"

	"github.com/luci-dsu/luci/internal/log"
	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/redirect"
)

// cascade re-relocates every live dependent of updated's new version against
// the symbols that moved, per spec.md §4.6. GOT/PLT-indirect references are
// rewritten in place unconditionally (this is what makes the update
// transparent to begin with); direct, non-PLT references are only handled
// when the configured UpdateMode requests it, via internal/redirect.
func (l *Loader) cascade(updated *Identity, prev, next *object.Object) (int, error) {
	if next.Diff == nil || len(next.Diff.Changed) == 0 {
		return 0, nil
	}

	moved := make(map[string]uintptr, len(next.Diff.Changed))
	for _, c := range next.Diff.Changed {
		if c.Reason != "removed" {
			moved[c.Name] = c.NewAddr
		}
	}
	if len(moved) == 0 {
		return 0, nil
	}

	installed := 0
	for _, dependent := range l.Identities() {
		cur := dependent.Current()
		if cur == nil || cur == prev {
			continue
		}
		for _, rr := range cur.RelocationsSnapshot() {
			if rr.TargetObject != prev {
				continue
			}
			newAddr, ok := moved[rr.TargetSymbol]
			if !ok {
				continue
			}

			typ := elf.R_X86_64(rr.Reloc.Info & 0xffffffff)
			if isIndirectSlot(typ) {
				writeUint64At(rr.Site, uint64(newAddr))
				rr.TargetObject = next
				log.L.Event("redirect", dependent.Name, "got slot rewritten")
				installed++
				continue
			}

			if l.redirect == nil || !l.opts.UpdateMode.has(UpdateCodeRel) {
				continue
			}
			oldAddr := rr.Site // for a direct reference the call site itself targeted the old symbol's address
			for _, c := range next.Diff.Changed {
				if c.Name == rr.TargetSymbol {
					oldAddr = c.OldAddr
					break
				}
			}
			if _, err := l.redirect.Install(oldAddr, newAddr, redirect.Int3, true); err != nil {
				log.L.Event("redirect", dependent.Name, err.Error())
				continue
			}
			rr.TargetObject = next
			installed++
		}
	}
	return installed, nil
}

func isIndirectSlot(t elf.R_X86_64) bool {
	switch t {
	case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JUMP_SLOT:
		return true
	default:
		return false
	}
}

