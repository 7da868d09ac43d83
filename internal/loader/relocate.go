package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/luci-dsu/luci/internal/log"
	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/reloc"
	"github.com/luci-dsu/luci/internal/symbol"
)

// relaEntrySize is the on-disk size of an Elf64_Rela entry (offset, info,
// addend), used to walk a SHT_RELA section's raw bytes directly since
// debug/elf exposes no typed accessor for arbitrary relocation sections.
const relaEntrySize = 24

// relocateObject walks every SHT_RELA section of obj.ELF and applies each
// entry via internal/reloc, resolving externally-defined symbols against
// every other currently-loaded object's table, per spec.md §4.4's
// prepare(): "walks DT_REL/DT_RELA tables; for each entry, computes target
// via the architecture relocator and stores the value at target address."
// Every externally-resolved relocation is appended to obj's provenance log
// (object.AddRelocation) so a later update cascade (cascade.go) can find
// and rewrite it.
func (l *Loader) relocateObject(obj *object.Object) error {
	dynsyms, err := obj.ELF.DynamicSymbols()
	if err != nil {
		dynsyms = nil
	}

	tables := l.allTables(obj)
	scope := l.Scope(obj, tables, nil)

	var pltSites []pltSite
	pltIndex := 0

	for _, sec := range obj.ELF.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("read %s: %w", sec.Name, err)
		}
		isPLT := sec.Name == ".rela.plt"

		for off := 0; off+relaEntrySize <= len(data); off += relaEntrySize {
			entryOff := binary.LittleEndian.Uint64(data[off : off+8])
			info := binary.LittleEndian.Uint64(data[off+8 : off+16])
			addend := int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))

			symIdx := int(info >> 32)
			typ := elf.R_X86_64(info & 0xffffffff)
			target := obj.Base + uintptr(entryOff)

			var sym elf.Symbol
			haveSym := symIdx > 0 && symIdx-1 < len(dynsyms)
			if haveSym {
				sym = dynsyms[symIdx-1]
			}

			in := reloc.Input{Type: typ, Addend: addend, Base: obj.Base, Target: target}

			var targetObj *object.Object
			var targetSymbol string
			switch reloc.Classify(typ) {
			case reloc.KindSymbol:
				if !haveSym {
					break
				}
				targetSymbol = sym.Name
				resolved, cand, ok := symbol.Resolve(sym.Name, sym.Version, symbol.Default, scope, l.opts.DynamicWeak)
				if ok {
					in.SymValue = resolved.Value
					in.SymSize = resolved.Size
					if oc, isObj := cand.(objectCandidate); isObj {
						targetObj = oc.obj
					}
				} else if elf.ST_BIND(sym.Info) != elf.STB_WEAK {
					log.L.Event("relocate", obj.Identity.Name, fmt.Sprintf("undefined symbol %q", sym.Name))
				}
			case reloc.KindCopy:
				log.L.Event("relocate", obj.Identity.Name, fmt.Sprintf("skipping COPY relocation for %q", sym.Name))
				continue
			case reloc.KindUnsupported:
				log.L.Event("relocate", obj.Identity.Name, fmt.Sprintf("unsupported relocation type %v", typ))
				continue
			}

			value, width, err := reloc.Apply(in)
			if err != nil {
				log.L.Event("relocate", obj.Identity.Name, err.Error())
				continue
			}
			writeRelocValue(target, value, width)

			if targetObj != nil {
				obj.AddRelocation(&object.ResolvedRelocation{
					Reloc:        elf.Rela64{Off: entryOff, Info: info, Addend: addend},
					TargetSymbol: targetSymbol,
					TargetObject: targetObj,
					Site:         target,
				})
			}

			if isPLT && typ == elf.R_X86_64_JUMP_SLOT {
				pltSites = append(pltSites, pltSite{gotSlot: target, index: pltIndex})
				pltIndex++
			}
		}
	}

	if err := l.buildPLTScaffolding(obj, pltSites); err != nil {
		return fmt.Errorf("loader: plt scaffolding for %s: %w", obj.Identity.Name, err)
	}
	return nil
}

// allTables collects every currently-loaded object's symbol table plus
// obj's own (obj may not be spliced in as its Identity's Current() yet),
// keyed by object name, for Scope() to build a resolution candidate list
// from (spec.md §4.3).
func (l *Loader) allTables(obj *object.Object) map[string]*symbol.Table {
	tables := make(map[string]*symbol.Table)
	for _, id := range l.Identities() {
		if cur := id.Current(); cur != nil && cur.Table != nil {
			tables[id.Name] = cur.Table
		}
	}
	if obj.Table != nil {
		tables[obj.Identity.Name] = obj.Table
	}
	return tables
}
