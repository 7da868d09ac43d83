package object

import (
	"debug/elf"
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// SymbolChange classifies one symbol that differs between two Object
// versions, produced by the binary-hash ("bean hash") diff of spec.md §4.1.
type SymbolChange struct {
	Name        string
	OldAddr     uintptr
	NewAddr     uintptr
	Disruptive  bool   // a non-code-section change outside the tolerated set
	Reason      string
}

// Diff is the result of comparing two Object versions' per-symbol content
// fingerprints.
type Diff struct {
	Changed   []SymbolChange
	Patchable bool
	Reasons   []string
}

// tolerated non-code sections a disruptive-change scan is allowed to see
// touched without failing patchability (spec.md §4.1).
var tolerableSections = map[string]bool{
	".eh_frame": true,
	".dynamic":  true,
}

// computeDiff builds the binary-hash diff between prev and next, flagging
// as disruptive any changed symbol whose containing section is a
// non-code, non-tolerated section — the spec.md §4.1 patchability gate
// ("no disruptive changes in non-code sections beyond .eh_frame, .dynamic,
// RELRO").
func computeDiff(prev, next *Object) (*Diff, error) {
	if prev == nil {
		return &Diff{Patchable: true}, nil
	}

	prevSyms, err := symbolFingerprints(prev)
	if err != nil {
		return nil, fmt.Errorf("fingerprint previous version: %w", err)
	}
	nextSyms, err := symbolFingerprints(next)
	if err != nil {
		return nil, fmt.Errorf("fingerprint new version: %w", err)
	}

	d := &Diff{Patchable: true}
	for name, prevFP := range prevSyms {
		nextFP, ok := nextSyms[name]
		if !ok {
			// Symbol dropped entirely: any current external reference to it
			// cannot be satisfied by the new version (checked separately by
			// the caller against the live provenance log).
			d.Changed = append(d.Changed, SymbolChange{Name: name, OldAddr: prevFP.addr, Reason: "removed"})
			continue
		}
		if nextFP.hash == prevFP.hash {
			continue
		}
		sc := SymbolChange{Name: name, OldAddr: prevFP.addr, NewAddr: nextFP.addr, Reason: "content changed"}
		if !isCodeSection(nextFP.section) && !tolerableSections[nextFP.section] && !isRelroSection(next, nextFP.section) {
			sc.Disruptive = true
			sc.Reason = fmt.Sprintf("disruptive change in section %s", nextFP.section)
			d.Patchable = false
			d.Reasons = append(d.Reasons, sc.Reason)
		}
		d.Changed = append(d.Changed, sc)
	}
	return d, nil
}

// Err combines every disruptive-change reason into a single error, so a
// binary with several unrelated patchability violations reports all of
// them instead of only the first one a caller happens to look at.
func (d *Diff) Err() error {
	if d == nil || len(d.Reasons) == 0 {
		return nil
	}
	var err error
	for _, r := range d.Reasons {
		err = multierr.Append(err, errors.New(r))
	}
	return err
}

type symbolFingerprint struct {
	addr    uintptr
	hash    uint64
	section string
}

// symbolFingerprints computes a per-symbol content hash over the bytes a
// defined symbol occupies in its section, keyed by name. This stands in
// for the original's "bean hash" per-symbol fingerprint (spec.md glossary).
func symbolFingerprints(o *Object) (map[string]symbolFingerprint, error) {
	out := make(map[string]symbolFingerprint)
	if o.ELF == nil {
		return out, nil
	}
	syms, err := o.ELF.Symbols()
	if err != nil {
		// Stripped binaries have no .symtab; fall back to dynsym only.
		syms = nil
	}
	dynsyms, _ := o.ELF.DynamicSymbols()
	all := append(append([]elf.Symbol{}, syms...), dynsyms...)

	for _, sym := range all {
		if sym.Size == 0 || sym.Name == "" {
			continue
		}
		secIdx := int(sym.Section)
		if secIdx < 0 || secIdx >= len(o.ELF.Sections) {
			continue
		}
		section := o.ELF.Sections[secIdx]
		data, err := section.Data()
		if err != nil {
			continue
		}
		off := int64(sym.Value) - int64(section.Addr)
		if off < 0 || off+int64(sym.Size) > int64(len(data)) {
			continue
		}
		content := data[off : off+int64(sym.Size)]
		out[sym.Name] = symbolFingerprint{
			addr:    uintptr(sym.Value),
			hash:    xxhash64(content, 0),
			section: section.Name,
		}
	}
	return out, nil
}

func isCodeSection(name string) bool {
	return name == ".text" || name == ".init" || name == ".fini" || name == ".plt"
}

// isRelroSection reports whether name is one of the sections RELRO
// protection is expected to relocate into (spec.md §4.1 tolerates RELRO
// content churn as non-disruptive, independent of Segments bookkeeping).
func isRelroSection(o *Object, name string) bool {
	return name == ".data.rel.ro" || name == ".got"
}
