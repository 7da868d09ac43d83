package reloc

import "errors"

var (
	errUnsupported  = errors.New("reloc: unsupported relocation type")
	errCopyDeferred = errors.New("reloc: R_X86_64_COPY must be handled by the caller (copy-relocation, ET_EXEC only)")
)
