package object

// Namespace is an integer tag partitioning the symbol-resolution scope
// (spec.md §3.1). Distinct namespaces never share symbols for resolution.
type Namespace int32

const (
	// NamespaceBase is the default namespace every top-level binary loads into.
	NamespaceBase Namespace = 0
	// NamespaceNew requests that the loader allocate a fresh namespace id,
	// the Go analogue of `dlmopen(LM_ID_NEWLM, ...)`.
	NamespaceNew Namespace = -1
)
