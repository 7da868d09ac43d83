package object

// Info is the closed outcome enumeration for ObjectIdentity.Load (spec.md
// §4.1). It is returned alongside an error only when the error adds detail
// beyond what the Info value itself conveys (e.g. the underlying os.Open
// failure for ErrorOpen); callers should switch on Info, not the error text.
type Info int

const (
	ErrorOpen Info = iota
	ErrorStat
	ErrorMap
	ErrorELF
	IdenticalTime
	IdenticalHash
	UpdateDisabled
	UpdateIncompatible
	UpdateModified
	FailedPreloading
	FailedMapping
	SuccessLoad
	SuccessUpdate
)

func (i Info) String() string {
	switch i {
	case ErrorOpen:
		return "ERROR_OPEN"
	case ErrorStat:
		return "ERROR_STAT"
	case ErrorMap:
		return "ERROR_MAP"
	case ErrorELF:
		return "ERROR_ELF"
	case IdenticalTime:
		return "IDENTICAL_TIME"
	case IdenticalHash:
		return "IDENTICAL_HASH"
	case UpdateDisabled:
		return "UPDATE_DISABLED"
	case UpdateIncompatible:
		return "UPDATE_INCOMPATIBLE"
	case UpdateModified:
		return "UPDATE_MODIFIED"
	case FailedPreloading:
		return "FAILED_PRELOADING"
	case FailedMapping:
		return "FAILED_MAPPING"
	case SuccessLoad:
		return "SUCCESS_LOAD"
	case SuccessUpdate:
		return "SUCCESS_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Recoverable reports whether this outcome should be logged to the
// status-info stream and allow the loader to continue (spec.md §7), as
// opposed to the narrow set of fatal conditions (initial-program load
// failure, allocation failure during bring-up, non-weak relocation
// resolution failure) that abort the process.
func (i Info) Recoverable() bool {
	switch i {
	case ErrorOpen, ErrorStat, ErrorMap, ErrorELF,
		IdenticalTime, IdenticalHash,
		UpdateDisabled, UpdateIncompatible, UpdateModified,
		FailedPreloading, FailedMapping:
		return true
	default:
		return false
	}
}

// Flags are per-ObjectIdentity boolean attributes (spec.md §3.1).
type Flags struct {
	Updatable    bool
	BindNow      bool
	BindDeep     bool
	Persistent   bool
	Premapped    bool
	Initialized  bool
	ExecutedMain bool // the executed main binary, as opposed to a dependency
}
