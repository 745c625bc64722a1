package melda

import "errors"

// ErrorKind classifies the failure. Sentinel errors are grouped in this
// one file rather than scattered as ad-hoc fmt.Errorf strings through
// the codebase, so callers have a single vocabulary to match against.
type ErrorKind int

const (
	// BadShape: input JSON lacks a required _id on a flattened
	// sub-object, or the root is not an object.
	ErrBadShape ErrorKind = iota
	// BadRevision: parse failure or index <= 0.
	ErrBadRevision
	// UnknownParent: replaying a change whose referenced parent
	// revision is absent, even after topological retry.
	ErrUnknownParent
	// AdapterIo: underlying storage failure.
	ErrAdapterIo
	// Corruption: pack/delta hash mismatch on read.
	ErrCorruption
	// Conflict is informational, not fatal: surfaced via the read-time
	// conflict enumeration (InConflict/GetConflicting), never returned
	// as an operation error.
	ErrConflict
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBadShape:
		return "bad_shape"
	case ErrBadRevision:
		return "bad_revision"
	case ErrUnknownParent:
		return "unknown_parent"
	case ErrAdapterIo:
		return "adapter_io"
	case ErrCorruption:
		return "corruption"
	case ErrConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// MeldaError wraps a failure with its kind and the operation/object it
// happened under, so callers can both errors.Is a sentinel kind and
// errors.As to this type for the richer context.
type MeldaError struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *MeldaError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg += " (object " + e.ID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MeldaError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBadShape) work directly against a *MeldaError,
// comparing by Kind rather than by identity.
func (e *MeldaError) Is(target error) bool {
	k, ok := kindSentinel(target)
	return ok && k == e.Kind
}

var (
	sentinelBadShape      = errors.New("melda: bad shape")
	sentinelBadRevision   = errors.New("melda: bad revision")
	sentinelUnknownParent = errors.New("melda: unknown parent")
	sentinelAdapterIo     = errors.New("melda: adapter io error")
	sentinelCorruption    = errors.New("melda: corruption")
	sentinelConflict      = errors.New("melda: conflict")
)

// Sentinel returns the package-level sentinel for errors.Is comparisons,
// e.g. errors.Is(err, melda.Sentinel(melda.ErrBadShape)).
func Sentinel(k ErrorKind) error {
	switch k {
	case ErrBadShape:
		return sentinelBadShape
	case ErrBadRevision:
		return sentinelBadRevision
	case ErrUnknownParent:
		return sentinelUnknownParent
	case ErrAdapterIo:
		return sentinelAdapterIo
	case ErrCorruption:
		return sentinelCorruption
	case ErrConflict:
		return sentinelConflict
	default:
		return nil
	}
}

func kindSentinel(target error) (ErrorKind, bool) {
	switch target {
	case sentinelBadShape:
		return ErrBadShape, true
	case sentinelBadRevision:
		return ErrBadRevision, true
	case sentinelUnknownParent:
		return ErrUnknownParent, true
	case sentinelAdapterIo:
		return ErrAdapterIo, true
	case sentinelCorruption:
		return ErrCorruption, true
	case sentinelConflict:
		return ErrConflict, true
	default:
		return 0, false
	}
}

func newErr(kind ErrorKind, op, id string, err error) *MeldaError {
	return &MeldaError{Kind: kind, Op: op, ID: id, Err: err}
}
