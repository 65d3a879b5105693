package kernel

// ErrorKind classifies a kernel error according to how it must be handled by
// the caller.
type ErrorKind uint8

const (
	// KindUnknown is the zero value for errors that do not declare a kind.
	KindUnknown ErrorKind = iota

	// ResourceExhausted is reported when no free frame, heap block or
	// heap window space is left. There is no backing store so these
	// errors are always fatal.
	ResourceExhausted

	// InvalidOperation is reported for misuse that can be safely ignored
	// (double free, free of a pointer outside the heap, reentrant calls).
	InvalidOperation

	// CorruptionDetected is reported when a heap guard region has been
	// overwritten.
	CorruptionDetected

	// HardwareFault is reported for CPU-raised exceptions such as page
	// faults.
	HardwareFault
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ResourceExhausted:
		return "resource exhausted"
	case InvalidOperation:
		return "invalid operation"
	case CorruptionDetected:
		return "corruption detected"
	case HardwareFault:
		return "hardware fault"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind selects the handling policy for this error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Fatal returns true if the error cannot be handled locally and must be
// escalated to a halting panic.
func (e *Error) Fatal() bool {
	return e != nil && e.Kind != InvalidOperation
}
