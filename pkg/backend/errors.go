package backend

// StoreError represents a domain error from backend operations.
//
// Protocol handlers translate StoreError codes to protocol-specific error
// codes rather than inspecting platform errno values.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// ErrorCode represents the category of a backend error.
type ErrorCode int

const (
	// ErrPermissionDenied indicates the operation is not permitted,
	// typically a write to a read-only device.
	ErrPermissionDenied ErrorCode = iota

	// ErrIOError indicates an I/O error reading or writing the device
	ErrIOError

	// ErrNoMemory indicates a buffer or resource allocation failed
	ErrNoMemory

	// ErrNoSpace indicates the device or its quota is exhausted
	ErrNoSpace

	// ErrInvalidArgument indicates invalid parameters were provided
	// Examples: out-of-range offset, zero-length transfer where forbidden
	ErrInvalidArgument
)

// NewError creates a StoreError with the given code and message.
func NewError(code ErrorCode, message string) *StoreError {
	return &StoreError{Code: code, Message: message}
}
