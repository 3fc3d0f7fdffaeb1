package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, a peer that went away mid-request.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown agent, malformed message, duplicate registration.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	// Examples: a full mailbox that refused the incoming message.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes raised by the bus and the lifecycle orchestrator.
const (
	// Transient errors
	ErrCodeTimeout    ErrorCode = "TIMEOUT"     // Request or receive deadline elapsed
	ErrCodeSenderGone ErrorCode = "SENDER_GONE" // Waiting party or resolver unregistered

	// Permanent errors
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"              // Unknown agent or topic
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"          // Malformed message or argument
	ErrCodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION" // Agent id already registered
	ErrCodeAlreadyTerminated     ErrorCode = "ALREADY_TERMINATED"     // Agent is in TERMINATED state
	ErrCodePrecondition          ErrorCode = "PRECONDITION"           // Illegal state transition
	ErrCodeCanceled              ErrorCode = "CANCELED"               // Caller canceled the operation
	ErrCodeClosed                ErrorCode = "CLOSED"                 // Bus or orchestrator closed
	ErrCodeTaskFailed            ErrorCode = "TASK_FAILED"            // Peer answered a request with an error

	// Resource errors
	ErrCodeCapacity ErrorCode = "CAPACITY" // Mailbox full, incoming message could not evict

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeSenderGone:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeDuplicateRegistration,
		ErrCodeAlreadyTerminated, ErrCodePrecondition, ErrCodeCanceled,
		ErrCodeClosed, ErrCodeTaskFailed:
		return CategoryPermanent

	case ErrCodeCapacity:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:               "operation timed out",
	ErrCodeSenderGone:            "sender gone",
	ErrCodeNotFound:              "not found",
	ErrCodeInvalidInput:          "invalid input",
	ErrCodeDuplicateRegistration: "agent already registered",
	ErrCodeAlreadyTerminated:     "agent already terminated",
	ErrCodePrecondition:          "precondition failed",
	ErrCodeCanceled:              "operation canceled",
	ErrCodeClosed:                "closed",
	ErrCodeTaskFailed:            "task failed",
	ErrCodeCapacity:              "mailbox at capacity",
	ErrCodeInternal:              "internal error",
	ErrCodePanic:                 "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
