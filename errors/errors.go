package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentError is the interface for all structured errors in swarmbus.
type AgentError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of AgentError.
type Error struct {
	code          ErrorCode
	category      ErrorCategory
	message       string
	cause         error
	metadata      map[string]string
	retryable     *bool // nil means use default based on category
	timestamp     time.Time
	agentID       string
	correlationID string
}

var (
	_ AgentError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// AgentID returns the agent the error concerns, if set.
func (e *Error) AgentID() string {
	return e.agentID
}

// CorrelationID returns the request correlation id, if set.
func (e *Error) CorrelationID() string {
	return e.correlationID
}

type errorJSON struct {
	Code          ErrorCode         `json:"code"`
	Category      ErrorCategory     `json:"category"`
	Message       string            `json:"message"`
	Cause         string            `json:"cause,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Retryable     bool              `json:"retryable"`
	Timestamp     string            `json:"timestamp,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:          e.code,
		Category:      e.category,
		Message:       e.message,
		Metadata:      e.metadata,
		Retryable:     e.Retryable(),
		AgentID:       e.agentID,
		CorrelationID: e.correlationID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.agentID = j.AgentID
	e.correlationID = j.CorrelationID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAgentID sets the agent the error concerns.
func WithAgentID(id string) Option {
	return func(e *Error) {
		e.agentID = id
	}
}

// WithCorrelationID sets the request correlation id.
func WithCorrelationID(id string) Option {
	return func(e *Error) {
		e.correlationID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// NotFound reports an unknown agent or topic.
func NotFound(kind, name string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata(kind, name)}, opts...)
	return New(ErrCodeNotFound, fmt.Sprintf("%s %q not found", kind, name), opts...)
}

// Capacity reports a mailbox that could not admit a message.
func Capacity(agentID string, capacity int, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID), WithMetadata("capacity", fmt.Sprint(capacity))}, opts...)
	return New(ErrCodeCapacity, fmt.Sprintf("mailbox for %s full (capacity %d)", agentID, capacity), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Canceled creates a cancellation error.
func Canceled(message string, opts ...Option) *Error {
	return New(ErrCodeCanceled, message, opts...)
}

// SenderGone reports that a party to a pending wait unregistered.
func SenderGone(agentID string, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID)}, opts...)
	return New(ErrCodeSenderGone, fmt.Sprintf("agent %s gone", agentID), opts...)
}

// DuplicateRegistration reports a second registration of the same id.
func DuplicateRegistration(agentID string, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID)}, opts...)
	return New(ErrCodeDuplicateRegistration, fmt.Sprintf("agent %s already registered", agentID), opts...)
}

// AlreadyTerminated reports an operation on a TERMINATED agent.
func AlreadyTerminated(agentID string, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID)}, opts...)
	return New(ErrCodeAlreadyTerminated, fmt.Sprintf("agent %s already terminated", agentID), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Precondition creates a precondition error.
func Precondition(message string, opts ...Option) *Error {
	return New(ErrCodePrecondition, message, opts...)
}

// Closed reports an operation on a closed component.
func Closed(component string, opts ...Option) *Error {
	return New(ErrCodeClosed, component+" closed", opts...)
}

// TaskFailed reports a request answered with an error by its peer.
func TaskFailed(correlationID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithCorrelationID(correlationID), WithCause(cause)}, opts...)
	return New(ErrCodeTaskFailed, fmt.Sprintf("request %s failed", correlationID), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
