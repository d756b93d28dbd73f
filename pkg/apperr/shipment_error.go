package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Every error that crosses a stage
// boundary carries exactly one kind so the orchestrator can route it
// (retry, manual review, hard fail) without string matching.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindLowConfidence       Kind = "low_confidence"
	KindValidationFailure   Kind = "validation_failure"
	KindConflictingWrite    Kind = "conflicting_write"
	KindExternalUnavailable Kind = "external_unavailable"
	KindDataIntegrity       Kind = "data_integrity"
	KindUnknownFailure      Kind = "unknown_failure"
)

// Error codes
const (
	// Resource errors
	CodeEmailNotFound    = "EMAIL_NOT_FOUND"
	CodeShipmentNotFound = "SHIPMENT_NOT_FOUND"
	CodeNotFound         = "NOT_FOUND"

	// Pipeline errors
	CodeLowConfidence     = "LOW_CONFIDENCE"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeMissingField      = "MISSING_FIELD"

	// Write errors
	CodeBookingConflict = "BOOKING_CONFLICT"
	CodeLinkConflict    = "LINK_CONFLICT"

	// External errors
	CodeDatabaseError    = "DATABASE_ERROR"
	CodeLLMError         = "LLM_ERROR"
	CodeEmbeddingError   = "EMBEDDING_ERROR"
	CodeBlobStoreError   = "BLOB_STORE_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeProcessingParked = "PROCESSING_PARKED"

	// Internal errors
	CodeIntegrityViolation = "INTEGRITY_VIOLATION"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeConfigError        = "CONFIG_ERROR"
)

// AppError represents a structured pipeline error
type AppError struct {
	Code    string         `json:"code"`
	Kind    Kind           `json:"kind"`
	Stage   string         `json:"stage,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// WithStage records the pipeline stage that produced the error.
func (e *AppError) WithStage(stage string) *AppError {
	e.Stage = stage
	return e
}

// Retryable reports whether the failure is transient and the email should
// stay pending for another pass.
func (e *AppError) Retryable() bool {
	return e.Kind == KindExternalUnavailable
}

// Constructor functions
func New(code string, kind Kind, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

func Wrap(err error, code string, kind Kind, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func EmailNotFound(emailID int64) *AppError {
	return &AppError{
		Code:    CodeEmailNotFound,
		Kind:    KindNotFound,
		Message: fmt.Sprintf("email %d not found", emailID),
		Details: map[string]any{"email_id": emailID},
	}
}

func ShipmentNotFound(shipmentID int64) *AppError {
	return &AppError{
		Code:    CodeShipmentNotFound,
		Kind:    KindNotFound,
		Message: fmt.Sprintf("shipment %d not found", shipmentID),
		Details: map[string]any{"shipment_id": shipmentID},
	}
}

// Pipeline errors
func LowConfidence(confidence int, threshold int) *AppError {
	return &AppError{
		Code:    CodeLowConfidence,
		Kind:    KindLowConfidence,
		Message: fmt.Sprintf("classification confidence %d below threshold %d", confidence, threshold),
		Details: map[string]any{"confidence": confidence, "threshold": threshold},
	}
}

func ValidationFailed(message string) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Kind:    KindValidationFailure,
		Message: message,
	}
}

func InvalidTransition(current, requested string, allowed []string) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Kind:    KindValidationFailure,
		Message: fmt.Sprintf("transition %s -> %s not allowed", current, requested),
		Details: map[string]any{
			"current_state":   current,
			"requested_state": requested,
			"allowed_states":  allowed,
		},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Kind:    KindValidationFailure,
		Message: fmt.Sprintf("missing required field: %s", field),
		Details: map[string]any{"field": field},
	}
}

// Write errors
func BookingConflict(bookingNumber string, err error) *AppError {
	return &AppError{
		Code:    CodeBookingConflict,
		Kind:    KindConflictingWrite,
		Message: fmt.Sprintf("concurrent create for booking %s", bookingNumber),
		Details: map[string]any{"booking_number": bookingNumber},
		Err:     err,
	}
}

func LinkConflict(emailID int64, err error) *AppError {
	return &AppError{
		Code:    CodeLinkConflict,
		Kind:    KindConflictingWrite,
		Message: fmt.Sprintf("concurrent link write for email %d", emailID),
		Details: map[string]any{"email_id": emailID},
		Err:     err,
	}
}

// External errors
func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Kind:    KindExternalUnavailable,
		Message: fmt.Sprintf("database error: %s", operation),
		Err:     err,
	}
}

func LLMError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeLLMError,
		Kind:    KindExternalUnavailable,
		Message: fmt.Sprintf("llm error: %s", operation),
		Err:     err,
	}
}

func EmbeddingError(err error) *AppError {
	return &AppError{
		Code:    CodeEmbeddingError,
		Kind:    KindExternalUnavailable,
		Message: "embedding provider error",
		Err:     err,
	}
}

func BlobStoreError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeBlobStoreError,
		Kind:    KindExternalUnavailable,
		Message: fmt.Sprintf("blob store error: %s", operation),
		Err:     err,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Kind:    KindExternalUnavailable,
		Message: fmt.Sprintf("operation timed out: %s", operation),
	}
}

// ProcessingParked mirrors an email that a pipeline run parked back at
// pending after a transient failure. The job layer retries it with backoff
// instead of leaving it for the next poll sweep.
func ProcessingParked(emailID int64, reason string) *AppError {
	return &AppError{
		Code:    CodeProcessingParked,
		Kind:    KindExternalUnavailable,
		Message: fmt.Sprintf("email %d parked for retry: %s", emailID, reason),
		Details: map[string]any{"email_id": emailID},
	}
}

// Internal errors
func IntegrityViolation(message string) *AppError {
	return &AppError{
		Code:    CodeIntegrityViolation,
		Kind:    KindDataIntegrity,
		Message: message,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Kind:    KindUnknownFailure,
		Message: message,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Kind:    KindUnknownFailure,
		Message: "internal error",
		Err:     err,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Kind:    KindUnknownFailure,
		Message: message,
	}
}

// FromPanic converts a recovered panic value into an UnknownFailure.
// The orchestrator installs this at its per-email boundary.
func FromPanic(recovered any, stage string) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Kind:    KindUnknownFailure,
		Stage:   stage,
		Message: fmt.Sprintf("panic: %v", recovered),
	}
}

// Common error instances
var (
	ErrEmailNotFound    = NotFound("email")
	ErrShipmentNotFound = NotFound("shipment")
	ErrNoBookingNumber  = MissingField("booking_number")
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

// KindOf returns the kind of an error, defaulting to UnknownFailure for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknownFailure
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the email should be retried rather than failed.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}
