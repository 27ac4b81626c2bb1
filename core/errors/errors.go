package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure so callers can decide how to react without
// inspecting message text.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindSecurityRejection  Kind = "SECURITY_REJECTION"
	KindStateConflict      Kind = "STATE_CONFLICT"
	KindSignatureInvalid   Kind = "SIGNATURE_INVALID"
	KindLedgerFailure      Kind = "LEDGER_FAILURE"
	KindIntegrityViolation Kind = "INTEGRITY_VIOLATION"
	KindNotFound           Kind = "NOT_FOUND"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrSecurityRejection  = &Error{Kind: KindSecurityRejection}
	ErrStateConflict      = &Error{Kind: KindStateConflict}
	ErrSignatureInvalid   = &Error{Kind: KindSignatureInvalid}
	ErrLedgerFailure      = &Error{Kind: KindLedgerFailure}
	ErrIntegrityViolation = &Error{Kind: KindIntegrityViolation}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// Machine-readable reason codes.
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeBlacklisted          = "BLACKLISTED_ADDRESS"
	CodeVolumeLimit          = "VOLUME_LIMIT_EXCEEDED"
	CodeTradeLimit           = "TRADE_LIMIT_EXCEEDED"
	CodeHighVelocity         = "HIGH_VELOCITY_TRADING"
	CodeHighRiskBlocked      = "HIGH_RISK_REQUEST_BLOCKED"
	CodeMediumRiskFlagged    = "MEDIUM_RISK_REQUEST_FLAGGED"
	CodeDuplicateEscrow      = "DUPLICATE_ESCROW"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeProofExpired         = "PROOF_EXPIRED"
	CodeProofReplayed        = "PROOF_REPLAYED"
	CodeDisputeWindowExpired = "DISPUTE_WINDOW_EXPIRED"
	CodeReleaseCoolingOff    = "RELEASE_COOLING_OFF"
	CodeUnauthorizedActor    = "UNAUTHORIZED_ACTOR"
	CodeInvalidState         = "INVALID_STATE"
	CodeSubmissionPending    = "LEDGER_SUBMISSION_PENDING"
	CodeConcurrentUpdate     = "CONCURRENT_UPDATE"
	CodeLedgerTimeout        = "LEDGER_TIMEOUT"
	CodeLedgerRejected       = "LEDGER_REJECTED"
	CodeLedgerUnavailable    = "LEDGER_UNAVAILABLE"
	CodeHashMismatch         = "HASH_MISMATCH"
	CodePreviousHashMismatch = "PREVIOUS_HASH_MISMATCH"
	CodeSequenceBreak        = "SEQUENCE_BREAK"
	CodeSegmentLinkBreak     = "SEGMENT_LINK_BREAK"
	CodeSealMismatch         = "SEAL_MISMATCH"
	CodeSegmentHalted        = "SEGMENT_HALTED"
	CodeEscrowNotFound       = "ESCROW_NOT_FOUND"
	CodeDisputeNotFound      = "DISPUTE_NOT_FOUND"
	CodeProfileNotFound      = "PROFILE_NOT_FOUND"
	CodeSegmentNotFound      = "SEGMENT_NOT_FOUND"
	CodeInvalidResolution    = "INVALID_RESOLUTION"
	CodeInvalidPartialAmount = "INVALID_PARTIAL_AMOUNT"
	CodeEscrowNotExpired     = "ESCROW_NOT_EXPIRED"
)

// Error is the typed failure returned across component boundaries.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Flags      []string
	RetryAfter time.Time
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind; a target carrying a code must match
// the code too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Retryable reports whether the caller may repeat the operation unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindLedgerFailure || (e.Kind == KindSecurityRejection && !e.RetryAfter.IsZero())
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func Rejected(code string, flags []string, format string, args ...any) *Error {
	e := newError(KindSecurityRejection, code, format, args...)
	e.Flags = append([]string(nil), flags...)
	return e
}

func Conflict(code, format string, args ...any) *Error {
	return newError(KindStateConflict, code, format, args...)
}

func SignatureInvalid(format string, args ...any) *Error {
	return newError(KindSignatureInvalid, CodeInvalidSignature, format, args...)
}

func Ledger(code string, err error, format string, args ...any) *Error {
	e := newError(KindLedgerFailure, code, format, args...)
	e.Err = err
	return e
}

func Integrity(code, format string, args ...any) *Error {
	return newError(KindIntegrityViolation, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

// CodeOf extracts the reason code from err, or "" when err is not typed.
func CodeOf(err error) string {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// KindOf extracts the kind from err, or "" when err is not typed.
func KindOf(err error) Kind {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var typed *Error
	ok := stderrors.As(err, &typed)
	return typed, ok
}
