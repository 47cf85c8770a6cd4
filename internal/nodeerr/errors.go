// Package nodeerr is the error taxonomy shared by the pairing, trust and
// transport layers. Every error crossing a component boundary is an *Error
// carrying a Kind, so callers can decide between retrying, refreshing the
// session or surfacing the failure.
//
// Messages must never contain secrets: no signing keys, session ids,
// client secrets or pinned fingerprints.
package nodeerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindFormat    Kind = "FORMAT"    // malformed or oversized binary payload
	KindTrust     Kind = "TRUST"     // SAN/fingerprint mismatch, verification failure
	KindAuth      Kind = "AUTH"      // credentials rejected, session invalid
	KindTransport Kind = "TRANSPORT" // connection lost, timeout, I/O
	KindPairing   Kind = "PAIRING"   // node rejected the pairing code
)

// Reasons refine a Kind.
const (
	ReasonCredentialsRejected = "credentials_rejected" // password incorrect or missing
	ReasonAccessDenied        = "access_denied"        // unauthorized API access
	ReasonSessionExpired      = "session_expired"
	ReasonRepairingRequired   = "repairing_required"
	ReasonTimeout             = "timeout"
	ReasonConnectionLost      = "connection_lost"
	ReasonNotConnected        = "not_connected"
	ReasonSANMismatch         = "san_mismatch"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
	ReasonCodeExpired         = "code_expired"
)

// Error is a structured error: kind + message + optional reason and cause.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same Kind, and the same Reason when the
// target sets one. It lets callers write errors.Is(err, nodeerr.ErrTimeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrFormat         = &Error{Kind: KindFormat}
	ErrTrust          = &Error{Kind: KindTrust}
	ErrAuth           = &Error{Kind: KindAuth}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrPairing        = &Error{Kind: KindPairing}
	ErrTimeout        = &Error{Kind: KindTransport, Reason: ReasonTimeout}
	ErrConnectionLost = &Error{Kind: KindTransport, Reason: ReasonConnectionLost}
	ErrNotConnected   = &Error{Kind: KindTransport, Reason: ReasonNotConnected}
)

// New creates an error without a cause.
func New(kind Kind, reason, message string) error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap creates an error with a cause.
func Wrap(kind Kind, reason, message string, cause error) error {
	return &Error{Kind: kind, Reason: reason, Message: message, Cause: cause}
}

// Formatf creates a FormatError.
func Formatf(format string, args ...any) error {
	return &Error{Kind: KindFormat, Message: fmt.Sprintf(format, args...)}
}

// Trust creates a TrustError.
func Trust(reason, message string, cause error) error {
	return &Error{Kind: KindTrust, Reason: reason, Message: message, Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the Reason of the first *Error in err's chain, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Retryable reports whether the caller may simply retry the operation.
// Format and trust failures mean a corrupt QR code or an active MITM and
// are never retried.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}
