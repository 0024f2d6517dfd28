package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a message that might have been
	// acted on. For example, if a write times out after the receiver acknowledged some fragments,
	// the receiver may or may not have typed the text.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition, such as
	// the receiver still finishing a handshake for another write.
	Temporary() bool
}

var (
	// ErrBusy indicates the receiver rejected a request because it is still processing an earlier
	// one.
	ErrBusy = NewError("receiver busy", false, true)
	// ErrNotConnected indicates the receiver could not be reached.
	ErrNotConnected = NewError("receiver not connected", false, false)
	// ErrNoSession indicates the client has not paired with or resumed a session on the receiver.
	ErrNoSession = NewError("cannot send encrypted data before establishing a session", false, false)
	// ErrPairingRefused indicates the receiver declined the client's public key, usually because it
	// is not in pairing mode or its enrollment table is full.
	ErrPairingRefused = NewError("receiver refused pairing: put it in pairing mode and try again", false, false)
	// ErrUnknownSecret indicates the receiver resumed a session for a key whose shared secret the
	// client no longer holds.
	ErrUnknownSecret = NewError("receiver resumed a session this client has no secret for: remove the enrollment and pair again", false, false)
	// ErrTimeout indicates the receiver did not respond in time.
	ErrTimeout = NewError("timed out waiting for receiver", false, true)
	// ErrInvalidPublicKey indicates a key that is not an uncompressed NIST P-256 point.
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrBadResponse      = errors.New("invalid response")
	ErrBadPayload       = errors.New("invalid payload")
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// TransportError wraps a failed write to the receiver.
//
// A write that failed after some fragments of a message went out may still have been typed once
// the receiver gets the rest from a retry, so partial writes are never retried.
type TransportError struct {
	Err     error
	Partial bool
}

func (e *TransportError) Error() string {
	if e.Partial {
		return fmt.Sprintf("write interrupted mid-message: %s", e.Err)
	}
	return fmt.Sprintf("write failed: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) MayHaveSucceeded() bool {
	return e.Partial
}

func (e *TransportError) Temporary() bool {
	return !e.Partial
}

// MayHaveSucceeded returns true if err is an Error that indicates the message may have been
// acted on but the client did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err is an Error that indicates the message failed due to possibly
// transient conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should resend the message that triggered an error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}

// GetError translates an AuthStatus notification into an appropriate Error, returning nil if the
// receiver accepted the client.
func GetError(n *Notification) error {
	if n == nil || n.Type != NotificationAuthStatus {
		return ErrBadResponse
	}
	switch n.Status {
	case AuthSuccess:
		return nil
	case AuthBusy:
		return ErrBusy
	case AuthFailed:
		return ErrPairingRefused
	default:
		return ErrBadResponse
	}
}
