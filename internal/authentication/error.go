package authentication

import (
	"errors"
	"fmt"
	"unicode"
)

// Code classifies an Error.
type Code int

const (
	CodeNone Code = iota
	CodeRandomnessFailure
	CodeCurveOperationFailure
	CodeInvalidPeerKey
	CodeDerivationFailure
	CodeEncryptionFailure
	CodeAuthenticationFailure
	CodeCipherSetupFailure
	CodeInconsistentTotalCount
	CodeDuplicateSequenceIndex
	CodeEnrollmentFull
	CodeStoreUnavailable
	CodeMalformedPacket
	CodeMessageTooLarge
	CodeHandshakeInProgress
	CodeNoSession
)

var codeNames = map[Code]string{
	CodeNone:                   "ERROR_NONE",
	CodeRandomnessFailure:      "ERROR_RANDOMNESS_FAILURE",
	CodeCurveOperationFailure:  "ERROR_CURVE_OPERATION_FAILURE",
	CodeInvalidPeerKey:         "ERROR_INVALID_PEER_KEY",
	CodeDerivationFailure:      "ERROR_DERIVATION_FAILURE",
	CodeEncryptionFailure:      "ERROR_ENCRYPTION_FAILURE",
	CodeAuthenticationFailure:  "ERROR_AUTHENTICATION_FAILURE",
	CodeCipherSetupFailure:     "ERROR_CIPHER_SETUP_FAILURE",
	CodeInconsistentTotalCount: "ERROR_INCONSISTENT_TOTAL_COUNT",
	CodeDuplicateSequenceIndex: "ERROR_DUPLICATE_SEQUENCE_INDEX",
	CodeEnrollmentFull:         "ERROR_ENROLLMENT_FULL",
	CodeStoreUnavailable:       "ERROR_STORE_UNAVAILABLE",
	CodeMalformedPacket:        "ERROR_MALFORMED_PACKET",
	CodeMessageTooLarge:        "ERROR_MESSAGE_TOO_LARGE",
	CodeHandshakeInProgress:    "ERROR_HANDSHAKE_IN_PROGRESS",
	CodeNoSession:              "ERROR_NO_SESSION",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_UNKNOWN_%d", int(c))
}

// errCodeString returns a CamelCase error string for code.
func errCodeString(code Code) string {
	// "ERROR_INVALID_PEER_KEY" -> "InvalidPeerKey"
	const prefix = "ERROR_"
	allCaps := code.String()[len(prefix)-1:]
	camelCase := make([]rune, 0, len(allCaps))
	lowerCaseNext := false
	for _, b := range allCaps {
		if b == '_' {
			lowerCaseNext = false
		} else {
			if lowerCaseNext {
				camelCase = append(camelCase, unicode.ToLower(b))
			} else {
				camelCase = append(camelCase, b)
				lowerCaseNext = true
			}
		}
	}
	return string(camelCase)
}

// Error represents a failure in the secure-session layer.
//
// Two Errors match under errors.Is when their codes are equal, so callers can test against the
// sentinel values below regardless of the Info string.
type Error struct {
	Code Code
	Info string
}

// NewError returns an *Error with the given code and optional details.
func NewError(code Code, info string) error {
	return &Error{code, info}
}

func newErrorf(code Code, format string, a ...interface{}) error {
	return &Error{code, fmt.Sprintf(format, a...)}
}

func (e Error) Error() string {
	if e.Info == "" {
		return errCodeString(e.Code)
	}
	return fmt.Sprintf("%s: %s", errCodeString(e.Code), e.Info)
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrRandomnessFailure      = NewError(CodeRandomnessFailure, "")
	ErrCurveOperationFailure  = NewError(CodeCurveOperationFailure, "")
	ErrInvalidPeerKey         = NewError(CodeInvalidPeerKey, "")
	ErrDerivationFailure      = NewError(CodeDerivationFailure, "")
	ErrEncryptionFailure      = NewError(CodeEncryptionFailure, "")
	ErrAuthenticationFailure  = NewError(CodeAuthenticationFailure, "")
	ErrCipherSetupFailure     = NewError(CodeCipherSetupFailure, "")
	ErrInconsistentTotalCount = NewError(CodeInconsistentTotalCount, "")
	ErrDuplicateSequenceIndex = NewError(CodeDuplicateSequenceIndex, "")
	ErrEnrollmentFull         = NewError(CodeEnrollmentFull, "")
	ErrStoreUnavailable       = NewError(CodeStoreUnavailable, "")
	ErrMalformedPacket        = NewError(CodeMalformedPacket, "")
	ErrMessageTooLarge        = NewError(CodeMessageTooLarge, "")
	ErrHandshakeInProgress    = NewError(CodeHandshakeInProgress, "")
	ErrNoSession              = NewError(CodeNoSession, "")
)

// ErrorCode returns the Code carried by err, or CodeNone if err is not an *Error.
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeNone
}

// IsFatal returns true if err must tear down the session it occurred in. Such errors indicate
// the key material itself is unusable, so the peer has to pair again.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case CodeCurveOperationFailure, CodeDerivationFailure, CodeCipherSetupFailure:
		return true
	}
	return false
}
