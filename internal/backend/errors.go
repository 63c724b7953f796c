package backend

import (
	"errors"
	"fmt"

	"github.com/quillhq/quill/internal/auth"
)

var (
	// ErrUnauthenticated means no credential is available for the call.
	ErrUnauthenticated = auth.ErrUnauthenticated

	// ErrAuthExpired means the credential was revoked server-side or a
	// refresh failed; the caller must re-login.
	ErrAuthExpired = auth.ErrExpired

	// ErrUnsupported marks an operation the backend kind does not offer.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// StatusError is a non-2xx answer from the remote service. Message is
// the most specific text available: the structured error.message field
// when present, otherwise the raw response body, otherwise the HTTP
// status text.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// Unwrap lets HTTP 401 classify as ErrAuthExpired for errors.Is.
func (e *StatusError) Unwrap() error {
	if e.Code == 401 {
		return ErrAuthExpired
	}
	return nil
}

// ProtocolError is a malformed frame or response shape that is not a
// benign chunk split. Raw keeps the offending payload for diagnosis.
type ProtocolError struct {
	Raw string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed backend frame %q: %v", e.Raw, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
