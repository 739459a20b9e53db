package qq

import (
	"errors"
	"fmt"

	"github.com/vaan0524/qqbridge/pkg/channel"
)

// ErrClosed is returned when an operation is attempted on a channel that has
// been shut down. Named errors like this let callers check the exact cause
// with errors.Is() instead of comparing strings.
var ErrClosed = errors.New("qq: channel closed")

// AuthError means the credential exchange with the token endpoint failed.
// A still-valid cached token is never discarded because of one.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("qq: credential exchange: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the QQ open API. Code is the platform
// error code from the response body (0 when the body carried none).
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qq: api error: status=%d code=%d message=%q", e.Status, e.Code, e.Message)
}

// SizeLimitError means an attachment exceeds the byte ceiling for its kind.
// It is raised before any network call.
type SizeLimitError struct {
	Kind  channel.AttachmentKind
	Size  int
	Limit int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("qq: %s attachment of %d bytes exceeds %d byte limit", e.Kind, e.Size, e.Limit)
}

// FallbackError means media delivery failed and the text fallback failed or
// was not applicable.
type FallbackError struct {
	Primary  error // the original media delivery failure
	Fallback error // nil when no fallback was attempted
}

func (e *FallbackError) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("qq: media delivery failed with no fallback: %v", e.Primary)
	}
	return fmt.Sprintf("qq: media delivery failed (%v); text fallback failed (%v)", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() error { return e.Primary }
