package xui

import (
	"errors"
	"fmt"
)

// ErrInboundNotFound is returned when an inbound id is absent from the panel.
var ErrInboundNotFound = errors.New("inbound not found")

// ErrInboundNotLocated is wrapped by LocateError.
var ErrInboundNotLocated = errors.New("inbound not located after creation")

// LoginError indicates the panel rejected the credentials or did not set a
// session cookie.
type LoginError struct {
	URL string
	Err error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("xui: login to %s failed: %v", e.URL, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// HTTPStatusError indicates the panel responded, but with an unexpected
// HTTP status code.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("xui: unexpected status %d from %s", e.StatusCode, e.URL)
}

// APIError is a well-formed response with success=false.
type APIError struct {
	Path string
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("xui: %s: request not successful", e.Path)
	}
	return fmt.Sprintf("xui: %s: %s", e.Path, e.Msg)
}

// LocateError is returned by CreateInbound when the add call succeeded but the
// new inbound could not be found by remark within the retry schedule. The
// remote inbound may exist; the remark identifies it for manual cleanup.
type LocateError struct {
	Remark   string
	Attempts int
}

func (e *LocateError) Error() string {
	return fmt.Sprintf("xui: inbound with remark %q not found after %d attempts", e.Remark, e.Attempts)
}

func (e *LocateError) Unwrap() error { return ErrInboundNotLocated }
