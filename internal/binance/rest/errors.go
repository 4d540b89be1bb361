package rest

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the venue, carrying the venue's own
// error code when the body could be decoded.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (http %d): %s", e.Code, e.Status, e.Msg)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Msg)
}

// Unrecoverable reports whether retrying the same request can ever succeed.
// Authentication and signature failures cannot.
func (e *APIError) Unrecoverable() bool {
	if e.Status == 401 || e.Status == 403 {
		return true
	}
	switch e.Code {
	case -1022, -2014, -2015: // bad signature, bad key format, rejected key
		return true
	}
	return false
}

// RateLimited reports whether the venue asked us to back off.
func (e *APIError) RateLimited() bool {
	return e.Status == 429 || e.Status == 418 || e.Code == -1003
}

// IsUnrecoverable classifies an error from any client method.
func IsUnrecoverable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unrecoverable()
}

// IsRateLimited classifies an error from any client method.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}
