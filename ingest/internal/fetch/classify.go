package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
)

// Class categorizes an upstream failure.
type Class string

const (
	ClassTemporary  Class = "temporary"   // 5xx, 408, timeout, network
	ClassRateLimit  Class = "rate_limit"  // 429, quota reasons on 403
	ClassAuth       Class = "auth"        // 401
	ClassForbidden  Class = "forbidden"   // 403, site not verified for the account
	ClassNotFound   Class = "not_found"   // 404, 410
	ClassBadRequest Class = "bad_request" // 400
	ClassUnknown    Class = "unknown"
)

// Retriable reports whether a page failing with this class should be retried
// without bound.
func (c Class) Retriable() bool {
	return c == ClassTemporary || c == ClassRateLimit
}

var quotaReasons = map[string]bool{
	"ratelimitexceeded":     true,
	"userratelimitexceeded": true,
	"quotaexceeded":         true,
	"dailylimitexceeded":    true,
}

// Classify maps an HTTP status, an optional API reason and the underlying
// error to a Class. A zero status means no response was received; transport
// errors are then matched by type.
func Classify(status int, reason string, err error) Class {
	switch {
	case status == 429:
		return ClassRateLimit
	case status == 408:
		return ClassTemporary
	case status == 401:
		return ClassAuth
	case status == 403:
		if quotaReasons[strings.ToLower(reason)] {
			return ClassRateLimit
		}
		return ClassForbidden
	case status == 404 || status == 410:
		return ClassNotFound
	case status == 400:
		return ClassBadRequest
	case status >= 500 && status < 600:
		return ClassTemporary
	case status != 0:
		return ClassUnknown
	}

	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ClassTemporary
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTemporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTemporary
	}
	return ClassUnknown
}

// Tag wraps err in a RetriableError or FatalError according to Classify.
// Errors that are already tagged are returned unchanged.
func Tag(status int, reason string, err error) error {
	if err == nil {
		return nil
	}
	var re *RetriableError
	var fe *FatalError
	if errors.As(err, &re) || errors.As(err, &fe) {
		return err
	}
	c := Classify(status, reason, err)
	if c.Retriable() {
		return &RetriableError{Class: c, Status: status, Err: err}
	}
	return &FatalError{Class: c, Status: status, Err: err}
}
