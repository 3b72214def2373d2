package docker

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/docker/distribution/registry/api/errcode"
)

var (
	// ErrUnauthorizedForCredentials is returned when the registry keeps rejecting
	// our credentials (or our lack of them) after a token exchange.
	ErrUnauthorizedForCredentials = errors.New("unable to retrieve auth token: invalid username/password")
	// ErrTooManyRequests is returned when the status code returned is 429
	ErrTooManyRequests = errors.New("too many requests to registry")
	// ErrNotFound is matched by errors for 404 responses (unknown repository, tag or blob).
	ErrNotFound = errors.New("not found in registry")
	// ErrNotAManifest is matched when a manifest request resolved to an image index.
	ErrNotAManifest = errors.New("reference is an image index, not a manifest")
	// ErrNotAnIndex is returned when an index request resolved to a single-platform manifest.
	ErrNotAnIndex = errors.New("reference is a manifest, not an image index")
	// ErrResponseTooLarge is returned when a buffered response exceeds the configured maximum size.
	ErrResponseTooLarge = errors.New("registry response exceeds size limit")
	// ErrRequestTimeout is matched by errors for requests that exceeded their deadline.
	ErrRequestTimeout = errors.New("registry request timed out")
)

// NotAManifestError is returned by GetManifest when the server answered with
// an index; callers should use GetIndex instead.
type NotAManifestError struct {
	MIMEType string
}

func (e *NotAManifestError) Error() string {
	return fmt.Sprintf("%s (MIME type %q)", ErrNotAManifest.Error(), e.MIMEType)
}

// Is makes errors.Is(err, ErrNotAManifest) work.
func (e *NotAManifestError) Is(target error) bool {
	return target == ErrNotAManifest
}

// UnexpectedHTTPStatusError is returned for any registry response with a
// status we cannot handle.  Errors holds the decoded registry error body, if
// the body was in the registry error format.
type UnexpectedHTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Errors     errcode.Errors
	// Body is a prefix of the response body, set only when it was not a registry error document.
	Body string
}

func (e *UnexpectedHTTPStatusError) Error() string {
	var detail string
	switch {
	case len(e.Errors) > 0:
		msgs := make([]string, 0, len(e.Errors))
		for _, err := range e.Errors {
			msgs = append(msgs, err.Error())
		}
		detail = strings.Join(msgs, "; ")
	case e.Body != "":
		detail = e.Body
	}
	s := fmt.Sprintf("unexpected HTTP status %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
	if e.URL != "" {
		s = e.Method + " " + e.URL + ": " + s
	}
	if detail != "" {
		s += ": " + detail
	}
	return s
}

// IsNotFound reports whether the registry answered 404.
func (e *UnexpectedHTTPStatusError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Is maps the status code onto the package's sentinel errors, so callers can
// tell "not found" from "auth failed" from everything else.
func (e *UnexpectedHTTPStatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorizedForCredentials:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrTooManyRequests:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// TransportError is returned when a request could not be completed at all:
// unreachable host, TLS failure, timeout or cancellation.
type TransportError struct {
	Op  string // e.g. "fetching manifest"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request exceeded its deadline.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, ErrRequestTimeout)
}

// maxErrorBodySize bounds how much of an error response we read.
const maxErrorBodySize = 64 * 1024

// registryHTTPResponseToError creates a Go error from an HTTP error response of a docker/distribution
// registry.  It consumes (but does not close) res.Body.
func registryHTTPResponseToError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
	e := &UnexpectedHTTPStatusError{
		StatusCode: res.StatusCode,
	}
	if res.Request != nil {
		e.Method = res.Request.Method
		e.URL = res.Request.URL.Redacted()
	}
	var errs errcode.Errors
	if err := errs.UnmarshalJSON(body); err == nil && len(errs) > 0 {
		e.Errors = errs
	} else {
		e.Body = strings.TrimSpace(string(body))
		if len(e.Body) > 512 {
			e.Body = e.Body[:512] + "…"
		}
	}
	return e
}
