package camera

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrReaderStopped is returned by reader operations after Stop.
	ErrReaderStopped = errors.New("camera: reader stopped")
	// ErrNotConnected is returned by ReadFrame before a successful Connect.
	ErrNotConnected = errors.New("camera: reader not connected")
	// ErrInvalidDescriptor wraps descriptor validation failures.
	ErrInvalidDescriptor = errors.New("camera: invalid descriptor")
)

// ErrorKind says whether reconnecting may help.
type ErrorKind int

const (
	// Transient errors are retried with backoff.
	Transient ErrorKind = iota
	// Terminal errors fail the reader immediately.
	Terminal
)

func (k ErrorKind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "transient"
}

// ErrorCategory classifies source failures for logs and status messages.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryNetwork
	CategoryAuth
	CategoryNotFound
	CategoryDevice
	CategoryCodec
	CategoryTimeout
	CategoryExhausted
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryAuth:
		return "auth"
	case CategoryNotFound:
		return "not_found"
	case CategoryDevice:
		return "device"
	case CategoryCodec:
		return "codec"
	case CategoryTimeout:
		return "timeout"
	case CategoryExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// SourceError is a classified camera failure.
type SourceError struct {
	Kind     ErrorKind
	Category ErrorCategory
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("camera: %s %s error: %v", e.Kind, e.Category, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func transientError(c ErrorCategory, err error) error {
	return &SourceError{Kind: Transient, Category: c, Err: err}
}

func terminalError(c ErrorCategory, err error) error {
	return &SourceError{Kind: Terminal, Category: c, Err: err}
}

// IsTerminal reports whether err must fail the reader without retrying.
func IsTerminal(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == Terminal
	}
	return errors.Is(err, exec.ErrNotFound)
}

// CategoryOf returns the category of a classified error, or CategoryUnknown.
func CategoryOf(err error) ErrorCategory {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Category
	}
	return CategoryUnknown
}

// classifyOutput maps ffmpeg diagnostics to an error. Auth and missing
// resources are terminal, everything else is retried.
func classifyOutput(output string, cause error) error {
	msg := strings.ToLower(output)
	if cause == nil {
		cause = errors.New("stream ended")
	}
	detail := cause
	if line := lastLine(output); line != "" {
		detail = fmt.Errorf("%w: %s", cause, line)
	}

	switch {
	case containsAny(msg, "401 unauthorized", "403 forbidden", "unauthorized", "authentication failed", "forbidden"):
		return terminalError(CategoryAuth, detail)
	case containsAny(msg, "404 not found", "no such file or directory", "server returned 404"):
		return terminalError(CategoryNotFound, detail)
	case containsAny(msg, "invalid data found", "could not find codec", "decoding error", "unsupported"):
		return transientError(CategoryCodec, detail)
	case containsAny(msg, "timed out", "timeout"):
		return transientError(CategoryTimeout, detail)
	case containsAny(msg, "connection refused", "connection reset", "network is unreachable",
		"no route to host", "could not resolve", "name or service not known", "broken pipe", "end of file"):
		return transientError(CategoryNetwork, detail)
	default:
		return transientError(CategoryUnknown, detail)
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
