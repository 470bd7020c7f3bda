package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies backend failures.
type ErrorKind int

const (
	// ErrUnknown is anything the adapters could not classify.
	ErrUnknown ErrorKind = iota

	// ErrAuth means the credentials were rejected. Never retried.
	ErrAuth

	// ErrRateLimit means the backend throttled the call or a quota is
	// exhausted.
	ErrRateLimit

	// ErrServer is a transient backend failure (5xx, overloaded).
	ErrServer

	// ErrMalformed means the reply could not be parsed.
	ErrMalformed

	// ErrNetwork covers transport failures and timeouts.
	ErrNetwork

	// ErrSignature means the backend rejected the conversation's
	// continuation tokens.
	ErrSignature

	// ErrInvalidRequest is any other 4xx rejection.
	ErrInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAuth:
		return "auth"
	case ErrRateLimit:
		return "rate_limit"
	case ErrServer:
		return "server"
	case ErrMalformed:
		return "malformed_response"
	case ErrNetwork:
		return "network"
	case ErrSignature:
		return "signature"
	case ErrInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every adapter.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string

	// RetryAfter is the backend's requested delay, when it sent one.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		b.WriteString(" (HTTP ")
		b.WriteString(strconv.Itoa(e.Status))
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or ErrUnknown if err does not
// wrap an [*Error].
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ErrUnknown
}

// signatureMarkers are substrings backends use when rejecting a history
// whose continuation tokens do not validate.
var signatureMarkers = []string{
	"thought_signature",
	"thoughtsignature",
	"thought signature",
	"signature is invalid",
	"invalid signature",
}

// quotaMarkers identify throttling reported with a non-429 status.
var quotaMarkers = []string{
	"resource_exhausted",
	"quota",
	"rate limit",
	"rate_limit",
}

// httpError classifies a non-2xx reply.
func httpError(provider string, resp *http.Response, body string) *Error {
	e := &Error{
		Provider: provider,
		Status:   resp.StatusCode,
		Message:  body,
	}
	lower := strings.ToLower(body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = ErrRateLimit
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		e.Kind = ErrServer
		// Some backends wrap quota exhaustion in a 503.
		if containsAny(lower, quotaMarkers) {
			e.Kind = ErrRateLimit
		}
	case containsAny(lower, signatureMarkers):
		e.Kind = ErrSignature
	case containsAny(lower, quotaMarkers):
		e.Kind = ErrRateLimit
	default:
		e.Kind = ErrInvalidRequest
	}
	return e
}

// transportError wraps a failure to complete the HTTP exchange. Context
// cancellation by the caller is returned unchanged so it is not mistaken
// for a backend fault.
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return &Error{Kind: ErrNetwork, Provider: provider, Err: err}
}

// malformed wraps a decode failure.
func malformed(provider string, err error) *Error {
	return &Error{Kind: ErrMalformed, Provider: provider, Err: err}
}

// IsTimeout reports whether err is a network or deadline timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// errStreamEnded is reported when a stream closes before completing.
var errStreamEnded = errors.New("stream ended before turn completed")

// errNoChoices is reported when a completion carries no choices.
var errNoChoices = errors.New("response has no choices")
