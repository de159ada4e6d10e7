package types

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Kind classifies a failure. The retry engine and the orchestrator switch
// on kinds, never on concrete error types of lower layers.
type Kind string

const (
	KindConfigInvalid    Kind = "config_invalid"
	KindIOUnavailable    Kind = "io_unavailable"
	KindNetworkTransient Kind = "network_transient"
	KindTimeout          Kind = "timeout"
	KindRateLimited      Kind = "rate_limited"
	KindServerError      Kind = "server_error"
	KindClientError      Kind = "client_error"
	KindParseError       Kind = "parse_error"
	KindCircuitOpen      Kind = "circuit_open"
	KindSchemaViolation  Kind = "schema_violation"
	KindCorruptBlob      Kind = "corrupt_blob"
	KindExpired          Kind = "expired"
	KindCancelled        Kind = "cancelled"
	KindFatal            Kind = "fatal"
)

// Retryable reports whether a failure of this kind is worth another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkTransient, KindTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// Classified wraps an error with its failure class.
type Classified struct {
	Kind   Kind
	Err    error
	Status int

	// RetryAfter carries an explicit server backoff hint (HTTP 429).
	RetryAfter time.Duration
}

func (e *Classified) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// NewClassified builds a classified error.
func NewClassified(kind Kind, err error) *Classified {
	return &Classified{Kind: kind, Err: err}
}

// Classify maps an arbitrary error onto the failure taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}
	var ce *Classified
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Classified{Kind: KindCancelled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Classified{Kind: KindTimeout, Err: err}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return &Classified{Kind: KindNetworkTransient, Err: err}
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &Classified{Kind: KindTimeout, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return &Classified{Kind: KindNetworkTransient, Err: err}
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return &Classified{Kind: KindNetworkTransient, Err: err}
	}
	return &Classified{Kind: KindFatal, Err: err}
}

// ClassifyStatus maps an HTTP status code onto the failure taxonomy.
// Success statuses map to nil.
func ClassifyStatus(status int, retryAfter time.Duration) *Classified {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 429:
		if retryAfter <= 0 {
			retryAfter = 5 * time.Second
		}
		return &Classified{
			Kind:       KindRateLimited,
			Err:        fmt.Errorf("HTTP 429: rate limited"),
			Status:     status,
			RetryAfter: retryAfter,
		}
	case status == 408:
		return &Classified{Kind: KindTimeout, Err: fmt.Errorf("HTTP 408: request timeout"), Status: status}
	case status >= 500:
		return &Classified{Kind: KindServerError, Err: fmt.Errorf("HTTP %d", status), Status: status}
	case status >= 400:
		return &Classified{Kind: KindClientError, Err: fmt.Errorf("HTTP %d", status), Status: status}
	default:
		return &Classified{Kind: KindFatal, Err: fmt.Errorf("unexpected HTTP %d", status), Status: status}
	}
}

// KindOf returns the failure class of an error.
func KindOf(err error) Kind {
	c := Classify(err)
	if c == nil {
		return ""
	}
	return c.Kind
}
