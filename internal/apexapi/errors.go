package apexapi

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/valyala/fasthttp"
)

// Kind tells whether a failed fetch is worth retrying.
type Kind int

const (
	// Transient failures may succeed on a later attempt.
	Transient Kind = iota + 1
	// Fatal failures will not change by retrying.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchError is returned by Client.Fetch for every failure.
type FetchError struct {
	Kind   Kind
	Player string
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %q: %s (http %d): %v", e.Player, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %q: %s: %v", e.Player, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient FetchError.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Transient
}

var (
	ErrEmptyPlayer = errors.New("empty player name")
	ErrAPI         = errors.New("provider error")
	ErrBadPayload  = errors.New("malformed payload")
)

// classifyTransport sorts network-level errors. Resets, aborts and
// timeouts are transient; everything else (DNS failure, refused
// connection, TLS errors) is fatal.
func classifyTransport(err error) Kind {
	switch {
	case errors.Is(err, fasthttp.ErrTimeout),
		errors.Is(err, fasthttp.ErrDialTimeout),
		errors.Is(err, fasthttp.ErrConnectionClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	return Fatal
}

// classifyStatus sorts non-2xx responses: 5xx and 429 are transient.
func classifyStatus(status int) Kind {
	if status >= 500 || status == fasthttp.StatusTooManyRequests {
		return Transient
	}
	return Fatal
}
