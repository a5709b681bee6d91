// Package syncerr classifies engine failures into transient, permanent and
// configuration errors so the scheduler knows whether to retry.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the retry class of an error.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindConfig    Kind = "config"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTask         = errors.New("invalid task")
	ErrUnsupportedStrategy = errors.New("unsupported strategy")
	ErrMissingDependency   = errors.New("missing dependency")
	ErrNotCancellable      = errors.New("task cannot be cancelled")
	ErrOffline             = errors.New("offline")
)

// Error carries the operation, the retry class and, for transport failures,
// the remote status code.
type Error struct {
	Op     string
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed [%s]", e.Op, e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

func Permanent(op string, err error) error {
	return &Error{Op: op, Kind: KindPermanent, Err: err}
}

func Config(op string, err error) error {
	return &Error{Op: op, Kind: KindConfig, Err: err}
}

// FromStatus classifies a non-2xx remote response. 5xx, 408, 429 and 401
// (expired credentials) are retried; every other 4xx is permanent.
func FromStatus(op string, status int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	if status == http.StatusNotFound {
		err = fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	kind := KindPermanent
	switch {
	case status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized:
		kind = KindTransient
	}
	return &Error{Op: op, Kind: kind, Status: status, Err: err}
}

// KindOf returns the retry class of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidTask),
		errors.Is(err, ErrUnsupportedStrategy),
		errors.Is(err, ErrMissingDependency):
		return KindConfig
	case errors.Is(err, ErrNotCancellable):
		return KindPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindPermanent || k == KindConfig
}
