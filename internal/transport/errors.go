package transport

import (
	"errors"
	"fmt"
)

// Result is the outcome of a send operation. It wraps a sentinel so callers
// can errors.Is against it while still getting a descriptive message.
type Result struct {
	sentinel error
	msg      string
}

func (r *Result) Error() string {
	if r == nil {
		return "<nil>"
	}
	if r.msg == "" {
		return r.sentinel.Error()
	}
	return fmt.Sprintf("%s: %s", r.sentinel.Error(), r.msg)
}

// Unwrap allows errors.Is/errors.As to reach the sentinel.
func (r *Result) Unwrap() error { return r.sentinel }

// Sentinel results. The absence of an error (nil) means success.
var (
	ErrNoPeers         = errors.New("no_peers")
	ErrNotSupported    = errors.New("not_supported")
	ErrInvalidParam    = errors.New("invalid_param")
	ErrSendFailed      = errors.New("send_failed")
	ErrAdapterDisabled = errors.New("adapter_disabled")
)

func newResult(sentinel error, msg string) *Result {
	if sentinel == nil {
		return nil
	}
	return &Result{sentinel: sentinel, msg: msg}
}

func resultNoPeers(msg string) error         { return newResult(ErrNoPeers, msg) }
func resultNotSupported(msg string) error    { return newResult(ErrNotSupported, msg) }
func resultInvalidParam(msg string) error    { return newResult(ErrInvalidParam, msg) }
func resultSendFailed(msg string) error      { return newResult(ErrSendFailed, msg) }
func resultAdapterDisabled(msg string) error { return newResult(ErrAdapterDisabled, msg) }

// IsResult reports whether err is a Result wrapping the given sentinel.
func IsResult(err error, sentinel error) bool {
	var r *Result
	if errors.As(err, &r) {
		return errors.Is(r.sentinel, sentinel)
	}
	return errors.Is(err, sentinel)
}
