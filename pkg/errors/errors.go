// Package errors provides the KME's error kinds and the sentinels the core
// raises so the gateway can map them to HTTP status codes without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the gateway needs to render it, per the
// error handling design (spec §7).
type Kind string

const (
	KindValidation Kind = "validation"  // malformed request shape
	KindAdmission  Kind = "admission"   // size/number/pool-count out of bounds
	KindIdentity   Kind = "identity"    // TLS CN/serial mismatch or unknown principal
	KindRouting    Kind = "routing"     // unreachable SAE, no path
	KindRelay      Kind = "relay"       // peer RPC failed mid-chain
	KindNotFound   Kind = "not_found"   // key id absent
	KindConflict   Kind = "conflict"    // duplicate relay on the same first_key_id
	KindTransient  Kind = "transient"   // bus/HTTP timeout, retryable by the caller
	KindFatal      Kind = "fatal"       // config invariant violated at startup
)

// KMEError wraps an underlying cause with the Kind the gateway renders it as.
type KMEError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *KMEError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *KMEError) Unwrap() error { return e.Err }

// New constructs a KMEError of the given kind.
func New(kind Kind, message string) error {
	return &KMEError{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &KMEError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindFatal when err does
// not carry one (an unclassified error is a programmer error, not something
// the gateway should quietly render as a 400).
func KindOf(err error) Kind {
	var kerr *KMEError
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindFatal
}

// Sentinel errors for errors.Is comparisons in call sites that don't need
// the extra Kind/Message wrapping.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrPoolExhausted    = errors.New("key pool exhausted")
	ErrPoolFull         = errors.New("key pool at capacity")
	ErrUnreachable      = errors.New("no path to destination")
	ErrRelayConflict    = errors.New("relay already in progress for this key")
	ErrUnauthorized     = errors.New("unauthorized principal")
	ErrSizeOutOfRange   = errors.New("requested size outside configured bounds")
	ErrNumberOutOfRange = errors.New("requested number outside configured bounds")
)
