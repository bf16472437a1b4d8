package signal

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable means the local log could not be created or opened.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrIOFailure means a single append failed mid-write.
	ErrIOFailure = errors.New("io failure")
	// ErrDeliveryRejected means the remote endpoint answered with a non-2xx status.
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrDeliveryUnreachable means the remote endpoint could not be reached.
	ErrDeliveryUnreachable = errors.New("delivery unreachable")
	// ErrMalformedIngress means an ingress message could not be decoded.
	ErrMalformedIngress = errors.New("malformed ingress")
)

// IOFailure describes a failed append. It matches ErrIOFailure with errors.Is.
type IOFailure struct {
	Reason string
	Err    error
}

func (e *IOFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("io failure: %s: %v", e.Reason, e.Err)
	}
	return "io failure: " + e.Reason
}

func (e *IOFailure) Is(target error) bool { return target == ErrIOFailure }

func (e *IOFailure) Unwrap() error { return e.Err }

// MalformedField reports why one field of an ingress message was dropped.
type MalformedField struct {
	Field  string
	Reason string
}

func (e *MalformedField) Error() string {
	return fmt.Sprintf("malformed ingress field %q: %s", e.Field, e.Reason)
}

func (e *MalformedField) Is(target error) bool { return target == ErrMalformedIngress }
