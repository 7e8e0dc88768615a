// Copyright 2025 Certen Protocol
//
// Package kerr provides the typed error taxonomy shared across the
// autocapture kernel. Every fallible kernel operation returns an error that
// satisfies errors.Is against one of the Kind sentinels below, so callers
// (in particular cmd/autocapturectl) can translate a failure into an exit
// code without string-matching error messages.
package kerr

import (
	"errors"
	"fmt"
)

// Kind tags an error with one of the kernel's error categories.
type Kind string

const (
	Validation  Kind = "validation"
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	Integrity   Kind = "integrity"
	Crypto      Kind = "crypto"
	Transaction Kind = "transaction"
	Policy      Kind = "policy"
	IO          Kind = "io"
)

// sentinels, one per Kind, so errors.Is(err, kerr.ErrConflict) works after
// wrapping with %w.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrIntegrity   = errors.New("integrity error")
	ErrCrypto      = errors.New("crypto error")
	ErrTransaction = errors.New("transaction error")
	ErrPolicy      = errors.New("policy error")
	ErrIO          = errors.New("io error")
)

func sentinelFor(k Kind) error {
	switch k {
	case Validation:
		return ErrValidation
	case NotFound:
		return ErrNotFound
	case Conflict:
		return ErrConflict
	case Integrity:
		return ErrIntegrity
	case Crypto:
		return ErrCrypto
	case Transaction:
		return ErrTransaction
	case Policy:
		return ErrPolicy
	case IO:
		return ErrIO
	default:
		return errors.New("unknown error")
	}
}

// kindError wraps an underlying cause with a Kind so errors.Is matches both
// the Kind sentinel and, transitively, the wrapped cause.
type kindError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *kindError) Unwrap() []error {
	return []error{sentinelFor(e.kind), e.cause}
}

// New builds an error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Wrap tags cause with kind, preserving errors.Is/As against cause.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &kindError{kind: kind, msg: msg, cause: cause}
}

// KindOf returns the Kind tagged on err, or "" if err was never tagged by
// this package.
func KindOf(err error) Kind {
	for _, k := range []Kind{Validation, NotFound, Conflict, Integrity, Crypto, Transaction, Policy, IO} {
		if errors.Is(err, sentinelFor(k)) {
			return k
		}
	}
	return ""
}

// ExitCode maps a Kind to the kernel's process exit code convention:
// 0 success, 2 invalid arguments, 3 integrity/verification failure,
// 4 I/O failure, 1 for any other uncaught error.
func ExitCode(kind Kind) int {
	switch kind {
	case Validation, Conflict, Policy:
		return 2
	case Integrity, Crypto, Transaction:
		return 3
	case IO:
		return 4
	case NotFound:
		return 1
	default:
		return 1
	}
}
