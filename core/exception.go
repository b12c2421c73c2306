package core

import (
	"errors"
	"fmt"
	"strings"
)

// CallStackError decorates an encountered error with the stack of node
// roles that were consuming it when it propagated past them unhandled. It
// is the middle layer of the canonical three-layer failure chain
// (spec.md §3, §7): outer container, call-stack decoration, encountered
// error.
type CallStackError struct {
	roles      []string
	encountered error
}

// NewCallStackError wraps an encountered error for the first time.
func NewCallStackError(encountered error) *CallStackError {
	return &CallStackError{encountered: encountered}
}

// WithRole returns a copy of the call-stack error with role pushed onto the
// front of the recorded call stack, so the most recently added, outermost
// consumer comes first (the order Roles reports).
func (e *CallStackError) WithRole(role string) *CallStackError {
	roles := make([]string, 0, len(e.roles)+1)
	roles = append(roles, role)
	roles = append(roles, e.roles...)
	return &CallStackError{roles: roles, encountered: e.encountered}
}

// Roles returns the accumulated calling node-stack, outermost call first.
func (e *CallStackError) Roles() []string {
	out := make([]string, len(e.roles))
	copy(out, e.roles)
	return out
}

func (e *CallStackError) Error() string {
	if len(e.roles) == 0 {
		return e.encountered.Error()
	}
	return fmt.Sprintf("%s (via %s)", e.encountered.Error(), strings.Join(e.roles, " -> "))
}

// Unwrap exposes the encountered error to errors.Is/errors.As.
func (e *CallStackError) Unwrap() error {
	return e.encountered
}

// ContainerError is the outermost layer of the canonical chain: the
// future-like protocol's failure envelope. It carries the suppressed
// causes of sibling primed-dependency failures when the owning node's
// ExceptionStrategy is Suppress.
type ContainerError struct {
	inner      *CallStackError
	suppressed []error
}

// NewContainerError wraps a call-stack error for the first time.
func NewContainerError(inner *CallStackError) *ContainerError {
	return &ContainerError{inner: inner}
}

// WithSuppressed returns a copy of the container with additional suppressed
// causes appended. Suppressed causes are only attached when the owning
// node's ExceptionStrategy is Suppress (spec.md §7); Discard strategy never
// calls this.
func (e *ContainerError) WithSuppressed(causes ...error) *ContainerError {
	merged := make([]error, 0, len(e.suppressed)+len(causes))
	merged = append(merged, e.suppressed...)
	merged = append(merged, causes...)
	return &ContainerError{inner: e.inner, suppressed: merged}
}

// Suppressed returns the causes attached by sibling primed-dependency
// failures under the Suppress exception strategy.
func (e *ContainerError) Suppressed() []error {
	out := make([]error, len(e.suppressed))
	copy(out, e.suppressed)
	return out
}

// CallStack returns the middle layer of the chain.
func (e *ContainerError) CallStack() *CallStackError {
	return e.inner
}

func (e *ContainerError) Error() string {
	if len(e.suppressed) == 0 {
		return e.inner.Error()
	}
	return fmt.Sprintf("%s (+%d suppressed)", e.inner.Error(), len(e.suppressed))
}

// Unwrap exposes the call-stack layer to errors.Is/errors.As.
func (e *ContainerError) Unwrap() error {
	return e.inner
}

// WrapFailure builds the canonical three-layer chain around a freshly
// encountered error (one that is not already in canonical form): a
// ContainerError wrapping a CallStackError wrapping the encountered error
// itself, with no roles recorded yet.
func WrapFailure(encountered error) *ContainerError {
	return NewContainerError(NewCallStackError(encountered))
}

// AsContainerError reports whether err is already in canonical three-layer
// form, returning the container if so. Used by the executor to decide
// whether a failure propagating out of a behavior must be wrapped afresh
// or merely decorated with the consuming node's role (spec.md §7: "If the
// exception is already in canonical form... reuse the outer container").
func AsContainerError(err error) (*ContainerError, bool) {
	var container *ContainerError
	if errors.As(err, &container) {
		return container, true
	}
	return nil, false
}

// Cause walks the chain and returns the first non-container cause: the
// encountered error with every ContainerError/CallStackError layer
// stripped away. This is the canonical way to inspect the original cause
// (spec.md §7).
func Cause(err error) error {
	for {
		switch e := err.(type) {
		case *ContainerError:
			err = e.inner
		case *CallStackError:
			err = e.encountered
		default:
			return err
		}
	}
}
