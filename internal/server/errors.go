package server

import (
	"fmt"
	"reflect"
)

// ErrContext is the context payload of a typed worker error.
type ErrContext interface {
	message() string
}

// Error wraps a condition-specific context with an optional inner cause.
// Errors of the same context type match with errors.Is regardless of the
// inner error.
type Error[C ErrContext] struct {
	Inner   error
	Context C
}

func (e Error[C]) Unwrap() error {
	return e.Inner
}

func (e Error[C]) Error() string {
	msg := e.Context.message()
	if e.Inner != nil {
		return fmt.Sprintf("%s: %v", msg, e.Inner.Error())
	}
	return msg
}

func (e Error[C]) Is(other error) bool {
	return reflect.TypeOf(e) == reflect.TypeOf(other)
}

// ErrNoCapacity means admission failed locally and via every peer.
type ErrNoCapacity = Error[NoCapacityContext]
type NoCapacityContext struct{}

func (NoCapacityContext) message() string {
	return "no capacity for new session"
}

// ErrUpstreamDial means a peer connection could not be established.
type ErrUpstreamDial = Error[UpstreamDialContext]
type UpstreamDialContext struct {
	URL string
}

func (c UpstreamDialContext) message() string {
	return fmt.Sprintf("failed to dial upstream worker at %q", c.URL)
}

// ErrUpstreamGone means the shared peer transport died under a lease.
type ErrUpstreamGone = Error[UpstreamGoneContext]
type UpstreamGoneContext struct {
	URL string
}

func (c UpstreamGoneContext) message() string {
	return fmt.Sprintf("upstream connection to %q is gone", c.URL)
}

// ErrSessionLeased means a session id is already routed through an upstream
// connection, so a second lease for it cannot be demultiplexed.
type ErrSessionLeased = Error[SessionLeasedContext]
type SessionLeasedContext struct {
	SessionID string
}

func (c SessionLeasedContext) message() string {
	return fmt.Sprintf("session %q already leased on this upstream", c.SessionID)
}

// User-visible session error strings. These are protocol surface: clients
// match on them.
const (
	msgNoCapacity      = "No capacity"
	msgSessionNotFound = "Session not found"
	msgUpstreamFailure = "Upstream failure"
	msgInputInactivity = "Inactivity timeout"
	msgOutputTimeout   = "Output timeout"
	msgInternalError   = "Internal error"
)
