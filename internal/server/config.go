// Package server implements the worker: the WebSocket listener, the
// per-connection session multiplexer, local and forwarded session handlers,
// the upstream connection pool, and the health agent that binds the worker
// to the controller.
package server

import (
	"errors"
	"fmt"
	"time"
)

// Config carries everything a worker needs. All fields are plain data; the
// model and health agent are constructed from it explicitly and passed as
// dependencies, never read from ambient state.
type Config struct {
	ListenIP   string
	ListenPort int

	// AdvertiseURL is the routable base URL peers and the controller use to
	// reach this worker, e.g. "ws://10.0.0.5:8080". Required when a
	// controller is configured.
	AdvertiseURL string

	// ControllerURL selects controller-connected mode; empty means
	// standalone (no forwarding, no reporting).
	ControllerURL string

	MaxSessions int

	SessionInputTimeout  time.Duration
	SessionOutputTimeout time.Duration

	// Password, when set, is required as a bearer token on both endpoints
	// and sent on outbound peer dials and controller requests.
	Password string

	// ModelDirectory is handed to the inference engine untouched.
	ModelDirectory string
}

// Addr is the TCP address the worker binds.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

// Validate checks the fields that would otherwise fail far from their
// source.
func (c Config) Validate() error {
	if c.MaxSessions <= 0 {
		return errors.New("config: max_sessions must be positive")
	}
	if c.SessionInputTimeout <= 0 || c.SessionOutputTimeout <= 0 {
		return errors.New("config: session timeouts must be positive")
	}
	if c.ControllerURL != "" && c.AdvertiseURL == "" {
		return errors.New("config: advertise_url is required in controller-connected mode")
	}
	return nil
}
