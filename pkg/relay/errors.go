// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"fmt"
	"time"
)

// GatewayRequestError reports a non-2xx status from the gateway. Body holds a
// truncated copy of the upstream response for diagnostics.
type GatewayRequestError struct {
	Status int
	Body   string
}

func (e *GatewayRequestError) Error() string {
	return fmt.Sprintf("gateway returned status %d", e.Status)
}

// GatewayTimeoutError reports an outbound call that exceeded its deadline.
// The relay never retries; retry policy belongs to the IDE.
type GatewayTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *GatewayTimeoutError) Error() string {
	return fmt.Sprintf("gateway request timed out after %s", e.Timeout)
}

func (e *GatewayTimeoutError) Unwrap() error {
	return e.Err
}

// GatewayUnreachableError reports connection refusal or DNS failure reaching
// the gateway.
type GatewayUnreachableError struct {
	Host string
	Err  error
}

func (e *GatewayUnreachableError) Error() string {
	return fmt.Sprintf("gateway %q unreachable: %v", e.Host, e.Err)
}

func (e *GatewayUnreachableError) Unwrap() error {
	return e.Err
}

// SessionClosedError is delivered to every request still pending when the
// session shuts down.
type SessionClosedError struct {
	ID string
}

func (e *SessionClosedError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("session closed while request %s was pending", e.ID)
	}
	return "session closed"
}

// DuplicateIDError rejects a request whose identifier is already outstanding
// in the session.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("request id %s is already in flight", e.ID)
}
