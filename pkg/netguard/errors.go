// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package netguard

import "fmt"

// InvalidURLError reports a URL that is malformed or uses a scheme other than
// http or https.
type InvalidURLError struct {
	URL    string
	Reason string
	Err    error
}

func (e *InvalidURLError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid url %q: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

func (e *InvalidURLError) Unwrap() error {
	return e.Err
}

// DisallowedHostError reports a host that is a loopback alias or resolves to
// a private, loopback, link-local, or otherwise reserved address.
type DisallowedHostError struct {
	Host   string
	Addr   string // offending resolved address, empty for textual matches
	Reason string
}

func (e *DisallowedHostError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("disallowed host %q: resolves to %s (%s)", e.Host, e.Addr, e.Reason)
	}
	return fmt.Sprintf("disallowed host %q: %s", e.Host, e.Reason)
}

// NameResolutionError reports a DNS lookup failure for the request host.
type NameResolutionError struct {
	Host string
	Err  error
}

func (e *NameResolutionError) Error() string {
	return fmt.Sprintf("resolve host %q: %v", e.Host, e.Err)
}

func (e *NameResolutionError) Unwrap() error {
	return e.Err
}

// RedirectError reports a redirect chain that exceeded the hop limit or
// attempted to change schemes.
type RedirectError struct {
	Hops   int
	Target string
	Reason string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect to %q rejected after %d hop(s): %s", e.Target, e.Hops, e.Reason)
}
