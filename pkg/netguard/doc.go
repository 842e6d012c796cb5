// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package netguard issues outbound HTTP requests whose destination URLs come
// from external configuration, guarding against server-side request forgery.
// URL and address validation are pure functions so policy can be tested
// without touching the network; the Fetcher re-resolves hostnames immediately
// before each connection and re-validates every redirect hop.
package netguard
