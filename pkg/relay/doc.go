// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package relay bridges a local MCP-speaking IDE to a remote gateway virtual
// server. It reads newline-delimited JSON-RPC frames from the IDE transport,
// forwards each as an authenticated HTTP POST through the hardened outbound
// fetcher, and writes correlated responses back, possibly out of order.
// Failures become JSON-RPC error envelopes carrying the original request id;
// the bridge itself never crashes on upstream errors and never retries.
package relay
