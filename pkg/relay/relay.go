// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/mcp-gateway-relay/pkg/auth"
	"github.com/go-core-stack/mcp-gateway-relay/pkg/config"
	"github.com/go-core-stack/mcp-gateway-relay/pkg/netguard"
)

const (
	// maxFrameSize bounds a single inbound protocol frame.
	maxFrameSize = 1024 * 1024
	// maxResponseSize bounds how much of an upstream body is read.
	maxResponseSize = 10 * 1024 * 1024
	// maxErrorBody caps the upstream body copied into error envelopes.
	maxErrorBody = 4 * 1024
)

// JSON-RPC error codes emitted by the bridge. The -32000 block is the
// implementation-defined server error range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeGatewayError   = -32000
	codeTimeout        = -32001
	codeUnreachable    = -32002
	codeSessionClosed  = -32003
)

// doer abstracts the guarded HTTP client so tests can stub the network.
type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Bridge relays protocol frames between the IDE transport and the gateway.
type Bridge struct {
	cfg     config.Config
	fetcher *netguard.Fetcher
	client  doer
	creds   *auth.Credentials
	session *Session
	logger  zerolog.Logger

	in    io.Reader
	out   io.Writer
	outMu sync.Mutex
}

// New constructs a Bridge wired to the given transport endpoints. Every
// outbound call goes through a netguard fetcher built from cfg.
func New(cfg config.Config, in io.Reader, out io.Writer) *Bridge {
	fetcher := netguard.New(netguard.Options{
		AllowLoopback: cfg.AllowLoopback,
	})

	session := NewSession()

	return &Bridge{
		cfg:     cfg,
		fetcher: fetcher,
		client:  fetcher,
		creds:   auth.NewCredentials(cfg.Token, cfg.APIKey, cfg.APISecret),
		session: session,
		logger:  log.With().Str("component", "relay").Str("session_id", session.ID).Logger(),
		in:      in,
		out:     out,
	}
}

// SessionID returns the identifier assigned to this process's relay session.
func (b *Bridge) SessionID() string {
	return b.session.ID
}

// Run pumps frames from the IDE transport until EOF or context cancellation.
// Each frame is forwarded on its own goroutine, bounded by MaxInFlight, so
// requests complete independently and possibly out of order. Run always
// drains the session before returning.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info().
		Str("gateway_host", b.cfg.GatewayURL.Host).
		Dur("timeout", b.cfg.Timeout).
		Msg("relay session started")

	limit := b.cfg.MaxInFlight
	if limit <= 0 {
		limit = 8
	}
	workers := &errgroup.Group{}
	workers.SetLimit(limit)

	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var scanErr error
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		frame := bytes.TrimSpace(scanner.Bytes())
		if len(frame) == 0 {
			continue
		}
		// Scanner reuses its buffer, copy before handing off.
		owned := append([]byte(nil), frame...)
		workers.Go(func() error {
			b.handleFrame(ctx, owned)
			return nil
		})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		scanErr = fmt.Errorf("read IDE transport: %w", err)
	}

	// EOF drains gracefully: requests already in flight finish and deliver.
	// Shutdown-initiated cancellation (signals) goes through Shutdown first,
	// which fails the pending requests instead.
	_ = workers.Wait()
	b.Shutdown()

	b.logger.Info().Msg("relay session finished")
	return scanErr
}

// Shutdown closes the session: every still-pending request is cancelled and
// answered with a session-closed error, and pooled gateway connections are
// released. Safe to call more than once.
func (b *Bridge) Shutdown() {
	if n := b.session.close(); n > 0 {
		b.logger.Warn().Int("pending", n).Msg("closing session with requests outstanding")
	}
	if b.fetcher != nil {
		b.fetcher.CloseIdleConnections()
	}
}

// handleFrame relays one frame and writes exactly one response or error
// envelope for it (none for notifications that succeed).
func (b *Bridge) handleFrame(ctx context.Context, frame []byte) {
	start := time.Now()

	if !gjson.ValidBytes(frame) {
		b.logger.Warn().Msg("dropping unparseable frame")
		b.writeFrame(errorEnvelope("null", codeParseError, "parse error", ""))
		return
	}

	id := gjson.GetBytes(frame, "id")
	method := gjson.GetBytes(frame, "method").String()
	idRaw := id.Raw // preserves the caller's id type verbatim

	event := b.logger.With().Str("method", method).Str("request_id", idRaw).Logger()

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	if id.Exists() {
		if err := b.session.track(idRaw, cancel); err != nil {
			event.Warn().Err(err).Msg("request rejected")
			b.writeFrame(b.envelopeFor(idRaw, err))
			return
		}
		defer b.session.release(idRaw)
	}

	resp, err := b.forward(reqCtx, frame)
	if err != nil {
		if !id.Exists() {
			// Notification: nothing to correlate an error envelope with.
			event.Warn().Err(err).Msg("notification relay failed")
			return
		}
		if b.session.isClosed() {
			err = &SessionClosedError{ID: idRaw}
		}
		event.Warn().Err(err).Dur("duration", time.Since(start)).Msg("relay failed")
		b.writeFrame(b.envelopeFor(idRaw, err))
		return
	}

	if b.session.isClosed() {
		// No partial responses after cancellation.
		if id.Exists() {
			b.writeFrame(b.envelopeFor(idRaw, &SessionClosedError{ID: idRaw}))
		}
		return
	}

	if len(bytes.TrimSpace(resp)) == 0 {
		event.Debug().Dur("duration", time.Since(start)).Msg("relayed, empty response")
		return
	}

	compact := &bytes.Buffer{}
	if err := json.Compact(compact, resp); err != nil {
		event.Error().Err(err).Msg("gateway returned non-JSON body")
		if id.Exists() {
			b.writeFrame(errorEnvelope(idRaw, codeGatewayError, "gateway returned malformed response", ""))
		}
		return
	}

	b.writeFrame(compact.Bytes())
	event.Debug().Dur("duration", time.Since(start)).Msg("relayed")
}

// forward POSTs one frame to the gateway and returns the response body. All
// failures come back as the typed errors of this package or of netguard.
func (b *Bridge) forward(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.GatewayURL.String(), bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := b.creds.Apply(req); err != nil {
		return nil, fmt.Errorf("attach credentials: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.classify(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Error().Err(closeErr).Msg("close gateway response body failed")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, b.classify(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &GatewayRequestError{
			Status: resp.StatusCode,
			Body:   truncate(body, maxErrorBody),
		}
	}

	return body, nil
}

// classify maps transport failures onto the relay error taxonomy. Validation
// errors raised by netguard (including on redirect hops, where the client
// wraps them in *url.Error) pass through unchanged.
func (b *Bridge) classify(err error) error {
	var invalidURL *netguard.InvalidURLError
	if errors.As(err, &invalidURL) {
		return invalidURL
	}
	var disallowed *netguard.DisallowedHostError
	if errors.As(err, &disallowed) {
		return disallowed
	}
	var redirect *netguard.RedirectError
	if errors.As(err, &redirect) {
		return redirect
	}
	var resolution *netguard.NameResolutionError
	if errors.As(err, &resolution) {
		return resolution
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayTimeoutError{Timeout: b.cfg.Timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &GatewayTimeoutError{Timeout: b.cfg.Timeout, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &GatewayUnreachableError{Host: b.cfg.GatewayURL.Host, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &GatewayUnreachableError{Host: b.cfg.GatewayURL.Host, Err: err}
	}

	return &GatewayUnreachableError{Host: b.cfg.GatewayURL.Host, Err: err}
}

// envelopeFor renders err as a JSON-RPC error envelope carrying idRaw.
func (b *Bridge) envelopeFor(idRaw string, err error) []byte {
	var (
		reqErr      *GatewayRequestError
		timeoutErr  *GatewayTimeoutError
		unreachable *GatewayUnreachableError
		closedErr   *SessionClosedError
		dupErr      *DuplicateIDError
	)

	switch {
	case errors.As(err, &reqErr):
		return errorEnvelope(idRaw, codeGatewayError, err.Error(), reqErr.Body)
	case errors.As(err, &timeoutErr):
		return errorEnvelope(idRaw, codeTimeout, err.Error(), "")
	case errors.As(err, &unreachable):
		return errorEnvelope(idRaw, codeUnreachable, err.Error(), "")
	case errors.As(err, &closedErr):
		return errorEnvelope(idRaw, codeSessionClosed, err.Error(), "")
	case errors.As(err, &dupErr):
		return errorEnvelope(idRaw, codeInvalidRequest, err.Error(), "")
	default:
		// Includes netguard validation failures: reported before any
		// connection attempt, never retried with a relaxed policy.
		return errorEnvelope(idRaw, codeGatewayError, err.Error(), "")
	}
}

// writeFrame delivers one newline-delimited frame to the IDE transport.
// Serialized so concurrent completions never interleave bytes.
func (b *Bridge) writeFrame(frame []byte) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(append(frame, '\n')); err != nil {
		b.logger.Error().Err(err).Msg("write to IDE transport failed")
	}
}

// errorEnvelope builds a JSON-RPC error response preserving the raw id value.
func errorEnvelope(idRaw string, code int, message, data string) []byte {
	if idRaw == "" {
		idRaw = "null"
	}
	env := `{"jsonrpc":"2.0","id":null,"error":{}}`
	env, _ = sjson.SetRaw(env, "id", idRaw)
	env, _ = sjson.Set(env, "error.code", code)
	env, _ = sjson.Set(env, "error.message", message)
	if data != "" {
		env, _ = sjson.Set(env, "error.data", data)
	}
	return []byte(env)
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}
