// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/go-core-stack/mcp-gateway-relay/pkg/config"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// safeBuffer is a goroutine-safe sink for the IDE-bound frame stream.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *safeBuffer) Lines() []string {
	var out []string
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func testConfig(t *testing.T, token string) config.Config {
	t.Helper()
	gatewayURL, err := url.Parse("https://gateway.example.com/servers/42/mcp")
	if err != nil {
		t.Fatalf("parse gateway url: %v", err)
	}
	return config.Config{
		GatewayURL:  gatewayURL,
		Token:       token,
		Timeout:     2 * time.Second,
		LogLevel:    "info",
		MaxInFlight: 4,
	}
}

func newTestBridge(t *testing.T, cfg config.Config, in io.Reader, stub doerFunc) (*Bridge, *safeBuffer) {
	t.Helper()
	out := &safeBuffer{}
	b := New(cfg, in, out)
	b.client = stub
	return b, out
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRelayForwardsWithBearerToken(t *testing.T) {
	var (
		gotAuth        string
		gotContentType string
		gotBody        []byte
		gotURL         string
	)

	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		gotAuth = req.Header.Get("Authorization")
		gotContentType = req.Header.Get("Content-Type")
		gotBody = body
		gotURL = req.URL.String()
		return jsonResponse(http.StatusOK, `{"jsonrpc":"2.0","id":"1","result":{"tools":[]}}`), nil
	})

	frame := `{"jsonrpc":"2.0","id":"1","method":"tools/list"}`
	b, out := newTestBridge(t, testConfig(t, "tok-abc"), strings.NewReader(frame+"\n"), stub)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected Content-Type: %q", gotContentType)
	}
	if string(gotBody) != frame {
		t.Fatalf("frame not forwarded verbatim: %s", gotBody)
	}
	if gotURL != "https://gateway.example.com/servers/42/mcp" {
		t.Fatalf("unexpected target url: %s", gotURL)
	}

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one response frame, got %d: %v", len(lines), lines)
	}
	if got := gjson.Get(lines[0], "id").String(); got != "1" {
		t.Fatalf("response not correlated, id=%q", got)
	}
}

func TestRelayWithoutTokenOmitsAuthorization(t *testing.T) {
	authSeen := "unset"
	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		authSeen = req.Header.Get("Authorization")
		return jsonResponse(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{}}`), nil
	})

	frame := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	b, _ := newTestBridge(t, testConfig(t, ""), strings.NewReader(frame+"\n"), stub)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if authSeen != "" {
		t.Fatalf("Authorization must not be synthesized, got %q", authSeen)
	}
}

func TestRelayCorrelatesOutOfOrderCompletions(t *testing.T) {
	out := &safeBuffer{}

	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		id := gjson.GetBytes(body, "id").Int()
		if id == 1 {
			// Hold the first request until the second response has been
			// delivered, forcing out-of-order completion.
			deadline := time.Now().Add(2 * time.Second)
			for !strings.Contains(out.String(), `"id":2`) {
				if time.Now().After(deadline) {
					return nil, errors.New("second response never arrived")
				}
				time.Sleep(5 * time.Millisecond)
			}
			return jsonResponse(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{"first":true}}`), nil
		}
		return jsonResponse(http.StatusOK, `{"jsonrpc":"2.0","id":2,"result":{"second":true}}`), nil
	})

	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"

	b := New(testConfig(t, "tok"), strings.NewReader(input), out)
	b.client = stub

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected two response frames, got %d: %v", len(lines), lines)
	}
	if got := gjson.Get(lines[0], "id").Int(); got != 2 {
		t.Fatalf("expected id 2 to complete first, got %d", got)
	}
	if got := gjson.Get(lines[1], "id").Int(); got != 1 {
		t.Fatalf("expected id 1 to complete second, got %d", got)
	}
}

func TestRelaySurfacesGatewayErrorStatus(t *testing.T) {
	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"detail":"invalid token"}`), nil
	})

	frame := `{"jsonrpc":"2.0","id":"req-9","method":"tools/list"}`
	b, out := newTestBridge(t, testConfig(t, "expired"), strings.NewReader(frame+"\n"), stub)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run must not fail on upstream errors: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one error envelope, got %v", lines)
	}
	env := lines[0]
	if got := gjson.Get(env, "id").String(); got != "req-9" {
		t.Fatalf("error envelope lost the request id: %q", got)
	}
	if got := gjson.Get(env, "error.code").Int(); got != codeGatewayError {
		t.Fatalf("unexpected error code: %d", got)
	}
	if msg := gjson.Get(env, "error.message").String(); !strings.Contains(msg, "401") {
		t.Fatalf("expected status in message, got %q", msg)
	}
	if data := gjson.Get(env, "error.data").String(); !strings.Contains(data, "invalid token") {
		t.Fatalf("expected truncated body in data, got %q", data)
	}
}

func TestRelayTimeout(t *testing.T) {
	cfg := testConfig(t, "tok")
	cfg.Timeout = 50 * time.Millisecond

	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	frame := `{"jsonrpc":"2.0","id":3,"method":"tools/call"}`
	b, out := newTestBridge(t, cfg, strings.NewReader(frame+"\n"), stub)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one envelope, got %v", lines)
	}
	if got := gjson.Get(lines[0], "error.code").Int(); got != codeTimeout {
		t.Fatalf("expected timeout code %d, got %d", codeTimeout, got)
	}
}

func TestRelayUnreachableGateway(t *testing.T) {
	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	})

	frame := `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`
	b, out := newTestBridge(t, testConfig(t, "tok"), strings.NewReader(frame+"\n"), stub)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one envelope, got %v", lines)
	}
	if got := gjson.Get(lines[0], "error.code").Int(); got != codeUnreachable {
		t.Fatalf("expected unreachable code %d, got %d", codeUnreachable, got)
	}
}

func TestRelayRejectsDuplicateInFlightID(t *testing.T) {
	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		once.Do(func() { close(firstStarted) })
		select {
		case <-release:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
		return jsonResponse(http.StatusOK, `{"jsonrpc":"2.0","id":7,"result":{}}`), nil
	})

	pr, pw := io.Pipe()
	b, out := newTestBridge(t, testConfig(t, "tok"), pr, stub)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	frame := `{"jsonrpc":"2.0","id":7,"method":"tools/call"}` + "\n"
	if _, err := pw.Write([]byte(frame)); err != nil {
		t.Fatalf("write first frame: %v", err)
	}
	<-firstStarted

	if _, err := pw.Write([]byte(frame)); err != nil {
		t.Fatalf("write duplicate frame: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return strings.Contains(out.String(), `"code":-32600`)
	})

	close(release)
	if err := pw.Close(); err != nil {
		t.Fatalf("close input: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	var rejected, succeeded bool
	for _, line := range out.Lines() {
		switch {
		case gjson.Get(line, "error.code").Int() == codeInvalidRequest:
			rejected = true
		case gjson.Get(line, "result").Exists():
			succeeded = true
		}
	}
	if !rejected {
		t.Fatal("duplicate id was not rejected")
	}
	if !succeeded {
		t.Fatal("original request did not complete")
	}
}

func TestRelayParseError(t *testing.T) {
	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		t.Error("unparseable frames must not reach the gateway")
		return nil, errors.New("unexpected call")
	})

	b, out := newTestBridge(t, testConfig(t, "tok"), strings.NewReader("this is not json\n"), stub)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one envelope, got %v", lines)
	}
	if got := gjson.Get(lines[0], "error.code").Int(); got != codeParseError {
		t.Fatalf("expected parse error code, got %d", got)
	}
}

func TestRelayNotificationsProduceNoResponse(t *testing.T) {
	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusAccepted, ""), nil
	})

	frame := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	b, out := newTestBridge(t, testConfig(t, "tok"), strings.NewReader(frame+"\n"), stub)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if lines := out.Lines(); len(lines) != 0 {
		t.Fatalf("notifications must not produce responses, got %v", lines)
	}
}

func TestShutdownFailsPendingRequests(t *testing.T) {
	started := make(chan struct{})

	stub := doerFunc(func(req *http.Request) (*http.Response, error) {
		close(started)
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	pr, pw := io.Pipe()
	b, out := newTestBridge(t, testConfig(t, "tok"), pr, stub)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	if _, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":"9","method":"tools/call"}` + "\n")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	<-started

	// Shutdown while the request is still pending: it must be cancelled and
	// answered with a session-closed envelope, never a partial response.
	b.Shutdown()

	waitUntil(t, 2*time.Second, func() bool {
		return strings.Contains(out.String(), `"code":-32003`)
	})

	if err := pw.Close(); err != nil {
		t.Fatalf("close input: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one envelope, got %v", lines)
	}
	env := lines[0]
	if got := gjson.Get(env, "error.code").Int(); got != codeSessionClosed {
		t.Fatalf("expected session closed code %d, got %d", codeSessionClosed, got)
	}
	if got := gjson.Get(env, "id").String(); got != "9" {
		t.Fatalf("envelope lost the pending id: %q", got)
	}
}
