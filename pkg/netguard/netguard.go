// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package netguard

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxRedirects caps redirect following. Conservative on purpose:
	// each hop is re-validated and cross-scheme hops are refused.
	DefaultMaxRedirects = 3

	defaultDialTimeout = 30 * time.Second
)

// loopbackAliases lists hostnames that textually name the loopback interface
// and must be rejected before any DNS lookup unless loopback is allowed.
var loopbackAliases = map[string]struct{}{
	"localhost":             {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
	"localhost.localdomain": {},
}

// blockedRange pairs a reserved network with the label reported on rejection.
type blockedRange struct {
	net  *net.IPNet
	name string
}

var blockedRanges = buildBlockedRanges()

func buildBlockedRanges() []blockedRange {
	ranges := []struct{ cidr, name string }{
		{"0.0.0.0/8", "this-network"},
		{"10.0.0.0/8", "private"},
		{"100.64.0.0/10", "carrier-grade NAT"},
		{"169.254.0.0/16", "link-local"},
		{"172.16.0.0/12", "private"},
		{"192.0.2.0/24", "documentation"},
		{"192.168.0.0/16", "private"},
		{"198.18.0.0/15", "benchmarking"},
		{"198.51.100.0/24", "documentation"},
		{"203.0.113.0/24", "documentation"},
		{"224.0.0.0/4", "multicast"},
		{"240.0.0.0/4", "reserved"},
		{"fc00::/7", "unique-local"},
		{"fe80::/10", "link-local"},
		{"ff00::/8", "multicast"},
	}

	out := make([]blockedRange, 0, len(ranges))
	for _, r := range ranges {
		_, ipNet, err := net.ParseCIDR(r.cidr)
		if err != nil {
			panic(fmt.Sprintf("netguard: bad builtin cidr %q: %v", r.cidr, err))
		}
		out = append(out, blockedRange{net: ipNet, name: r.name})
	}
	return out
}

// ValidateURL parses raw and enforces the static URL policy: the scheme must
// be exactly http or https and the host must not be a textual loopback alias
// unless allowLoopback is set. No network activity is performed.
func ValidateURL(raw string, allowLoopback bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidURLError{URL: raw, Reason: "malformed", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &InvalidURLError{URL: raw, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return nil, &InvalidURLError{URL: raw, Reason: "missing host"}
	}
	if isLoopbackName(host) && !allowLoopback {
		return nil, &DisallowedHostError{Host: host, Reason: "loopback alias"}
	}
	return u, nil
}

// isLoopbackName matches loopback aliases case-insensitively, tolerating a
// trailing dot and *.localhost subdomains.
func isLoopbackName(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if _, ok := loopbackAliases[h]; ok {
		return true
	}
	return strings.HasSuffix(h, ".localhost")
}

// CheckAddrs applies the address policy to every resolved address for host.
// The check is all-or-nothing: a single disallowed address rejects the host
// wholesale so a multi-answer DNS response cannot smuggle a private target.
// allowLoopback exempts loopback addresses only, never private or link-local
// ranges.
func CheckAddrs(host string, addrs []net.IP, allowLoopback bool) error {
	if len(addrs) == 0 {
		return &NameResolutionError{Host: host, Err: fmt.Errorf("no addresses")}
	}
	for _, ip := range addrs {
		if err := checkIP(host, ip, allowLoopback); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(host string, ip net.IP, allowLoopback bool) error {
	if ip.IsUnspecified() {
		return &DisallowedHostError{Host: host, Addr: ip.String(), Reason: "unspecified"}
	}
	if ip.IsLoopback() {
		if allowLoopback {
			return nil
		}
		return &DisallowedHostError{Host: host, Addr: ip.String(), Reason: "loopback"}
	}
	for _, r := range blockedRanges {
		if r.net.Contains(ip) {
			return &DisallowedHostError{Host: host, Addr: ip.String(), Reason: r.name}
		}
	}
	return nil
}

// Resolver abstracts DNS lookup so policy tests can run without the network.
// net.DefaultResolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Options configures a Fetcher.
type Options struct {
	// AllowLoopback permits loopback names and addresses. Intended for local
	// development only; the relay never sets it on the gateway path unless
	// explicitly asked to.
	AllowLoopback bool
	// MaxRedirects caps redirect hops; zero selects DefaultMaxRedirects.
	MaxRedirects int
	// Timeout bounds each round trip when the request context carries no
	// deadline of its own.
	Timeout time.Duration
	// Resolver overrides DNS resolution, nil selects net.DefaultResolver.
	Resolver Resolver
}

// Fetcher issues HTTP requests to configuration-sourced URLs after validating
// the destination. Hostnames are resolved immediately before connecting and
// never cached across calls; a cached answer would reopen the DNS rebinding
// window the per-call resolution narrows.
type Fetcher struct {
	client        *http.Client
	resolver      Resolver
	allowLoopback bool
	maxRedirects  int
	logger        zerolog.Logger
}

// New constructs a Fetcher with a transport tuned for connection reuse and a
// redirect policy that re-validates every hop.
func New(opts Options) *Fetcher {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}

	f := &Fetcher{
		resolver:      opts.Resolver,
		allowLoopback: opts.AllowLoopback,
		maxRedirects:  opts.MaxRedirects,
		logger:        log.With().Str("component", "netguard").Logger(),
	}

	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: 30 * time.Second,
		// Control re-checks the address actually being dialed, so a record
		// that changed between lookup and connect still cannot reach a
		// reserved range.
		Control: f.controlCheck,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	f.client = &http.Client{
		Timeout:       opts.Timeout,
		Transport:     transport,
		CheckRedirect: f.checkRedirect,
	}

	return f
}

// Do validates req.URL through the full policy chain and then performs the
// request. Validation failures are returned before any connection attempt.
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	u, err := ValidateURL(req.URL.String(), f.allowLoopback)
	if err != nil {
		return nil, err
	}
	if err := f.checkHost(req.Context(), u.Hostname()); err != nil {
		return nil, err
	}
	return f.client.Do(req)
}

// FetchOptions carries the optional pieces of a Fetch call.
type FetchOptions struct {
	Method string // defaults to GET
	Body   io.Reader
	Header http.Header
}

// Fetch builds a request for rawURL and issues it through Do.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, opts.Body)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Reason: "malformed", Err: err}
	}
	for k, vv := range opts.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	return f.Do(req)
}

// CloseIdleConnections releases pooled upstream connections.
func (f *Fetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

// checkHost resolves host and applies the address policy to the full answer
// set. IP literals skip resolution but not the policy.
func (f *Fetcher) checkHost(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		return CheckAddrs(host, []net.IP{ip}, f.allowLoopback)
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return &NameResolutionError{Host: host, Err: err}
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return CheckAddrs(host, ips, f.allowLoopback)
}

// checkRedirect enforces the hop cap, refuses scheme changes, and re-runs the
// full validation chain on each redirect target.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.maxRedirects {
		return &RedirectError{
			Hops:   len(via),
			Target: req.URL.String(),
			Reason: fmt.Sprintf("more than %d redirects", f.maxRedirects),
		}
	}
	if origin := via[0].URL.Scheme; req.URL.Scheme != origin {
		return &RedirectError{
			Hops:   len(via),
			Target: req.URL.String(),
			Reason: fmt.Sprintf("scheme change from %s to %s", origin, req.URL.Scheme),
		}
	}

	u, err := ValidateURL(req.URL.String(), f.allowLoopback)
	if err != nil {
		return err
	}
	if err := f.checkHost(req.Context(), u.Hostname()); err != nil {
		f.logger.Warn().
			Str("target", req.URL.String()).
			Err(err).
			Msg("redirect target rejected")
		return err
	}
	return nil
}

// controlCheck runs at dial time on the concrete address chosen for the
// connection.
func (f *Fetcher) controlCheck(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("split dial address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial address %q is not an IP", address)
	}
	return checkIP(host, ip, f.allowLoopback)
}
