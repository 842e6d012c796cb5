// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config builds the immutable connection configuration for the relay
// from command-line flags merged with MCP_GATEWAY_* environment variables.
// Flags take precedence. The snapshot is taken once at startup; no component
// reads the environment afterwards.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-core-stack/mcp-gateway-relay/pkg/netguard"
)

const (
	envGatewayURL    = "MCP_GATEWAY_URL"
	envToken         = "MCP_GATEWAY_TOKEN"
	envTimeout       = "MCP_GATEWAY_TIMEOUT"
	envLogLevel      = "MCP_GATEWAY_LOG_LEVEL"
	envLogFile       = "MCP_GATEWAY_LOG_FILE"
	envAllowLoopback = "MCP_GATEWAY_ALLOW_LOOPBACK"
	envAPIKey        = "MCP_GATEWAY_API_KEY"
	envAPISecret     = "MCP_GATEWAY_API_SECRET"

	defaultTimeoutMillis = 120000
	defaultLogLevel      = "info"
	defaultMaxInFlight   = 8
)

// ConfigurationError reports missing or invalid startup input. It is never
// retryable; the process should exit with a descriptive message.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Reason, e.Err)
	}
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Config captures runtime settings for the relay. Immutable after Load.
type Config struct {
	GatewayURL    *url.URL
	Token         string
	Timeout       time.Duration
	LogLevel      string
	LogFile       string
	AllowLoopback bool
	MaxInFlight   int

	// APIKey/APISecret enable HMAC request signing for gateways that verify
	// signed requests in addition to (or instead of) bearer tokens. Both must
	// be set together.
	APIKey    string
	APISecret string
}

// Load parses args (excluding the program name) and the environment into a
// validated Config. The gateway URL is required from one of the two sources
// and is validated before any network activity.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("mcp-gateway-relay", flag.ContinueOnError)

	urlFlag := fs.String("url", "", "gateway virtual server URL (or "+envGatewayURL+")")
	tokenFlag := fs.String("token", "", "bearer token for the gateway (or "+envToken+")")
	timeoutFlag := fs.Int("timeout", 0, "request timeout in milliseconds (or "+envTimeout+")")
	logLevelFlag := fs.String("log-level", "", "log level: trace|debug|info|warn|error")
	logFileFlag := fs.String("log-file", "", "write logs to a rolling file instead of stderr")
	allowLoopbackFlag := fs.Bool("allow-loopback", false, "permit loopback gateway hosts (local development only)")

	if err := fs.Parse(args); err != nil {
		return Config{}, &ConfigurationError{Reason: "parse flags", Err: err}
	}

	rawURL := strings.TrimSpace(*urlFlag)
	if rawURL == "" {
		rawURL = strings.TrimSpace(os.Getenv(envGatewayURL))
	}
	if rawURL == "" {
		return Config{}, &ConfigurationError{Reason: "gateway URL is required: pass --url or set " + envGatewayURL}
	}

	allowLoopback := *allowLoopbackFlag || getBool(envAllowLoopback, false)

	gatewayURL, err := netguard.ValidateURL(rawURL, allowLoopback)
	if err != nil {
		return Config{}, &ConfigurationError{Reason: "gateway URL rejected", Err: err}
	}
	if !gatewayURL.IsAbs() {
		return Config{}, &ConfigurationError{Reason: "gateway URL must be absolute (scheme://host)"}
	}

	timeoutMillis := *timeoutFlag
	if timeoutMillis == 0 {
		timeoutMillis = getInt(envTimeout, defaultTimeoutMillis)
	}
	if timeoutMillis <= 0 {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("timeout must be positive, got %d", timeoutMillis)}
	}

	token := *tokenFlag
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envToken))
	}

	apiKey := strings.TrimSpace(os.Getenv(envAPIKey))
	apiSecret := strings.TrimSpace(os.Getenv(envAPISecret))
	if (apiKey == "") != (apiSecret == "") {
		return Config{}, &ConfigurationError{Reason: envAPIKey + " and " + envAPISecret + " must be set together"}
	}

	logLevel := strings.TrimSpace(*logLevelFlag)
	if logLevel == "" {
		logLevel = getString(envLogLevel, defaultLogLevel)
	}

	logFile := strings.TrimSpace(*logFileFlag)
	if logFile == "" {
		logFile = strings.TrimSpace(os.Getenv(envLogFile))
	}

	cfg := Config{
		GatewayURL:    gatewayURL,
		Token:         token,
		Timeout:       time.Duration(timeoutMillis) * time.Millisecond,
		LogLevel:      strings.ToLower(logLevel),
		LogFile:       logFile,
		AllowLoopback: allowLoopback,
		MaxInFlight:   defaultMaxInFlight,
		APIKey:        apiKey,
		APISecret:     apiSecret,
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}
