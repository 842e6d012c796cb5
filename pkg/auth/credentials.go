// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth attaches gateway credentials to outbound requests: a bearer
// token when one is configured, and HMAC signature headers for gateways that
// verify signed requests. Credentials are never synthesized; an empty token
// means the request goes out unauthenticated.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	HeaderAPIKey    = "x-api-key-id"
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
)

// Credentials holds the optional bearer token and optional signing key pair
// for the configured gateway.
type Credentials struct {
	Token  string
	Key    string
	Secret string
	Now    func() time.Time
}

// NewCredentials constructs Credentials with a UTC clock.
func NewCredentials(token, key, secret string) *Credentials {
	return &Credentials{
		Token:  token,
		Key:    key,
		Secret: secret,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Apply mutates req with whichever credential headers are configured. With no
// token and no key pair it is a no-op: absence of credentials is a valid
// state when the gateway does not enforce authentication.
func (c *Credentials) Apply(req *http.Request) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	if c.Key == "" && c.Secret == "" {
		return nil
	}
	if c.Key == "" || c.Secret == "" {
		return fmt.Errorf("signing key and secret must both be set")
	}

	timestamp := c.Now().Format(time.RFC3339)

	payload := strings.Join([]string{
		req.Method,
		req.URL.Path,
		timestamp,
	}, "\n")

	mac := hmac.New(sha256.New, []byte(c.Secret))
	if _, err := mac.Write([]byte(payload)); err != nil {
		return fmt.Errorf("compute signature: %w", err)
	}

	req.Header.Set(HeaderAPIKey, c.Key)
	req.Header.Set(HeaderSignature, hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set(HeaderTimestamp, timestamp)

	return nil
}
