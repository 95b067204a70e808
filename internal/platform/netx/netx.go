// SPDX-License-Identifier: MIT

// Package netx validates the configurable upstream base URLs (API host,
// accounts host, OAuth redirect) before the daemon talks to them.
package netx

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrNotAllowed indicates the URL failed the upstream policy.
var ErrNotAllowed = errors.New("url not allowed")

// NormalizeHost validates and normalizes a host for comparison.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", fmt.Errorf("host must not include path: %s", raw)
	}
	if strings.Contains(host, "@") {
		return "", fmt.Errorf("host must not include userinfo: %s", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// ValidateBaseURL checks an upstream base URL and returns its normalized
// form. Plain http is only accepted for loopback hosts (test servers,
// local proxies); everything else must be https. Userinfo, query and
// fragment parts are rejected.
func ValidateBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty url", ErrNotAllowed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrNotAllowed, raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: userinfo in %q", ErrNotAllowed, raw)
	}
	if u.Fragment != "" || u.RawQuery != "" {
		return "", fmt.Errorf("%w: query or fragment in %q", ErrNotAllowed, raw)
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !isLoopbackHost(host) {
			return "", fmt.Errorf("%w: plain http to non-loopback host %q", ErrNotAllowed, host)
		}
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrNotAllowed, u.Scheme)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = joinHostPort(host, u.Port())
	return strings.TrimSuffix(u.String(), "/"), nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
