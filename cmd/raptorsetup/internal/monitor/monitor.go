// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package monitor checks whether the installed server is up.

A check has three independent signals:

  - ProcessRunning: a process whose command line names the server binary
  - PortListening: a TCP connect to the GUI port succeeds
  - HTTPReachable: an HTTPS GET to the GUI returns any HTTP response

HTTPReachable is true for 401/403 as well. Certificate validation is off
because the default certificate is self-signed.

Check holds no state between calls, so the status command and the
pipeline's final step share one Monitor.
*/
package monitor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
)

// Polling defaults for WaitReachable.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultInterval = 2 * time.Second
	checkTimeout    = 3 * time.Second
)

// ErrReachabilityTimeout is returned when the server did not become
// reachable in time.
var ErrReachabilityTimeout = errors.New("server did not become reachable")

// Target identifies the server to check.
type Target struct {
	BindAddress string
	Port        int
	// ProcessPattern is matched against process command lines.
	ProcessPattern string
}

// Status is one check result.
type Status struct {
	ProcessRunning bool      `json:"process_running"`
	PortListening  bool      `json:"port_listening"`
	HTTPReachable  bool      `json:"http_reachable"`
	HTTPStatus     int       `json:"http_status,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Healthy reports whether the server answers HTTP.
func (s Status) Healthy() bool {
	return s.HTTPReachable
}

// HealthChecker checks reachability.
type HealthChecker interface {
	Check(ctx context.Context, target Target) Status
	WaitReachable(ctx context.Context, target Target) (Status, error)
}

// Monitor implements HealthChecker.
type Monitor struct {
	pm       process.Manager
	client   *http.Client
	dialer   *net.Dialer
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPolling overrides the WaitReachable timeout and interval.
func WithPolling(timeout, interval time.Duration) Option {
	return func(m *Monitor) {
		m.timeout = timeout
		m.interval = interval
	}
}

// WithHTTPClient replaces the HTTPS client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// New creates a Monitor using pm for the process table.
func New(pm process.Manager, opts ...Option) *Monitor {
	m := &Monitor{
		pm: pm,
		client: &http.Client{
			Timeout: checkTimeout,
			Transport: &http.Transport{
				// Self-signed server certificates are expected.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
				Proxy:           nil,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer:   &net.Dialer{Timeout: checkTimeout},
		timeout:  DefaultTimeout,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DialAddress returns host:port to dial. Wildcard bind addresses are
// dialed on loopback.
func DialAddress(t Target) string {
	host := t.BindAddress
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}

// URL returns the HTTPS URL checked for t.
func URL(t Target) string {
	return "https://" + DialAddress(t) + "/"
}

// Check tests all three signals once.
func (m *Monitor) Check(ctx context.Context, target Target) Status {
	st := Status{CheckedAt: m.now()}

	if m.pm != nil && target.ProcessPattern != "" {
		running, _, err := m.pm.IsRunning(ctx, target.ProcessPattern)
		st.ProcessRunning = err == nil && running
	}

	conn, err := m.dialer.DialContext(ctx, "tcp", DialAddress(target))
	if err == nil {
		st.PortListening = true
		_ = conn.Close()
	}

	if st.PortListening {
		st.HTTPStatus, st.HTTPReachable = m.checkHTTP(ctx, target)
	}
	return st
}

func (m *Monitor) checkHTTP(ctx context.Context, target Target) (int, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, URL(target), nil)
	if err != nil {
		return 0, false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return resp.StatusCode, true
}

// WaitReachable polls Check at a fixed interval until HTTPReachable or the
// timeout elapses.
//
// # Outputs
//
//   - Status: the last check
//   - error: ErrReachabilityTimeout (wrapped with the last status) or the
//     context's error if ctx ends first
func (m *Monitor) WaitReachable(ctx context.Context, target Target) (Status, error) {
	deadline, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(m.interval), 1)
	var last Status
	for {
		if err := limiter.Wait(deadline); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("%w within %s (process=%t port=%t https=%t)",
				ErrReachabilityTimeout, m.timeout, last.ProcessRunning, last.PortListening, last.HTTPReachable)
		}
		last = m.Check(deadline, target)
		if last.Healthy() {
			return last, nil
		}
	}
}

// MockHealthChecker is a test double for HealthChecker.
type MockHealthChecker struct {
	CheckFunc         func(ctx context.Context, target Target) Status
	WaitReachableFunc func(ctx context.Context, target Target) (Status, error)
}

// Check delegates to CheckFunc.
func (m *MockHealthChecker) Check(ctx context.Context, target Target) Status {
	if m.CheckFunc == nil {
		return Status{}
	}
	return m.CheckFunc(ctx, target)
}

// WaitReachable delegates to WaitReachableFunc, returning a reachable status
// when unset.
func (m *MockHealthChecker) WaitReachable(ctx context.Context, target Target) (Status, error) {
	if m.WaitReachableFunc == nil {
		return Status{ProcessRunning: true, PortListening: true, HTTPReachable: true}, nil
	}
	return m.WaitReachableFunc(ctx, target)
}

var (
	_ HealthChecker = (*Monitor)(nil)
	_ HealthChecker = (*MockHealthChecker)(nil)
)
