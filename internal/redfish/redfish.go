// Package redfish drives node BMCs over the Redfish REST API: session
// lifecycle, characterization, system-disk selection, and the power,
// indicator, and boot-override actions used during a bootstrap.
package redfish

// Pvcbootstrapd is the bootstrap controller for PVC clusters.
// Copyright (C) 2025 The Parallel Virtual Cluster contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pvcbootstrapd/internal/metrics"
)

const (
	loginAttempts  = 60
	loginTimeout   = 5 * time.Second
	logoutTimeout  = 15 * time.Second
	probeAttempts  = 30
	requestTimeout = 60 * time.Second
)

// Retry pacing lives in vars so tests can tighten them.
var (
	loginRetryDelay = 2 * time.Second
	probeInterval   = 10 * time.Second
)

// Session is an authenticated Redfish session against a single BMC.
// BMCs coming out of a cold boot take minutes to answer, so login
// retries for a long while; a Session whose retries were exhausted is
// returned with Failed() true and must not be used.
type Session struct {
	host      string
	token     string
	logoutURI string

	// vendor is discovered during characterization and labels metrics.
	vendor string
	// op labels this session's requests in metrics; see WithOp.
	op string

	hc     *http.Client
	logger *slog.Logger
}

// NewSession logs in to the BMC at host (scheme included) and returns a
// live session. Connection failures are retried up to loginAttempts at
// loginRetryDelay intervals; exhaustion returns a failed session and no
// error. A reachable BMC that rejects the credentials is an error.
func NewSession(ctx context.Context, host, username, password string, logger *slog.Logger) (*Session, error) {
	s := &Session{
		op:     metrics.OpCharacterize,
		hc:     newInsecureClient(requestTimeout),
		logger: logger,
	}

	payload, err := json.Marshal(map[string]string{"UserName": username, "Password": password})
	if err != nil {
		return nil, fmt.Errorf("marshaling login payload: %w", err)
	}
	loginURI := host + "/redfish/v1/SessionService/Sessions"

	var resp *http.Response
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		logger.Info("trying to log in to redfish", "host", host, "attempt", attempt, "attempts", loginAttempts)

		attemptCtx, cancel := context.WithTimeout(ctx, loginTimeout)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, loginURI, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("building login request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err = s.hc.Do(req)
		cancel()
		if err == nil {
			metrics.ObserveRedfishRequest(metrics.OpSessionLogin, s.vendor, resp.StatusCode, time.Since(start))
			break
		}
		metrics.ObserveRedfishRequest(metrics.OpSessionLogin, s.vendor, -1, time.Since(start))
		metrics.IncRedfishRetry(metrics.OpSessionLogin, s.vendor)
		resp = nil

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(loginRetryDelay):
		}
	}

	if resp == nil {
		logger.Error("failed to log in to redfish", "host", host)
		return s, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		info := parseExtendedInfo(raw)
		return nil, fmt.Errorf("login failed: %s (code %d, severity %s, id %s)",
			info.Details(), resp.StatusCode, info.Severity, info.MessageID)
	}
	logger.Info("logged in to redfish", "host", host)

	s.host = host
	s.token = resp.Header.Get("X-Auth-Token")
	location := resp.Header.Get("Location")
	if strings.HasPrefix(location, "/") {
		s.logoutURI = host + location
	} else {
		s.logoutURI = location
	}
	return s, nil
}

// Failed reports whether login retries were exhausted. Failed sessions
// carry no host; the caller aborts and waits for the BMC to recover.
func (s *Session) Failed() bool {
	return s.host == ""
}

// WithOp returns a copy of the session whose requests are recorded
// under the given metrics operation label.
func (s *Session) WithOp(op string) *Session {
	dup := *s
	dup.op = op
	return &dup
}

// Logout releases the BMC session. Failure is reported, not retried; a
// stale session expires on the BMC side eventually.
func (s *Session) Logout(ctx context.Context) {
	if s.Failed() || s.logoutURI == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.logoutURI, nil)
	if err != nil {
		s.logger.Warn("redfish logout failed", "host", s.host, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", s.token)

	start := time.Now()
	resp, err := s.hc.Do(req)
	if err != nil {
		metrics.ObserveRedfishRequest(metrics.OpSessionLogout, s.vendor, -1, time.Since(start))
		s.logger.Warn("redfish logout failed", "host", s.host, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	metrics.ObserveRedfishRequest(metrics.OpSessionLogout, s.vendor, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		s.logger.Warn("redfish logout failed", "host", s.host, "code", resp.StatusCode)
		return
	}
	s.logger.Info("logged out of redfish", "host", s.host)
}

// Get issues a GET and returns the parsed body, or ok=false on any
// failure. Failures are logged with the BMC's extended info; callers
// that can proceed without the resource just check ok.
func (s *Session) Get(ctx context.Context, path string) (map[string]any, bool) {
	return s.do(ctx, s.op, http.MethodGet, path, nil)
}

// Post issues a POST with a JSON body. Empty 204 responses are success.
func (s *Session) Post(ctx context.Context, path string, data any) (map[string]any, bool) {
	return s.do(ctx, s.op, http.MethodPost, path, data)
}

// Put issues a PUT with a JSON body.
func (s *Session) Put(ctx context.Context, path string, data any) (map[string]any, bool) {
	return s.do(ctx, s.op, http.MethodPut, path, data)
}

// Patch issues a PATCH with a JSON body.
func (s *Session) Patch(ctx context.Context, path string, data any) (map[string]any, bool) {
	return s.do(ctx, s.op, http.MethodPatch, path, data)
}

// Delete issues a DELETE.
func (s *Session) Delete(ctx context.Context, path string) (map[string]any, bool) {
	return s.do(ctx, s.op, http.MethodDelete, path, nil)
}

func (s *Session) do(ctx context.Context, op, method, path string, data any) (map[string]any, bool) {
	if s.Failed() {
		return nil, false
	}
	url := s.host + path

	var body io.Reader
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			s.logger.Warn("redfish request failed", "method", method, "url", url, "error", err)
			return nil, false
		}
		s.logger.Debug("redfish request payload", "method", method, "url", url, "payload", string(payload))
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		s.logger.Warn("redfish request failed", "method", method, "url", url, "error", err)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", s.token)

	start := time.Now()
	resp, err := s.hc.Do(req)
	if err != nil {
		metrics.ObserveRedfishRequest(op, s.vendor, -1, time.Since(start))
		s.logger.Warn("redfish request failed", "method", method, "url", url, "error", err)
		return nil, false
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	metrics.ObserveRedfishRequest(op, s.vendor, resp.StatusCode, time.Since(start))

	ok := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated ||
		(method == http.MethodPost && resp.StatusCode == http.StatusNoContent)
	if !ok {
		info := parseExtendedInfo(raw)
		s.logger.Warn("redfish request failed",
			"method", method,
			"url", url,
			"code", resp.StatusCode,
			"severity", info.Severity,
			"id", info.MessageID,
			"details", info.Details())
		return nil, false
	}

	if len(raw) == 0 {
		return map[string]any{}, true
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Some firmwares answer action POSTs with a non-JSON body.
		return map[string]any{}, true
	}
	return parsed, true
}

// Probe reports whether the device at ipaddr answers the Redfish
// service root over HTTPS. Attempts are paced to one per probeInterval
// regardless of how quickly the connection fails, bounding the wait for
// a still-booting BMC.
func Probe(ctx context.Context, ipaddr string, logger *slog.Logger) bool {
	client := newInsecureClient(probeInterval)
	url := fmt.Sprintf("https://%s/redfish/v1", ipaddr)

	logger.Info("checking for redfish response", "ipaddr", ipaddr)
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		start := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			logger.Warn("redfish probe failed", "ipaddr", ipaddr, "error", err)
			return false
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			metrics.ObserveRedfishRequest(metrics.OpProbe, "", resp.StatusCode, time.Since(start))
			return resp.StatusCode == http.StatusOK
		}
		metrics.ObserveRedfishRequest(metrics.OpProbe, "", -1, time.Since(start))
		logger.Info("redfish probe attempt failed", "ipaddr", ipaddr, "attempt", attempt, "attempts", probeAttempts)

		if wait := probeInterval - time.Since(start); wait > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(wait):
			}
		}
	}
	logger.Warn("redfish probe aborted; device too slow or not booting", "ipaddr", ipaddr)
	return false
}

func newInsecureClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			// BMCs present self-signed certificates.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// extendedInfo is the first @Message.ExtendedInfo entry of a Redfish
// error envelope.
type extendedInfo struct {
	Message    string
	Resolution string
	Severity   string
	MessageID  string
}

func (e extendedInfo) Details() string {
	return strings.TrimSpace(e.Message + " " + e.Resolution)
}

func parseExtendedInfo(body []byte) extendedInfo {
	info := extendedInfo{
		Message:   strings.TrimSpace(string(body)),
		Severity:  "Error",
		MessageID: "N/A",
	}

	var envelope struct {
		Error struct {
			ExtendedInfo []map[string]any `json:"@Message.ExtendedInfo"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error.ExtendedInfo) == 0 {
		return info
	}

	rinfo := envelope.Error.ExtendedInfo[0]
	msg, ok := rinfo["Message"].(string)
	if !ok {
		info.Message = fmt.Sprint(rinfo)
		return info
	}
	info.Message = msg
	info.Resolution, _ = rinfo["Resolution"].(string)
	if severity, ok := rinfo["Severity"].(string); ok {
		info.Severity = severity
	}
	if id, ok := rinfo["MessageId"].(string); ok {
		info.MessageID = id
	}
	return info
}

// dig walks nested maps along the key path.
func dig(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func digString(m map[string]any, path ...string) (string, bool) {
	v, ok := dig(m, path...)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func digMap(m map[string]any, path ...string) (map[string]any, bool) {
	v, ok := dig(m, path...)
	if !ok {
		return nil, false
	}
	mm, ok := v.(map[string]any)
	return mm, ok
}

func digSlice(m map[string]any, path ...string) ([]any, bool) {
	v, ok := dig(m, path...)
	if !ok {
		return nil, false
	}
	sl, ok := v.([]any)
	return sl, ok
}

// memberID extracts the @odata.id of a collection member.
func memberID(member any) string {
	mm, ok := member.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := mm["@odata.id"].(string)
	return id
}
