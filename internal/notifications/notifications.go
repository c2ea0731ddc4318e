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

// Package notifications delivers webhook notifications for bootstrap
// lifecycle events. Delivery is best-effort: a failed or disabled
// webhook never fails the bootstrap step that triggered it.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pvcbootstrapd/internal/config"
)

// Notification statuses select the icon substituted into the body. A
// status with no configured icon substitutes an empty string.
const (
	StatusInfo      = "info"
	StatusBegin     = "begin"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCompleted = "completed"
)

var allowedActions = map[string]string{
	"get":     http.MethodGet,
	"post":    http.MethodPost,
	"put":     http.MethodPut,
	"patch":   http.MethodPatch,
	"delete":  http.MethodDelete,
	"options": http.MethodOptions,
}

// Notifier sends webhook notifications using the configured HTTP verb
// and body template.
type Notifier struct {
	cfg    config.NotificationsConfig
	logger *slog.Logger
	client *http.Client
}

// New returns a Notifier for the given configuration.
func New(cfg config.NotificationsConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Send delivers a notification for the given status. The configured
// body is serialized to JSON and the {icon} and {message} placeholders
// are substituted before delivery. Failures are logged and swallowed.
func (n *Notifier) Send(ctx context.Context, status, message string) {
	if !n.cfg.Enabled {
		return
	}

	n.logger.Debug("sending notification", "uri", n.cfg.URI, "status", status)

	body, err := n.renderBody(status, message)
	if err != nil {
		n.logger.Warn("notification body render failed", "error", err)
		return
	}

	method, ok := allowedActions[strings.ToLower(n.cfg.Action)]
	if !ok {
		n.logger.Warn("notification action not supported", "action", n.cfg.Action)
		return
	}

	req, err := http.NewRequestWithContext(ctx, method, n.cfg.URI, strings.NewReader(body))
	if err != nil {
		n.logger.Warn("notification request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", "error", err)
		return
	}
	defer resp.Body.Close()

	n.logger.Debug("notification delivered", "status_code", resp.StatusCode)
}

func (n *Notifier) renderBody(status, message string) (string, error) {
	raw, err := json.Marshal(n.cfg.Body)
	if err != nil {
		return "", fmt.Errorf("marshal body template: %w", err)
	}
	icon := n.cfg.Icons[status]
	body := string(raw)
	body = strings.ReplaceAll(body, "{icon}", icon)
	body = strings.ReplaceAll(body, "{message}", message)
	return body, nil
}
