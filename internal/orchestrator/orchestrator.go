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

// Package orchestrator is the state machine at the center of the
// daemon. It consumes queued check-ins, fans out one Redfish
// initialization per newly leased BMC, tracks node progress through
// the install flow, and advances each cluster over its barriers into
// the configuration run, the hook run, and completion.
//
// Check-ins are delivered at least once, so every handler tolerates
// replays: node states only move forward, node claims and cluster
// barriers are compare-and-swap gated in the store.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"pvcbootstrapd/internal/cspec"
	"pvcbootstrapd/internal/queue"
	"pvcbootstrapd/internal/redfish"
	"pvcbootstrapd/internal/store"
	"pvcbootstrapd/pkg/models"
)

// SpecLoader resolves the current cluster specification.
type SpecLoader interface {
	Load(ctx context.Context) (*cspec.Spec, error)
}

// Renderer writes the per-host boot artifacts into the TFTP root.
type Renderer interface {
	WritePXE(node *cspec.NodeSpec, hostMAC string) error
	WritePreseed(node *cspec.NodeSpec, hostMAC, systemDriveTarget string) error
}

// ConfigRunner executes the cluster-wide configuration run once the
// installation barrier is reached.
type ConfigRunner interface {
	Run(ctx context.Context, cluster models.Cluster, nodes []models.Node, domain string) error
}

// HookRunner executes the post-configuration hook sequence. Hook
// failures are isolated and reported inside the runner.
type HookRunner interface {
	Run(ctx context.Context, cluster models.Cluster, nodes []models.Node, hooks []cspec.Hook)
}

// Notifier delivers human-facing progress webhooks.
type Notifier interface {
	Send(ctx context.Context, status, message string)
}

// SessionFactory opens an authenticated Redfish session against a BMC.
type SessionFactory func(ctx context.Context, host, username, password string, logger *slog.Logger) (*redfish.Session, error)

// ProbeFunc reports whether the BMC at ipaddr answers Redfish.
type ProbeFunc func(ctx context.Context, ipaddr string, logger *slog.Logger) bool

// Orchestrator wires the store, the specification repository, and the
// external collaborators into the check-in handlers.
type Orchestrator struct {
	store    *store.Store
	specs    SpecLoader
	renderer Renderer
	ansible  ConfigRunner
	hooks    HookRunner
	notifier Notifier
	logger   *slog.Logger

	// Swappable for tests; production wiring keeps the defaults.
	newSession SessionFactory
	probe      ProbeFunc
}

// New returns an Orchestrator using the real Redfish transport.
func New(st *store.Store, specs SpecLoader, renderer Renderer, ansible ConfigRunner, hooks HookRunner, notifier Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		specs:      specs,
		renderer:   renderer,
		ansible:    ansible,
		hooks:      hooks,
		notifier:   notifier,
		logger:     logger,
		newSession: redfish.NewSession,
		probe:      redfish.Probe,
	}
}

// Register binds the orchestrator's handlers to the dispatcher under
// the task names the check-in API enqueues.
func (o *Orchestrator) Register(d *queue.Dispatcher) {
	d.Register(models.TaskHandlerDNSMasqCheckin, o.handleDNSMasqTask)
	d.Register(models.TaskHandlerHostCheckin, o.handleHostTask)
}

func (o *Orchestrator) handleDNSMasqTask(ctx context.Context, task *models.Task) error {
	var data models.DNSMasqCheckin
	if err := json.Unmarshal(task.Payload, &data); err != nil {
		return fmt.Errorf("decode dnsmasq check-in: %w", err)
	}
	return o.DNSMasqCheckin(ctx, data)
}

func (o *Orchestrator) handleHostTask(ctx context.Context, task *models.Task) error {
	var data models.HostCheckin
	if err := json.Unmarshal(task.Payload, &data); err != nil {
		return fmt.Errorf("decode host check-in: %w", err)
	}
	return o.HostCheckin(ctx, data)
}
