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

// Package hooks runs a cluster's post-setup tasks once every node is
// configured: storage and network provisioning through the pvc CLI on
// the nodes themselves, file placement over SFTP, ad-hoc scripts, and
// plain HTTP webhooks. Hooks are best-effort; a failing hook is
// reported and the run moves on to the next one.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pvcbootstrapd/internal/config"
	"pvcbootstrapd/internal/cspec"
	"pvcbootstrapd/internal/notifications"
	"pvcbootstrapd/pkg/models"
)

// Hook pacing lives in vars so tests can tighten them.
var (
	// preRunDelay gives the nodes time to settle after their final
	// reboot before any command lands on them.
	preRunDelay = 300 * time.Second

	// interHookDelay separates consecutive hooks.
	interHookDelay = 5 * time.Second
)

// Notifier posts lifecycle webhooks as the hook run progresses.
type Notifier interface {
	Send(ctx context.Context, status, message string)
}

// Runner executes a cluster's hook list against its nodes.
type Runner struct {
	deployUser string
	keyFile    string
	repoPath   string
	logger     *slog.Logger
	notifier   Notifier
	dial       dialFunc
	client     *http.Client
}

// NewRunner returns a Runner that connects to nodes as the deploy user
// with the Ansible deploy key.
func NewRunner(cfg *config.Config, logger *slog.Logger, notifier Notifier) *Runner {
	r := &Runner{
		deployUser: cfg.DeployUsername,
		keyFile:    cfg.Ansible.KeyFile,
		repoPath:   cfg.Ansible.Path,
		logger:     logger,
		notifier:   notifier,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
	r.dial = r.dialSSH
	return r
}

// Run executes the cluster's hooks in document order. Hooks missing a
// type or args are skipped with a warning; a failing hook is reported
// via webhook and the next hook still runs. Run returns early only
// when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, cluster models.Cluster, nodes []models.Node, hooks []cspec.Hook) {
	r.logger.Info("waiting before starting hook run", "delay", preRunDelay)
	if !sleepCtx(ctx, preRunDelay) {
		return
	}

	r.notifier.Send(ctx, notifications.StatusBegin,
		fmt.Sprintf("Cluster %s: Running post-setup hook tasks", cluster.Name))

	for _, hook := range hooks {
		if hook.Type == "" || hook.Args == nil {
			r.logger.Warn("invalid hook: missing required configuration", "name", hook.Name)
			continue
		}

		targets := nodes
		if !hook.Target.All() {
			targets = filterNodes(nodes, hook.Target)
		}
		r.logger.Info("running hook", "name", hook.Name, "type", hook.Type, "targets", len(targets))

		r.notifier.Send(ctx, notifications.StatusBegin,
			fmt.Sprintf("Cluster %s: Running hook task '%s'", cluster.Name, hook.Name))
		if err := r.runHook(ctx, hook, targets); err != nil {
			r.logger.Warn("error running hook", "name", hook.Name, "error", err)
			r.notifier.Send(ctx, notifications.StatusFailure,
				fmt.Sprintf("Cluster %s: Failed hook task '%s' with error '%s'", cluster.Name, hook.Name, err))
		} else {
			r.notifier.Send(ctx, notifications.StatusSuccess,
				fmt.Sprintf("Cluster %s: Completed hook task '%s'", cluster.Name, hook.Name))
		}

		if !sleepCtx(ctx, interHookDelay) {
			return
		}
	}

	r.notifier.Send(ctx, notifications.StatusSuccess,
		fmt.Sprintf("Cluster %s: Completed post-setup hook tasks", cluster.Name))
}

func (r *Runner) runHook(ctx context.Context, hook cspec.Hook, targets []models.Node) error {
	switch hook.Type {
	case "osddb":
		return r.runOSDDBHook(ctx, targets, hook.Args)
	case "osd":
		return r.runOSDHook(ctx, targets, hook.Args)
	case "pool":
		return r.runPoolHook(ctx, targets, hook.Args)
	case "network":
		return r.runNetworkHook(ctx, targets, hook.Args)
	case "copy":
		return r.runCopyHook(ctx, targets, hook.Args)
	case "script":
		return r.runScriptHook(ctx, targets, hook.Args)
	case "webhook":
		return r.runWebhookHook(ctx, hook.Args)
	default:
		return fmt.Errorf("unknown hook type %q", hook.Type)
	}
}

func filterNodes(nodes []models.Node, target cspec.Target) []models.Node {
	want := make(map[string]struct{}, len(target))
	for _, name := range target {
		want[name] = struct{}{}
	}
	out := make([]models.Node, 0, len(nodes))
	for _, node := range nodes {
		if _, ok := want[node.Name]; ok {
			out = append(out, node)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
