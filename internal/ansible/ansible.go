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

// Package ansible drives the cluster configuration run: it builds a
// one-off inventory from the registry's node records and executes the
// main playbook of the configuration repository against them.
package ansible

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pvcbootstrapd/internal/config"
	"pvcbootstrapd/internal/notifications"
	"pvcbootstrapd/pkg/models"
)

// playbookBinary is resolved from PATH at run time.
const playbookBinary = "ansible-playbook"

// preRunDelay gives the nodes time to settle into their first boot
// before the playbooks hit them. It lives in a var so tests can
// tighten it.
var preRunDelay = 60 * time.Second

// ExecFunc abstracts subprocess execution for tests.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Notifier posts lifecycle webhooks for the configuration run.
type Notifier interface {
	Send(ctx context.Context, status, message string)
}

// Repository commits and publishes the changes the playbooks write
// back into the checkout.
type Repository interface {
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context) error
}

// Runner executes the main playbook against a cluster's nodes.
type Runner struct {
	cfg      config.AnsibleConfig
	logger   *slog.Logger
	notifier Notifier
	repo     Repository
	exec     ExecFunc
}

// NewRunner returns a Runner over the configured repository checkout.
func NewRunner(cfg config.AnsibleConfig, logger *slog.Logger, notifier Notifier, repo Repository, exec ExecFunc) *Runner {
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		repo:     repo,
		exec:     exec,
	}
}

// Run bootstraps a cluster. On success the repository changes made by
// the playbooks are committed and pushed. On failure a notification is
// emitted and the error returned; there is no retry here, the cluster
// stays where it is until an operator intervenes.
func (r *Runner) Run(ctx context.Context, cluster models.Cluster, nodes []models.Node, domain string) error {
	r.logger.Info("constructing virtual ansible inventory", "cluster", cluster.Name)
	inventory := buildInventory(cluster, nodes, domain)
	r.logger.Debug("inventory built", "inventory", inventory)

	r.logger.Info("waiting before starting ansible bootstrap", "delay", preRunDelay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(preRunDelay):
	}

	r.logger.Info("starting ansible bootstrap", "cluster", cluster.Name)
	r.notifier.Send(ctx, notifications.StatusBegin,
		fmt.Sprintf("Cluster %s: Starting Ansible bootstrap", cluster.Name))

	output, err := r.runPlaybook(ctx, cluster, nodes, inventory)
	r.logger.Debug("playbook finished", "output", string(output))
	if err != nil {
		r.logger.Warn("ansible bootstrap failed", "cluster", cluster.Name, "error", err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.notifier.Send(ctx, notifications.StatusFailure,
				fmt.Sprintf("Cluster %s: Failed Ansible bootstrap; check pvcbootstrapd logs", cluster.Name))
		} else {
			r.notifier.Send(ctx, notifications.StatusFailure,
				fmt.Sprintf("Cluster %s: Failed Ansible bootstrap with error '%s'; check pvcbootstrapd logs", cluster.Name, err))
		}
		return err
	}

	// The playbooks write generated secrets and per-cluster state back
	// into the checkout; keep the remote in sync with them.
	if err := r.repo.Commit(ctx, "Generic commit"); err != nil {
		return err
	}
	if err := r.repo.Push(ctx); err != nil {
		return err
	}

	r.notifier.Send(ctx, notifications.StatusSuccess,
		fmt.Sprintf("Cluster %s: Completed Ansible bootstrap", cluster.Name))
	return nil
}

func (r *Runner) runPlaybook(ctx context.Context, cluster models.Cluster, nodes []models.Node, inventory string) ([]byte, error) {
	// The inventory lives in a private directory scoped to this run.
	dir, err := os.MkdirTemp("", "pvc-ansible-bootstrap_")
	if err != nil {
		return nil, fmt.Errorf("create private run directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inventoryPath := filepath.Join(dir, "inventory")
	if err := os.WriteFile(inventoryPath, []byte(inventory+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write inventory: %w", err)
	}

	args := []string{
		"-i", inventoryPath,
		"--limit", cluster.Name,
		"--forks", strconv.Itoa(len(nodes)),
		"-vv",
		"--private-key", r.cfg.KeyFile,
		"--extra-vars", "bootstrap=yes",
		filepath.Join(r.cfg.Path, "pvc.yml"),
	}
	r.logger.Debug("running playbook", "binary", playbookBinary, "args", args)
	return r.exec(ctx, playbookBinary, args...)
}

// buildInventory renders the one-group INI inventory: every node of
// the cluster under its FQDN, pointed at its reported host address.
func buildInventory(cluster models.Cluster, nodes []models.Node, domain string) string {
	lines := make([]string, 0, len(nodes)+1)
	lines = append(lines, fmt.Sprintf("[%s]", cluster.Name))
	for _, node := range nodes {
		lines = append(lines, fmt.Sprintf("%s.%s ansible_host=%s", node.Name, domain, node.HostIP))
	}
	return strings.Join(lines, "\n")
}
