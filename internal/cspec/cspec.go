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

// Package cspec manages the Ansible configuration repository and the
// cluster specifications stored inside it. The repository is the
// source of truth for which BMC MAC addresses may bootstrap, what each
// node looks like, and which post-setup hooks a cluster runs.
//
// All repository operations serialize on a lock file next to the
// checkout so concurrent queue workers cannot interleave git commands.
package cspec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/gofrs/flock"
	cryptossh "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"pvcbootstrapd/internal/config"
	"pvcbootstrapd/internal/notifications"
)

// Spec is the merged view over every cluster's bootstrap document.
type Spec struct {
	// Bootstrap maps lowercase BMC MAC addresses to their node entry,
	// merged across all clusters.
	Bootstrap map[string]*NodeSpec

	// Hooks holds each cluster's post-setup hook list.
	Hooks map[string][]Hook

	// Clusters holds the per-cluster detail, including the raw base
	// and pvc group_vars documents consumed by the Ansible runner.
	Clusters map[string]*ClusterDetail
}

// NodeByBMCMAC looks up a bootstrap entry by BMC MAC address,
// case-insensitively.
func (s *Spec) NodeByBMCMAC(mac string) (*NodeSpec, bool) {
	n, ok := s.Bootstrap[strings.ToLower(mac)]
	return n, ok
}

// NodesForCluster returns the bootstrap entries for a cluster in
// document order.
func (s *Spec) NodesForCluster(cluster string) []*NodeSpec {
	detail := s.Clusters[cluster]
	if detail == nil {
		return nil
	}
	out := make([]*NodeSpec, 0, len(detail.BootstrapMACs))
	for _, mac := range detail.BootstrapMACs {
		if n := s.Bootstrap[mac]; n != nil && n.Node.Cluster == cluster {
			out = append(out, n)
		}
	}
	return out
}

// ClusterDetail is the per-cluster slice of the specification.
type ClusterDetail struct {
	// BootstrapNodes lists node hostnames in document order.
	BootstrapNodes []string

	// BootstrapMACs lists the lowercase BMC MAC keys in document order.
	BootstrapMACs []string

	BaseYAML map[string]any
	PVCYAML  map[string]any
}

// NodeSpec is one bootstrap entry, keyed by BMC MAC address.
type NodeSpec struct {
	Node   NodeIdentity `yaml:"node"`
	BMC    BMCSpec      `yaml:"bmc"`
	Config HostSpec     `yaml:"config"`
}

// NodeIdentity identifies a node. Cluster, Domain, and FQDN are derived
// at load time rather than read from the document.
type NodeIdentity struct {
	Hostname string `yaml:"hostname"`
	Cluster  string `yaml:"-"`
	Domain   string `yaml:"-"`
	FQDN     string `yaml:"-"`
}

// BMCSpec carries the BMC credentials and optional firmware settings
// applied during hardware initialization.
type BMCSpec struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Redfish overrides BMC capability probing when set.
	Redfish *bool `yaml:"redfish"`

	BIOSSettings    map[string]any `yaml:"bios_settings"`
	ManagerSettings map[string]any `yaml:"manager_settings"`
}

// HostSpec carries the per-host installer options.
type HostSpec struct {
	KernelOptions []string    `yaml:"kernel_options"`
	Packages      []string    `yaml:"packages"`
	Release       string      `yaml:"release"`
	Filesystem    string      `yaml:"filesystem"`
	SystemDisks   SystemDisks `yaml:"system_disks"`
}

// SystemDisks lists the installer target disks. Entries are chassis
// drive bay IDs, Linux /dev paths, or installer detect strings; bare
// integers are accepted and rendered as bay IDs.
type SystemDisks []string

func (d *SystemDisks) UnmarshalYAML(value *yaml.Node) error {
	var raw []any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	*d = out
	return nil
}

// Hook is one post-setup task from a cluster's bootstrap document.
type Hook struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Target Target         `yaml:"target"`
	Args   map[string]any `yaml:"args"`
}

// Target lists the node hostnames a hook runs on. An absent key or the
// scalar "all" selects every node in the cluster.
type Target []string

func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "" || s == "all" {
			*t = nil
			return nil
		}
		*t = Target{s}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*t = list
	return nil
}

// All reports whether the hook targets every node. A list containing
// "all" selects everything, same as the bare scalar.
func (t Target) All() bool {
	if len(t) == 0 {
		return true
	}
	for _, name := range t {
		if name == "all" {
			return true
		}
	}
	return false
}

// Notifier posts lifecycle webhooks for repository operations.
type Notifier interface {
	Send(ctx context.Context, status, message string)
}

// Loader clones, synchronizes, and parses the configuration repository.
type Loader struct {
	cfg      config.AnsibleConfig
	logger   *slog.Logger
	notifier Notifier
}

// NewLoader returns a Loader over the configured repository.
func NewLoader(cfg config.AnsibleConfig, logger *slog.Logger, notifier Notifier) *Loader {
	return &Loader{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
	}
}

// EnsureRepository clones the repository on first run and leaves the
// working tree checked out on the configured branch with submodules
// initialized.
func (l *Loader) EnsureRepository(ctx context.Context) error {
	if _, err := os.Stat(l.cfg.Path); os.IsNotExist(err) {
		l.logger.Info("cloning configuration repository",
			"remote", l.cfg.Remote, "branch", l.cfg.Branch, "path", l.cfg.Path)
		l.notifier.Send(ctx, notifications.StatusBegin,
			fmt.Sprintf("First run: cloning repository %s branch %s to %s", l.cfg.Remote, l.cfg.Branch, l.cfg.Path))

		_, err := git.PlainCloneContext(ctx, l.cfg.Path, false, &git.CloneOptions{
			URL:           l.cfg.Remote,
			ReferenceName: plumbing.NewBranchReferenceName(l.cfg.Branch),
			Auth:          l.auth(),
		})
		if err != nil {
			return fmt.Errorf("clone %s: %w", l.cfg.Remote, err)
		}
	}

	repo, err := git.PlainOpen(l.cfg.Path)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(l.cfg.Branch),
	}); err != nil {
		return fmt.Errorf("checkout %s: %w", l.cfg.Branch, err)
	}
	return l.updateSubmodules(ctx, wt)
}

// Pull synchronizes the working tree with the remote. Failures are
// reported via webhook and logged, never fatal: a bootstrap can proceed
// on the last good checkout.
func (l *Loader) Pull(ctx context.Context) error {
	return l.withRepoLock(ctx, func() error {
		l.logger.Info("updating local configuration repository", "path", l.cfg.Path)
		if err := l.pullLocked(ctx); err != nil {
			l.logger.Warn("repository pull failed", "error", err)
			l.notifier.Send(ctx, notifications.StatusFailure, "Failed to update Git repository")
			return nil
		}
		l.logger.Info("completed repository synchronization")
		return nil
	})
}

func (l *Loader) pullLocked(ctx context.Context) error {
	repo, err := git.PlainOpen(l.cfg.Path)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(l.cfg.Branch),
		Auth:          l.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull: %w", err)
	}
	return l.updateSubmodules(ctx, wt)
}

// Commit stages and commits all working tree changes under the
// automation identity. A clean tree is a no-op.
func (l *Loader) Commit(ctx context.Context, message string) error {
	return l.withRepoLock(ctx, func() error {
		l.logger.Info("committing changes to local configuration repository", "path", l.cfg.Path)
		committed, err := l.commitLocked(message)
		if err != nil {
			l.logger.Warn("repository commit failed", "error", err)
			l.notifier.Send(ctx, notifications.StatusFailure, "Failed to commit to Git repository")
			return nil
		}
		if committed {
			l.notifier.Send(ctx, notifications.StatusSuccess, "Successfully committed to Git repository")
		}
		return nil
	})
}

func (l *Loader) commitLocked(message string) (bool, error) {
	repo, err := git.PlainOpen(l.cfg.Path)
	if err != nil {
		return false, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		l.logger.Debug("no repository changes to commit")
		return false, nil
	}

	sig := &object.Signature{
		Name:  "PVC Bootstrap",
		Email: "git@pvcbootstrapd",
		When:  time.Now(),
	}
	full := "Automated commit from PVC Bootstrap Ansible subsystem\n\n" + message
	if _, err := wt.Commit(full, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Push publishes local commits to origin.
func (l *Loader) Push(ctx context.Context) error {
	return l.withRepoLock(ctx, func() error {
		l.logger.Info("pushing changes from local configuration repository", "path", l.cfg.Path)
		repo, err := git.PlainOpen(l.cfg.Path)
		if err != nil {
			return fmt.Errorf("open repository: %w", err)
		}
		err = repo.PushContext(ctx, &git.PushOptions{
			RemoteName: "origin",
			Auth:       l.auth(),
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			l.logger.Warn("repository push failed", "error", err)
			l.notifier.Send(ctx, notifications.StatusFailure, "Failed to push Git repository")
			return nil
		}
		l.notifier.Send(ctx, notifications.StatusSuccess, "Successfully pushed Git repository")
		return nil
	})
}

type clustersDocument struct {
	Clusters []string `yaml:"clusters"`
}

type bootstrapDocument struct {
	Bootstrap yaml.Node `yaml:"bootstrap"`
	Hooks     []Hook    `yaml:"hooks"`
}

// Load pulls the repository and parses the specification of every
// cluster listed in the clusters file. Clusters whose bootstrap
// document is missing or malformed are skipped with a warning; a
// missing base or pvc document fails the load.
func (l *Loader) Load(ctx context.Context) (*Spec, error) {
	if err := l.Pull(ctx); err != nil {
		return nil, err
	}

	clustersPath := filepath.Join(l.cfg.Path, l.cfg.ClustersFile)
	l.logger.Info("loading cluster configuration", "file", clustersPath)
	raw, err := os.ReadFile(clustersPath)
	if err != nil {
		return nil, fmt.Errorf("read clusters file: %w", err)
	}
	var doc clustersDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse clusters file: %w", err)
	}

	spec := &Spec{
		Bootstrap: make(map[string]*NodeSpec),
		Hooks:     make(map[string][]Hook),
		Clusters:  make(map[string]*ClusterDetail),
	}

	l.logger.Info("loading per-cluster specifications")
	for _, cluster := range doc.Clusters {
		detail := &ClusterDetail{}
		spec.Clusters[cluster] = detail

		bootstrapPath := filepath.Join(l.cfg.Path, "group_vars", cluster, l.cfg.CSpecFiles.Bootstrap)
		rawBootstrap, err := os.ReadFile(bootstrapPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read bootstrap spec for cluster %s: %w", cluster, err)
		}
		var bdoc bootstrapDocument
		if err := yaml.Unmarshal(rawBootstrap, &bdoc); err != nil {
			l.logger.Warn("failed to load bootstrap spec",
				"cluster", cluster, "file", l.cfg.CSpecFiles.Bootstrap, "error", err)
			continue
		}

		baseYAML, err := l.loadGroupVars(cluster, l.cfg.CSpecFiles.Base)
		if err != nil {
			return nil, err
		}
		detail.BaseYAML = baseYAML
		pvcYAML, err := l.loadGroupVars(cluster, l.cfg.CSpecFiles.PVC)
		if err != nil {
			return nil, err
		}
		detail.PVCYAML = pvcYAML

		domain, _ := baseYAML["local_domain"].(string)

		// Walk the mapping node directly to preserve document order;
		// node id assignment falls back to it.
		if bdoc.Bootstrap.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(bdoc.Bootstrap.Content); i += 2 {
				// dnsmasq reports lowercase MACs but specs are often
				// written uppercase
				mac := strings.ToLower(bdoc.Bootstrap.Content[i].Value)
				var node NodeSpec
				if err := bdoc.Bootstrap.Content[i+1].Decode(&node); err != nil {
					l.logger.Warn("skipping malformed bootstrap entry",
						"cluster", cluster, "bmc_macaddr", mac, "error", err)
					continue
				}
				node.Node.Cluster = cluster
				node.Node.Domain = domain
				node.Node.FQDN = fmt.Sprintf("%s.%s", node.Node.Hostname, domain)

				detail.BootstrapNodes = append(detail.BootstrapNodes, node.Node.Hostname)
				detail.BootstrapMACs = append(detail.BootstrapMACs, mac)
				spec.Bootstrap[mac] = &node
			}
		}

		if len(bdoc.Hooks) > 0 {
			spec.Hooks[cluster] = bdoc.Hooks
		}
	}
	l.logger.Info("finished loading per-cluster specifications")
	return spec, nil
}

func (l *Loader) loadGroupVars(cluster, file string) (map[string]any, error) {
	path := filepath.Join(l.cfg.Path, "group_vars", cluster, file)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group_vars %s for cluster %s: %w", file, cluster, err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse group_vars %s for cluster %s: %w", file, cluster, err)
	}
	return out, nil
}

func (l *Loader) withRepoLock(ctx context.Context, fn func() error) error {
	fl := flock.New(l.cfg.LockFile())
	if _, err := fl.TryLockContext(ctx, 250*time.Millisecond); err != nil {
		return fmt.Errorf("acquire repository lock: %w", err)
	}
	defer fl.Unlock()
	return fn()
}

func (l *Loader) auth() transport.AuthMethod {
	if !strings.HasPrefix(l.cfg.Remote, "ssh://") && !strings.Contains(l.cfg.Remote, "@") {
		return nil
	}
	keys, err := gitssh.NewPublicKeysFromFile("git", l.cfg.KeyFile, "")
	if err != nil {
		l.logger.Warn("ssh key unavailable for repository auth",
			"keyfile", l.cfg.KeyFile, "error", err)
		return nil
	}
	keys.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()
	return keys
}

// updateSubmodules initializes and updates every submodule, matching
// what a bootstrap repository with role submodules expects.
func (l *Loader) updateSubmodules(ctx context.Context, wt *git.Worktree) error {
	subs, err := wt.Submodules()
	if err != nil {
		return fmt.Errorf("submodules: %w", err)
	}
	for _, sub := range subs {
		if err := sub.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
			Init: true,
			Auth: l.auth(),
		}); err != nil {
			return fmt.Errorf("update submodule %s: %w", sub.Config().Name, err)
		}
	}
	return nil
}
