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

// Package tftp prepares the TFTP root and renders the per-host iPXE
// and preseed artifacts consumed by PXE-booting nodes. Artifacts are
// written atomically so the TFTP server never serves a partial file.
package tftp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"pvcbootstrapd/internal/config"
	"pvcbootstrapd/internal/cspec"
	"pvcbootstrapd/internal/notifications"
)

const (
	pxeTemplateFile     = "host-ipxe.tmpl"
	preseedTemplateFile = "host-preseed.tmpl"
)

// ExecFunc abstracts subprocess execution for tests.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Notifier posts lifecycle webhooks for TFTP preparation.
type Notifier interface {
	Send(ctx context.Context, status, message string)
}

// PXEData feeds the per-host iPXE template.
type PXEData struct {
	// ImgArgsHost is the space-joined extra kernel arguments for this
	// host, empty when the spec carries none.
	ImgArgsHost string
}

// PreseedData feeds the per-host installer preseed template.
type PreseedData struct {
	DebRelease     string
	DebMirror      string
	AddPackages    string
	Filesystem     string
	SkipBlockCheck bool
	FQDN           string
	TargetDisk     string
	CheckinURI     string
}

// Renderer renders per-host boot artifacts into the TFTP host path.
type Renderer struct {
	cfg      *config.Config
	logger   *slog.Logger
	notifier Notifier
	exec     ExecFunc
}

// NewRenderer returns a Renderer over the configured TFTP tree.
func NewRenderer(cfg *config.Config, logger *slog.Logger, notifier Notifier, exec ExecFunc) *Renderer {
	return &Renderer{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		exec:     exec,
	}
}

// InitRoot prepares the TFTP root on first run: it creates the root
// and host directories, publishes the deploy public key as keys.txt,
// and builds the installer payload via the pvc-installer build script.
// An existing root is left untouched.
func (r *Renderer) InitRoot(ctx context.Context) error {
	if _, err := os.Stat(r.cfg.TFTP.RootPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat tftp root: %w", err)
	}

	r.logger.Info("first run: building tftp root and contents, this will take some time")
	r.notifier.Send(ctx, notifications.StatusBegin, "First run: building TFTP root and contents")

	if err := os.MkdirAll(r.cfg.TFTP.RootPath, 0o755); err != nil {
		return fmt.Errorf("create tftp root: %w", err)
	}
	if err := os.MkdirAll(r.cfg.TFTP.HostPath, 0o755); err != nil {
		return fmt.Errorf("create tftp host path: %w", err)
	}

	pubKey := r.cfg.Ansible.KeyFile + ".pub"
	if err := copyFile(pubKey, filepath.Join(r.cfg.TFTP.RootPath, "keys.txt")); err != nil {
		return fmt.Errorf("publish deploy key: %w", err)
	}

	buildScript := filepath.Join(r.cfg.Ansible.Path, "pvc-installer", "buildpxe.sh")
	r.logger.Info("building tftp contents via pvc-installer",
		"script", buildScript, "output", r.cfg.TFTP.RootPath)
	r.notifier.Send(ctx, notifications.StatusBegin,
		fmt.Sprintf("Building TFTP contents via pvc-installer command: %s -o %s -u %s",
			buildScript, r.cfg.TFTP.RootPath, r.cfg.DeployUsername))

	out, err := r.exec(ctx, buildScript, "-o", r.cfg.TFTP.RootPath, "-u", r.cfg.DeployUsername)
	if err != nil {
		// The installer build is retried on next start; a missing
		// installer payload only blocks PXE, not the daemon.
		r.logger.Warn("pvc-installer build failed", "error", err, "output", string(out))
	}

	r.notifier.Send(ctx, notifications.StatusSuccess, "First run: successfully initialized TFTP root and contents")
	return nil
}

// WritePXE renders the per-host iPXE configuration for a node.
func (r *Renderer) WritePXE(node *cspec.NodeSpec, hostMAC string) error {
	data := PXEData{
		ImgArgsHost: strings.Join(node.Config.KernelOptions, " "),
	}
	return r.renderArtifact(pxeTemplateFile, r.artifactPath(hostMAC, "ipxe"), data)
}

// WritePreseed renders the per-host installer preseed for a node.
// systemDriveTarget is the installer disk target determined during
// hardware characterization.
func (r *Renderer) WritePreseed(node *cspec.NodeSpec, hostMAC, systemDriveTarget string) error {
	data := PreseedData{
		DebRelease:     node.Config.Release,
		AddPackages:    strings.Join(node.Config.Packages, ","),
		Filesystem:     node.Config.Filesystem,
		SkipBlockCheck: false,
		FQDN:           node.Node.FQDN,
		TargetDisk:     systemDriveTarget,
		// The dhcp address is used so the listen address can be 0.0.0.0
		CheckinURI: r.cfg.HostCheckinURI(),
	}
	return r.renderArtifact(preseedTemplateFile, r.artifactPath(hostMAC, "preseed"), data)
}

func (r *Renderer) artifactPath(hostMAC, suffix string) string {
	flat := strings.ReplaceAll(strings.ToLower(hostMAC), ":", "")
	return filepath.Join(r.cfg.TFTP.HostPath, fmt.Sprintf("mac-%s.%s", flat, suffix))
}

func (r *Renderer) renderArtifact(templateName, destination string, data any) error {
	templatePath := filepath.Join(r.cfg.TFTP.RootPath, templateName)
	tmpl, err := template.ParseFiles(templatePath)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", templateName, err)
	}

	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, data); err != nil {
		return fmt.Errorf("render %s: %w", templateName, err)
	}
	rendered.WriteString("\n")

	if err := writeFileAtomic(destination, []byte(rendered.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", destination, err)
	}
	r.logger.Debug("rendered boot artifact", "path", destination)
	return nil
}

// writeFileAtomic writes to a temporary file in the destination
// directory and renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
