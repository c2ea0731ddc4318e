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

// Package dnsmasq supervises the dnsmasq instance providing DHCP and
// TFTP on the bootstrap network. Instead of consuming the lease
// database, dnsmasq runs the lease hook binary on every event, which
// forwards it to the /checkin/dnsmasq API endpoint.
package dnsmasq

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"pvcbootstrapd/internal/config"
)

const binaryPath = "/usr/sbin/dnsmasq"

// stopTimeout bounds how long Stop waits after SIGTERM before killing.
const stopTimeout = 5 * time.Second

// Supervisor runs dnsmasq as a foreground child process.
type Supervisor struct {
	cfg         *config.Config
	logger      *slog.Logger
	leaseScript string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// New returns a Supervisor. leaseScript is the executable dnsmasq runs
// on DHCP and TFTP events.
func New(cfg *config.Config, logger *slog.Logger, leaseScript string) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		logger:      logger,
		leaseScript: leaseScript,
	}
}

// Args returns the dnsmasq argument vector for the given configuration.
func Args(cfg *config.Config, leaseScript string) []string {
	args := []string{
		"--bogus-priv",
		"--no-hosts",
		"--dhcp-authoritative",
		"--filterwin2k",
		"--expand-hosts",
		"--domain-needed",
		fmt.Sprintf("--domain=%s", cfg.DHCP.Domain),
		fmt.Sprintf("--local=/%s/", cfg.DHCP.Domain),
		"--log-facility=-",
		"--log-dhcp",
		"--keep-in-foreground",
		fmt.Sprintf("--dhcp-script=%s", leaseScript),
		"--bind-interfaces",
		fmt.Sprintf("--listen-address=%s", cfg.DHCP.Address),
		fmt.Sprintf("--dhcp-option=3,%s", cfg.DHCP.Gateway),
		fmt.Sprintf("--dhcp-range=%s,%s,%s", cfg.DHCP.LeaseStart, cfg.DHCP.LeaseEnd, cfg.DHCP.LeaseTime),
		"--enable-tftp",
		fmt.Sprintf("--tftp-root=%s/", cfg.TFTP.RootPath),
		// This block of dhcp-match, tag-if, and dhcp-boot statements sets the following TFTP setup:
		//   If the machine sends client-arch 0, and is not tagged iPXE, load undionly.kpxe (chainload)
		//   If the machine sends client-arch 7 or 9, and is not tagged iPXE, load ipxe.efi (chainload)
		//   If the machine sends the iPXE option, load boot.ipxe (iPXE boot configuration)
		"--dhcp-match=set:o_bios,option:client-arch,0",
		"--dhcp-match=set:o_uefi,option:client-arch,7",
		"--dhcp-match=set:o_uefi,option:client-arch,9",
		"--dhcp-match=set:ipxe,175",
		"--tag-if=set:bios,tag:!ipxe,tag:o_bios",
		"--tag-if=set:uefi,tag:!ipxe,tag:o_uefi",
		"--dhcp-boot=tag:bios,undionly.kpxe",
		"--dhcp-boot=tag:uefi,ipxe.efi",
		"--dhcp-boot=tag:ipxe,boot.ipxe",
	}
	if cfg.Debug {
		args = append(args, "--leasefile-ro")
	}
	return args
}

// Start launches dnsmasq. The returned channel receives the process
// exit error (nil for clean exit) exactly once; an unexpected exit
// should bring the daemon down with it.
func (s *Supervisor) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil, fmt.Errorf("dnsmasq already running")
	}

	args := Args(s.cfg, s.leaseScript)
	s.logger.Info("starting dnsmasq", "binary", binaryPath, "args", args)

	cmd := exec.Command(binaryPath, args...)
	// The lease hook reads API_URI to find the check-in endpoint.
	cmd.Env = append(os.Environ(), "API_URI="+s.cfg.DNSMasqCheckinURI())
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start dnsmasq: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	s.cmd = cmd
	s.done = done
	return done, nil
}

// Stop terminates dnsmasq with SIGTERM, escalating to SIGKILL after a
// grace period.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.cmd = nil
	s.done = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	s.logger.Info("stopping dnsmasq", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("dnsmasq signal failed", "error", err)
		return
	}

	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn("dnsmasq did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}

// Reload signals dnsmasq to reload its configuration.
func (s *Supervisor) Reload() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGHUP); err != nil {
		s.logger.Warn("dnsmasq reload signal failed", "error", err)
	}
}
