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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pvcbootstrapd/internal/cspec"
	"pvcbootstrapd/internal/metrics"
	"pvcbootstrapd/internal/notifications"
	"pvcbootstrapd/internal/redfish"
	"pvcbootstrapd/pkg/models"
)

// Pacing for the hardware initialization sequence. Variables so tests
// can tighten them.
var (
	stabilizeDelay       = 60 * time.Second
	installPollInterval  = 60 * time.Second
	powerOffPollInterval = 5 * time.Second
)

// initHardware drives one node from a fresh BMC lease all the way
// through its installation: characterize over Redfish, render the boot
// artifacts, PXE-boot the system, then sit on the install until the
// node goes terminal and can be powered back off. This blocks its
// queue worker for the duration, which is hours on real hardware.
func (o *Orchestrator) initHardware(ctx context.Context, spec *cspec.Spec, nodeSpec *cspec.NodeSpec, macaddr, ipaddr string) error {
	clusterName := nodeSpec.Node.Cluster
	hostname := nodeSpec.Node.Hostname
	fqdn := nodeSpec.Node.FQDN
	log := o.logger.With("cluster", clusterName, "hostname", hostname, "macaddr", macaddr)

	if _, err := o.ensureCluster(ctx, spec, clusterName); err != nil {
		return err
	}

	// Claim the node. Lease events can repeat in quick succession and
	// only one initialization may drive a BMC.
	claimed, err := o.store.CompareAndSwapNodeState(ctx, clusterName, hostname, models.NodeStateInit, models.NodeStateCharacterizing)
	if err != nil {
		return fmt.Errorf("claim node %s: %w", hostname, err)
	}
	if !claimed {
		log.Info("node already claimed by an initialization; ignoring")
		return nil
	}
	phaseStart := time.Now()

	o.notifier.Send(ctx, notifications.StatusBegin,
		fmt.Sprintf("Cluster %s: Beginning Redfish initialization of host %s", clusterName, fqdn))

	if err := o.store.UpdateNodeAddresses(ctx, clusterName, hostname, macaddr, ipaddr, "", ""); err != nil {
		return fmt.Errorf("record bmc addresses for node %s: %w", hostname, err)
	}

	session, err := o.newSession(ctx, "https://"+ipaddr, nodeSpec.BMC.Username, nodeSpec.BMC.Password, o.logger)
	if err != nil {
		return o.abortInit(ctx, log, clusterName, fqdn, fmt.Errorf("redfish login: %w", err))
	}
	if session.Failed() {
		return o.abortInit(ctx, log, clusterName, fqdn, errors.New("bmc never accepted a session"))
	}
	defer session.Logout(ctx)

	log.Info("characterizing node")
	roots, err := session.DiscoverRoots(ctx)
	if err != nil {
		return o.abortInit(ctx, log, clusterName, fqdn, fmt.Errorf("discover service roots: %w", err))
	}

	// Force the system off and light the indicator while bootstrap
	// owns the machine.
	session.SetPowerState(ctx, roots.SystemRoot, roots.Vendor, "off")
	session.SetIndicatorState(ctx, roots.SystemRoot, roots.Vendor, "on")

	log.Info("waiting for system normalization", "delay", stabilizeDelay)
	if !sleepCtx(ctx, stabilizeDelay) {
		return ctx.Err()
	}

	system, err := session.CharacterizeSystem(ctx, roots.SystemRoot)
	if err != nil {
		return o.abortInit(ctx, log, clusterName, fqdn, fmt.Errorf("characterize system: %w", err))
	}

	log.Info("found details from node characterization",
		"manufacturer", roots.Vendor,
		"redfish_version", roots.Version,
		"redfish_name", roots.Name,
		"sku", system.SKU,
		"serial", system.Serial,
		"power_state", system.PowerState,
		"indicator_led", system.IndicatorLED,
		"health", system.Health,
		"bootstrap_mac", system.BootstrapMAC)

	if err := o.store.UpdateNodeAddresses(ctx, clusterName, hostname, macaddr, ipaddr, system.BootstrapMAC, ""); err != nil {
		return fmt.Errorf("record bootstrap mac for node %s: %w", hostname, err)
	}

	log.Info("determining system disk")
	driveTarget, err := session.SystemDriveTarget(ctx, nodeSpec.Config.SystemDisks, system.StorageRoot)
	if err != nil {
		log.Error("no valid drives found; configure a single system drive as a 'detect:' string or Linux '/dev' path instead and try again")
		return o.abortInit(ctx, log, clusterName, fqdn, fmt.Errorf("determine system drive: %w", err))
	}
	log.Info("found system disk", "target", driveTarget)

	log.Info("creating node boot configurations")
	if err := o.renderer.WritePXE(nodeSpec, system.BootstrapMAC); err != nil {
		return o.abortInit(ctx, log, clusterName, fqdn, fmt.Errorf("write pxe configuration: %w", err))
	}
	if err := o.renderer.WritePreseed(nodeSpec, system.BootstrapMAC, driveTarget); err != nil {
		return o.abortInit(ctx, log, clusterName, fqdn, fmt.Errorf("write preseed configuration: %w", err))
	}

	if len(nodeSpec.BMC.BIOSSettings) > 0 && system.BIOSRoot != "" {
		log.Info("adjusting bios settings", "count", len(nodeSpec.BMC.BIOSSettings))
		session.ApplyBIOSSettings(ctx, system.BIOSRoot, nodeSpec.BMC.BIOSSettings)
	}
	if len(nodeSpec.BMC.ManagerSettings) > 0 {
		log.Info("adjusting manager settings", "count", len(nodeSpec.BMC.ManagerSettings))
		session.ApplyManagerSettings(ctx, roots.ManagerRoot, nodeSpec.BMC.ManagerSettings)
	}

	log.Info("setting temporary pxe boot")
	session.SetBootOverride(ctx, roots.SystemRoot, roots.Vendor, "Pxe")

	o.notifier.Send(ctx, notifications.StatusSuccess,
		fmt.Sprintf("Cluster %s: Completed Redfish initialization of host %s", clusterName, fqdn))

	log.Info("powering on node")
	session.SetPowerState(ctx, roots.SystemRoot, roots.Vendor, "on")
	o.notifier.Send(ctx, notifications.StatusInfo,
		fmt.Sprintf("Cluster %s: Powering on host %s", clusterName, fqdn))

	if err := o.advanceNodeState(ctx, clusterName, hostname, models.NodeStatePXEBooting); err != nil {
		return err
	}
	metrics.ObserveBootstrapPhase(metrics.PhaseCharacterize, time.Since(phaseStart))

	if err := o.waitForInstall(ctx, log, session, clusterName, hostname); err != nil {
		return err
	}

	// Bootstrap is done with the machine: power it off gracefully and
	// clear the indicator for the rack technician.
	o.notifier.Send(ctx, notifications.StatusInfo,
		fmt.Sprintf("Cluster %s: Powering off host %s", clusterName, fqdn))
	session.SetPowerState(ctx, roots.SystemRoot, roots.Vendor, "GracefulShutdown")
	if err := o.waitForPowerOff(ctx, log, session, roots.SystemRoot); err != nil {
		return err
	}
	session.SetIndicatorState(ctx, roots.SystemRoot, roots.Vendor, "off")

	log.Info("redfish initialization finished")
	return nil
}

// abortInit reports an abandoned initialization. The node keeps its
// last recorded state; the operator reboots the BMC and retries the
// lease.
func (o *Orchestrator) abortInit(ctx context.Context, log *slog.Logger, clusterName, fqdn string, err error) error {
	log.Error("aborting redfish initialization; reboot bmc to try again", "error", err)
	o.notifier.Send(ctx, notifications.StatusFailure,
		fmt.Sprintf("Cluster %s: Failed Redfish initialization of host %s with error '%s'", clusterName, fqdn, err))
	return err
}

// waitForInstall blocks until the install flow drives the node's store
// row to booted-completed, or straight to completed when the cluster
// finishes first. Each pass touches the service root so the BMC keeps
// the session alive across the hours a slow install can take.
func (o *Orchestrator) waitForInstall(ctx context.Context, log *slog.Logger, session *redfish.Session, clusterName, hostname string) error {
	log.Info("waiting for completion of node and cluster installation")
	phase := models.NodeStatePXEBooting
	phaseStart := time.Now()
	for {
		if !sleepCtx(ctx, installPollInterval) {
			return ctx.Err()
		}
		session.WithOp(metrics.OpKeepalive).Get(ctx, redfish.BaseRoot)

		node, err := o.store.GetNode(ctx, clusterName, hostname)
		if err != nil {
			return fmt.Errorf("refresh node %s state: %w", hostname, err)
		}
		if node.State != phase {
			switch phase {
			case models.NodeStatePXEBooting:
				metrics.ObserveBootstrapPhase(metrics.PhasePXEBoot, time.Since(phaseStart))
			case models.NodeStateInstalling:
				metrics.ObserveBootstrapPhase(metrics.PhaseInstall, time.Since(phaseStart))
			}
			log.Info("node state advanced", "from", phase, "to", node.State)
			phase = node.State
			phaseStart = time.Now()
		}
		if node.State == models.NodeStateBootedCompleted || node.State == models.NodeStateCompleted {
			return nil
		}
	}
}

// waitForPowerOff polls the system resource until the power state
// reads Off.
func (o *Orchestrator) waitForPowerOff(ctx context.Context, log *slog.Logger, session *redfish.Session, systemRoot string) error {
	for {
		if !sleepCtx(ctx, powerOffPollInterval) {
			return ctx.Err()
		}
		detail, ok := session.Get(ctx, systemRoot)
		if !ok {
			continue
		}
		state, _ := detail["PowerState"].(string)
		state = strings.TrimSpace(state)
		log.Debug("polled system power state", "state", state)
		if state == "Off" {
			return nil
		}
	}
}
