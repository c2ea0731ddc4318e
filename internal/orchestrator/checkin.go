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
	"strconv"
	"strings"
	"time"

	"pvcbootstrapd/internal/cspec"
	"pvcbootstrapd/internal/metrics"
	"pvcbootstrapd/internal/store"
	"pvcbootstrapd/pkg/models"
)

// completionDelay is how long a finished cluster is given to power its
// nodes off before the cluster record goes terminal. Variable so tests
// can tighten it.
var completionDelay = 300 * time.Second

// nodeStateRank orders node states along the bootstrap flow. Check-in
// replays may not move a node backward.
var nodeStateRank = map[models.NodeState]int{
	models.NodeStateInit:             0,
	models.NodeStateCharacterizing:   1,
	models.NodeStatePXEBooting:       2,
	models.NodeStateInstalling:       3,
	models.NodeStateInstalled:        4,
	models.NodeStateBootedInitial:    5,
	models.NodeStateBootedConfigured: 6,
	models.NodeStateBootedCompleted:  7,
	models.NodeStateCompleted:        8,
	models.NodeStateFailed:           9,
}

// DNSMasqCheckin handles one DHCP event from the lease helper. An add
// event for a BMC MAC in the bootstrap map starts that node's Redfish
// initialization; everything else is informational.
func (o *Orchestrator) DNSMasqCheckin(ctx context.Context, data models.DNSMasqCheckin) error {
	switch data.Action {
	case models.DNSMasqActionAdd:
		return o.dnsmasqAdd(ctx, data)
	case models.DNSMasqActionTFTP:
		o.logger.Info("receiving 'tftp' checkin from dnsmasq",
			"destaddr", data.DestAddr, "file", data.FilePath, "size", data.Size)
		return nil
	default:
		o.logger.Warn("ignoring dnsmasq checkin with unhandled action", "action", data.Action)
		return nil
	}
}

func (o *Orchestrator) dnsmasqAdd(ctx context.Context, data models.DNSMasqCheckin) error {
	o.logger.Info("receiving 'add' checkin from dnsmasq", "macaddr", data.MACAddr, "ipaddr", data.IPAddr)

	spec, err := o.specs.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cluster specification: %w", err)
	}

	nodeSpec, ok := spec.NodeByBMCMAC(data.MACAddr)
	if !ok {
		o.logger.Warn("device not in bootstrap map; ignoring", "macaddr", data.MACAddr)
		return nil
	}
	clusterName := nodeSpec.Node.Cluster
	log := o.logger.With("cluster", clusterName, "hostname", nodeSpec.Node.Hostname, "macaddr", data.MACAddr)

	// A BMC MAC lands in the store when its initialization starts, so
	// seeing it again means a repeated lease event for a node that is
	// already being (or has been) bootstrapped.
	if _, err := o.store.GetNodeByBMCMAC(ctx, clusterName, data.MACAddr); err == nil {
		log.Info("device already bootstrapped; ignoring")
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up node by bmc mac: %w", err)
	}

	var isRedfish bool
	if nodeSpec.BMC.Redfish != nil {
		isRedfish = *nodeSpec.BMC.Redfish
	} else {
		isRedfish = o.probe(ctx, data.IPAddr, o.logger)
	}
	log.Info("checked device redfish capability", "redfish", isRedfish)
	if !isRedfish {
		log.Warn("device is not redfish capable; cannot bootstrap")
		return nil
	}

	return o.initHardware(ctx, spec, nodeSpec, data.MACAddr, data.IPAddr)
}

// HostCheckin handles one in-band report from a node's installer or
// from its boot-time agent, advancing node state and evaluating the
// cluster barriers.
func (o *Orchestrator) HostCheckin(ctx context.Context, data models.HostCheckin) error {
	o.logger.Info("registering checkin for host", "hostname", data.Hostname, "action", data.Action)

	spec, err := o.specs.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cluster specification: %w", err)
	}

	nodeSpec, ok := spec.NodeByBMCMAC(data.BMCMACAddr)
	if !ok {
		return fmt.Errorf("host %q checked in with bmc mac %s not in bootstrap map", data.Hostname, data.BMCMACAddr)
	}

	switch data.Action {
	case models.HostActionInstallStart:
		return o.installStart(ctx, spec, nodeSpec, data)
	case models.HostActionInstallComplete:
		return o.installComplete(ctx, nodeSpec)
	case models.HostActionBootInitial:
		return o.bootInitial(ctx, nodeSpec, data)
	case models.HostActionBootConfigured:
		return o.bootConfigured(ctx, spec, nodeSpec, data)
	case models.HostActionBootCompleted:
		return o.bootCompleted(ctx, nodeSpec, data)
	default:
		o.logger.Warn("ignoring host checkin with unhandled action", "action", data.Action)
		return nil
	}
}

func (o *Orchestrator) installStart(ctx context.Context, spec *cspec.Spec, nodeSpec *cspec.NodeSpec, data models.HostCheckin) error {
	clusterName := nodeSpec.Node.Cluster
	hostname := nodeSpec.Node.Hostname
	o.logger.Info("registering install start for host", "cluster", clusterName, "hostname", hostname)

	// A node can be installed without ever passing through the DHCP
	// path (manual PXE), so the cluster may not exist yet.
	if _, err := o.ensureCluster(ctx, spec, clusterName); err != nil {
		return err
	}
	if err := o.recordAddresses(ctx, clusterName, hostname, data); err != nil {
		return err
	}
	return o.advanceNodeState(ctx, clusterName, hostname, models.NodeStateInstalling)
}

func (o *Orchestrator) installComplete(ctx context.Context, nodeSpec *cspec.NodeSpec) error {
	clusterName := nodeSpec.Node.Cluster
	hostname := nodeSpec.Node.Hostname
	o.logger.Info("registering install complete for host", "cluster", clusterName, "hostname", hostname)

	return o.advanceNodeState(ctx, clusterName, hostname, models.NodeStateInstalled)
}

// bootInitial records a node's first boot into the installed system.
// Once every node in the cluster has arrived, exactly one check-in
// wins the barrier and drives the cluster-wide configuration run.
func (o *Orchestrator) bootInitial(ctx context.Context, nodeSpec *cspec.NodeSpec, data models.HostCheckin) error {
	clusterName := nodeSpec.Node.Cluster
	o.logger.Info("registering first boot for host", "cluster", clusterName, "hostname", nodeSpec.Node.Hostname)

	if err := o.setBootState(ctx, nodeSpec, data, models.NodeStateBootedInitial); err != nil {
		return err
	}

	ready, all, err := o.clusterReadiness(ctx, clusterName, models.NodeStateBootedInitial)
	if err != nil {
		return err
	}
	if len(ready) < all {
		return nil
	}

	swapped, err := o.store.CompareAndSwapClusterState(ctx, clusterName, models.ClusterStateProvisioning, models.ClusterStateAnsibleRunning)
	if err != nil {
		return fmt.Errorf("advance cluster %s: %w", clusterName, err)
	}
	if !swapped {
		o.logger.Info("cluster already advanced past provisioning", "cluster", clusterName)
		return nil
	}

	cluster, err := o.store.GetCluster(ctx, clusterName)
	if err != nil {
		return fmt.Errorf("reread cluster %s: %w", clusterName, err)
	}

	start := time.Now()
	err = o.ansible.Run(ctx, *cluster, derefNodes(ready), nodeSpec.Node.Domain)
	metrics.ObserveBootstrapPhase(metrics.PhaseAnsible, time.Since(start))
	if err != nil {
		// The runner has already notified. The cluster stays in
		// ansible-running for the operator; there is no retry.
		return fmt.Errorf("configuration run for cluster %s: %w", clusterName, err)
	}
	return nil
}

// bootConfigured records a node's boot into the configured system. The
// last arrival wins the barrier, runs the hook sequence, and marks the
// whole cluster done.
func (o *Orchestrator) bootConfigured(ctx context.Context, spec *cspec.Spec, nodeSpec *cspec.NodeSpec, data models.HostCheckin) error {
	clusterName := nodeSpec.Node.Cluster
	o.logger.Info("registering post-configuration boot for host", "cluster", clusterName, "hostname", nodeSpec.Node.Hostname)

	if err := o.setBootState(ctx, nodeSpec, data, models.NodeStateBootedConfigured); err != nil {
		return err
	}

	ready, all, err := o.clusterReadiness(ctx, clusterName, models.NodeStateBootedConfigured)
	if err != nil {
		return err
	}
	if len(ready) < all {
		// A replay delivered after the hook run finds the fleet
		// already marked completed; finish the cluster record then.
		if done, _, derr := o.clusterReadiness(ctx, clusterName, models.NodeStateCompleted); derr == nil && all > 0 && len(done) == all {
			return o.finishCluster(ctx, clusterName)
		}
		return nil
	}

	swapped, err := o.store.CompareAndSwapClusterState(ctx, clusterName, models.ClusterStateAnsibleRunning, models.ClusterStateHooksRunning)
	if err != nil {
		return fmt.Errorf("advance cluster %s: %w", clusterName, err)
	}
	if !swapped {
		o.logger.Info("cluster already advanced past ansible-running", "cluster", clusterName)
		return nil
	}

	cluster, err := o.store.GetCluster(ctx, clusterName)
	if err != nil {
		return fmt.Errorf("reread cluster %s: %w", clusterName, err)
	}

	start := time.Now()
	o.hooks.Run(ctx, *cluster, derefNodes(ready), spec.Hooks[clusterName])
	metrics.ObserveBootstrapPhase(metrics.PhaseHooks, time.Since(start))

	// Terminal node states release the per-node Redfish watchers to
	// power their systems off; the cluster record follows.
	if err := o.store.UpdateAllNodeStates(ctx, clusterName, models.NodeStateCompleted); err != nil {
		return fmt.Errorf("mark cluster %s nodes completed: %w", clusterName, err)
	}
	return o.finishCluster(ctx, clusterName)
}

// bootCompleted records a node's final boot. The cluster transition
// rides the booted-configured path, so only the node state moves here.
func (o *Orchestrator) bootCompleted(ctx context.Context, nodeSpec *cspec.NodeSpec, data models.HostCheckin) error {
	clusterName := nodeSpec.Node.Cluster
	o.logger.Info("registering post-hooks boot for host", "cluster", clusterName, "hostname", nodeSpec.Node.Hostname)

	return o.setBootState(ctx, nodeSpec, data, models.NodeStateBootedCompleted)
}

// finishCluster waits out the fleet power-off and then closes the
// cluster record.
func (o *Orchestrator) finishCluster(ctx context.Context, clusterName string) error {
	o.logger.Info("waiting for cluster power-off before completion", "cluster", clusterName, "delay", completionDelay)
	if !sleepCtx(ctx, completionDelay) {
		return ctx.Err()
	}

	swapped, err := o.store.CompareAndSwapClusterState(ctx, clusterName, models.ClusterStateHooksRunning, models.ClusterStateCompleted)
	if err != nil {
		return fmt.Errorf("complete cluster %s: %w", clusterName, err)
	}
	if swapped {
		o.logger.Info("cluster bootstrap completed", "cluster", clusterName)
	}
	return nil
}

// setBootState refreshes the node's recorded addresses from the
// check-in payload and advances its state.
func (o *Orchestrator) setBootState(ctx context.Context, nodeSpec *cspec.NodeSpec, data models.HostCheckin, state models.NodeState) error {
	clusterName := nodeSpec.Node.Cluster
	hostname := nodeSpec.Node.Hostname
	if err := o.recordAddresses(ctx, clusterName, hostname, data); err != nil {
		return err
	}
	return o.advanceNodeState(ctx, clusterName, hostname, state)
}

func (o *Orchestrator) recordAddresses(ctx context.Context, clusterName, hostname string, data models.HostCheckin) error {
	err := o.store.UpdateNodeAddresses(ctx, clusterName, hostname, data.BMCMACAddr, data.BMCIPAddr, data.HostMAC, data.HostIP)
	if err != nil {
		return fmt.Errorf("record addresses for node %s: %w", hostname, err)
	}
	return nil
}

// advanceNodeState writes the target state only when it moves the node
// forward along the bootstrap flow.
func (o *Orchestrator) advanceNodeState(ctx context.Context, clusterName, hostname string, target models.NodeState) error {
	node, err := o.store.GetNode(ctx, clusterName, hostname)
	if err != nil {
		return fmt.Errorf("read node %s: %w", hostname, err)
	}
	if nodeStateRank[node.State] >= nodeStateRank[target] {
		o.logger.Info("node already at or past state; leaving unchanged",
			"cluster", clusterName, "hostname", hostname, "state", node.State, "target", target)
		return nil
	}
	if err := o.store.UpdateNodeState(ctx, clusterName, hostname, target); err != nil {
		return fmt.Errorf("set node %s state: %w", hostname, err)
	}
	return nil
}

// clusterReadiness returns the nodes currently in the given state and
// the cluster's total node count.
func (o *Orchestrator) clusterReadiness(ctx context.Context, clusterName string, state models.NodeState) ([]*models.Node, int, error) {
	nodes, err := o.store.ListNodes(ctx, clusterName)
	if err != nil {
		return nil, 0, fmt.Errorf("list nodes for cluster %s: %w", clusterName, err)
	}
	var ready []*models.Node
	for _, n := range nodes {
		if n.State == state {
			ready = append(ready, n)
		}
	}
	o.logger.Info("cluster readiness", "cluster", clusterName, "state", state, "ready", len(ready), "all", len(nodes))
	return ready, len(nodes), nil
}

// ensureCluster returns the cluster row, creating it in provisioning
// and pre-creating every bootstrap node from the specification on
// first sight.
func (o *Orchestrator) ensureCluster(ctx context.Context, spec *cspec.Spec, clusterName string) (*models.Cluster, error) {
	cluster, err := o.store.GetCluster(ctx, clusterName)
	if err == nil {
		return cluster, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up cluster %s: %w", clusterName, err)
	}

	cluster, err = o.store.AddCluster(ctx, clusterName, models.ClusterStateProvisioning)
	if err != nil {
		// Lost the creation race to a concurrent check-in.
		if existing, gerr := o.store.GetCluster(ctx, clusterName); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("add cluster %s: %w", clusterName, err)
	}
	o.logger.Info("added new cluster", "cluster", clusterName, "state", cluster.State)

	for i, ns := range spec.NodesForCluster(clusterName) {
		node := models.Node{
			State: models.NodeStateInit,
			Name:  ns.Node.Hostname,
			NID:   nodeID(ns.Node.Hostname, i),
		}
		if _, err := o.store.AddNode(ctx, clusterName, node); err != nil {
			return nil, fmt.Errorf("pre-create node %s: %w", ns.Node.Hostname, err)
		}
		o.logger.Info("pre-created bootstrap node", "cluster", clusterName, "hostname", node.Name, "nid", node.NID)
	}
	return cluster, nil
}

// nodeID derives the numeric node id from the digits of the hostname
// (hv1 -> 1, pvchv03 -> 3). Digit-free or unparseable hostnames fall
// back to their 1-based position in the bootstrap list.
func nodeID(hostname string, position int) int {
	digits := strings.Map(func(r rune) rune {
		if r < '0' || r > '9' {
			return -1
		}
		return r
	}, hostname)
	if digits != "" {
		if nid, err := strconv.Atoi(digits); err == nil {
			return nid
		}
	}
	return position + 1
}

func derefNodes(nodes []*models.Node) []models.Node {
	out := make([]models.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n)
	}
	return out
}

// sleepCtx sleeps for d unless the context ends first, reporting
// whether the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
