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

// Package models contains the shared data models used by the controller,
// the task dispatcher, and tests: cluster and node registry rows, their
// state alphabets, queued tasks, and the check-in payloads.
package models

import (
	"encoding/json"
	"time"
)

// ClusterState is the lifecycle state of a bootstrapping cluster.
// Clusters advance provisioning → ansible-running → hooks-running →
// completed; failed is terminal from any state.
type ClusterState string

const (
	ClusterStateProvisioning   ClusterState = "provisioning"
	ClusterStateAnsibleRunning ClusterState = "ansible-running"
	ClusterStateHooksRunning   ClusterState = "hooks-running"
	ClusterStateCompleted      ClusterState = "completed"
	ClusterStateFailed         ClusterState = "failed"
)

// Valid reports whether the state is one of the allowed cluster states.
func (s ClusterState) Valid() bool {
	switch s {
	case ClusterStateProvisioning, ClusterStateAnsibleRunning, ClusterStateHooksRunning, ClusterStateCompleted, ClusterStateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the cluster has finished bootstrapping.
func (s ClusterState) IsTerminal() bool {
	return s == ClusterStateCompleted || s == ClusterStateFailed
}

// String returns the string value of the ClusterState.
func (s ClusterState) String() string { return string(s) }

// NodeState is the lifecycle state of a single node.
// Nodes advance init → characterizing → pxe-booting → installing →
// installed → booted-initial → booted-configured → booted-completed →
// completed; failed is terminal from any state.
type NodeState string

const (
	NodeStateInit             NodeState = "init"
	NodeStateCharacterizing   NodeState = "characterizing"
	NodeStatePXEBooting       NodeState = "pxe-booting"
	NodeStateInstalling       NodeState = "installing"
	NodeStateInstalled        NodeState = "installed"
	NodeStateBootedInitial    NodeState = "booted-initial"
	NodeStateBootedConfigured NodeState = "booted-configured"
	NodeStateBootedCompleted  NodeState = "booted-completed"
	NodeStateCompleted        NodeState = "completed"
	NodeStateFailed           NodeState = "failed"
)

// Valid reports whether the state is one of the allowed node states.
func (s NodeState) Valid() bool {
	switch s {
	case NodeStateInit, NodeStateCharacterizing, NodeStatePXEBooting,
		NodeStateInstalling, NodeStateInstalled, NodeStateBootedInitial,
		NodeStateBootedConfigured, NodeStateBootedCompleted,
		NodeStateCompleted, NodeStateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the node has finished bootstrapping.
func (s NodeState) IsTerminal() bool {
	return s == NodeStateCompleted || s == NodeStateFailed
}

// String returns the string value of the NodeState.
func (s NodeState) String() string { return string(s) }

// Cluster is a registry row for one bootstrapping cluster. The name is
// the cluster's folder name in the spec repository and is globally unique.
type Cluster struct {
	ID    int64        `json:"id" db:"id"`
	Name  string       `json:"name" db:"name"`
	State ClusterState `json:"state" db:"state"`
}

// Node is a registry row for one cluster member. MAC addresses are stored
// lowercased; host addresses stay empty until the installer reports them.
type Node struct {
	ID         int64     `json:"id" db:"id"`
	ClusterID  int64     `json:"cluster" db:"cluster"`
	State      NodeState `json:"state" db:"state"`
	Name       string    `json:"name" db:"name"`
	NID        int       `json:"nid" db:"nodeid"`
	BMCMACAddr string    `json:"bmc_macaddr" db:"bmc_macaddr"`
	BMCIPAddr  string    `json:"bmc_ipaddr" db:"bmc_ipaddr"`
	HostMAC    string    `json:"host_macaddr" db:"host_macaddr"`
	HostIP     string    `json:"host_ipaddr" db:"host_ipaddr"`
}

// TaskStatus is the lifecycle state of a queued check-in task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the task has finished executing.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// String returns the string value of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// Task is a durable unit of work persisted by the check-in API and leased
// by dispatcher workers. Delivery is at-least-once: a worker that dies
// mid-task leaves an expired lease behind for another worker to steal, so
// handlers must be idempotent against the registry.
type Task struct {
	ID             string          `json:"task_id" db:"id"`
	Handler        string          `json:"handler" db:"handler"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         TaskStatus      `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	WorkerID       *string         `json:"worker_id,omitempty" db:"worker_id"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	Error          *string         `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// NewTask constructs a queued Task with timestamps set. The caller assigns
// a unique ID (e.g. a uuid) before persistence.
func NewTask(handler string, payload json.RawMessage) Task {
	now := time.Now().UTC()
	return Task{
		ID:        "",
		Handler:   handler,
		Payload:   payload,
		Status:    TaskStatusQueued,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DNSMasqCheckin is the lease-event payload POSTed by the dnsmasq
// dhcp-script to /checkin/dnsmasq. For action "add" the lease fields are
// set; for action "tftp" the transfer fields are set.
type DNSMasqCheckin struct {
	Action      string `json:"action"`
	MACAddr     string `json:"macaddr,omitempty"`
	IPAddr      string `json:"ipaddr,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Expiry      string `json:"expiry,omitempty"`
	VendorClass string `json:"vendor_class,omitempty"`
	UserClass   string `json:"user_class,omitempty"`
	Size        string `json:"size,omitempty"`
	DestAddr    string `json:"destaddr,omitempty"`
	FilePath    string `json:"filepath,omitempty"`
}

// HostCheckin is the in-band payload POSTed by the installer and the
// booted node to /checkin/host.
type HostCheckin struct {
	Action     string `json:"action"`
	Hostname   string `json:"hostname"`
	HostMAC    string `json:"host_macaddr"`
	HostIP     string `json:"host_ipaddr"`
	BMCMACAddr string `json:"bmc_macaddr"`
	BMCIPAddr  string `json:"bmc_ipaddr"`
}

// Host check-in actions emitted by the installer and subsequent boots.
const (
	HostActionInstallStart    = "install-start"
	HostActionInstallComplete = "install-complete"
	HostActionBootInitial     = "system-boot_initial"
	HostActionBootConfigured  = "system-boot_configured"
	HostActionBootCompleted   = "system-boot_completed"
)

// DNSMasq check-in actions.
const (
	DNSMasqActionAdd  = "add"
	DNSMasqActionTFTP = "tftp"
)

// Task handler names. The check-in API enqueues under these and the
// orchestrator registers its handlers against them.
const (
	TaskHandlerDNSMasqCheckin = "checkin.dnsmasq"
	TaskHandlerHostCheckin    = "checkin.host"
)
