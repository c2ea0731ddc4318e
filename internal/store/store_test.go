package store

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

// Tests for the store layer: migrations, cluster and node registry
// operations, the state compare-and-swap, and task queue leasing.

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"pvcbootstrapd/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAndMigrations_ClusterCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.AddCluster(ctx, "cluster1", models.ClusterStateProvisioning)
	if err != nil {
		t.Fatalf("AddCluster failed: %v", err)
	}
	if c.ID == 0 || c.Name != "cluster1" || c.State != models.ClusterStateProvisioning {
		t.Fatalf("unexpected cluster row: %+v", c)
	}

	// Read it back by name and by id
	got, err := s.GetCluster(ctx, "cluster1")
	if err != nil {
		t.Fatalf("GetCluster failed: %v", err)
	}
	if got.ID != c.ID || got.State != models.ClusterStateProvisioning {
		t.Fatalf("cluster mismatch: got=%+v want=%+v", got, c)
	}
	byID, err := s.GetClusterByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetClusterByID failed: %v", err)
	}
	if byID.Name != "cluster1" {
		t.Fatalf("cluster by id mismatch: %+v", byID)
	}

	// Duplicate names are rejected
	if _, err := s.AddCluster(ctx, "cluster1", models.ClusterStateProvisioning); err == nil {
		t.Fatalf("AddCluster duplicate succeeded unexpectedly")
	}

	// Missing cluster yields ErrNotFound
	if _, err := s.GetCluster(ctx, "no-such-cluster"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing cluster, got %v", err)
	}

	// Unconditional state update
	if err := s.UpdateClusterState(ctx, "cluster1", models.ClusterStateFailed); err != nil {
		t.Fatalf("UpdateClusterState failed: %v", err)
	}
	got2, err := s.GetCluster(ctx, "cluster1")
	if err != nil {
		t.Fatalf("GetCluster (after update) failed: %v", err)
	}
	if got2.State != models.ClusterStateFailed {
		t.Fatalf("expected state failed, got %s", got2.State)
	}
	if err := s.UpdateClusterState(ctx, "no-such-cluster", models.ClusterStateFailed); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound updating missing cluster, got %v", err)
	}

	// List
	if _, err := s.AddCluster(ctx, "cluster2", models.ClusterStateProvisioning); err != nil {
		t.Fatalf("AddCluster (second) failed: %v", err)
	}
	all, err := s.ListClusters(ctx)
	if err != nil {
		t.Fatalf("ListClusters failed: %v", err)
	}
	if len(all) != 2 || all[0].Name != "cluster1" || all[1].Name != "cluster2" {
		t.Fatalf("unexpected cluster list: %+v", all)
	}
}

func TestCompareAndSwapClusterState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddCluster(ctx, "cluster1", models.ClusterStateAnsibleRunning); err != nil {
		t.Fatalf("AddCluster failed: %v", err)
	}

	// First transition wins
	swapped, err := s.CompareAndSwapClusterState(ctx, "cluster1", models.ClusterStateAnsibleRunning, models.ClusterStateHooksRunning)
	if err != nil {
		t.Fatalf("CompareAndSwapClusterState failed: %v", err)
	}
	if !swapped {
		t.Fatal("expected first swap to succeed")
	}

	// A second identical swap observes the new state and loses
	swapped, err = s.CompareAndSwapClusterState(ctx, "cluster1", models.ClusterStateAnsibleRunning, models.ClusterStateHooksRunning)
	if err != nil {
		t.Fatalf("CompareAndSwapClusterState (second) failed: %v", err)
	}
	if swapped {
		t.Fatal("expected second swap to report no transition")
	}

	got, err := s.GetCluster(ctx, "cluster1")
	if err != nil {
		t.Fatalf("GetCluster failed: %v", err)
	}
	if got.State != models.ClusterStateHooksRunning {
		t.Fatalf("expected state hooks-running, got %s", got.State)
	}

	// Swap on a missing cluster simply reports false
	swapped, err = s.CompareAndSwapClusterState(ctx, "no-such-cluster", models.ClusterStateAnsibleRunning, models.ClusterStateHooksRunning)
	if err != nil {
		t.Fatalf("CompareAndSwapClusterState (missing) failed: %v", err)
	}
	if swapped {
		t.Fatal("expected swap on missing cluster to report false")
	}
}

func TestNodeCRUDAndLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddCluster(ctx, "cluster1", models.ClusterStateProvisioning); err != nil {
		t.Fatalf("AddCluster failed: %v", err)
	}

	n1, err := s.AddNode(ctx, "cluster1", models.Node{
		State:      models.NodeStateInit,
		Name:       "hv1",
		NID:        1,
		BMCMACAddr: "AA:BB:CC:DD:EE:01",
		BMCIPAddr:  "10.10.10.11",
	})
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if n1.ID == 0 || n1.Name != "hv1" || n1.NID != 1 {
		t.Fatalf("unexpected node row: %+v", n1)
	}
	// MACs are stored lowercased
	if n1.BMCMACAddr != "aa:bb:cc:dd:ee:01" {
		t.Fatalf("expected lowercased BMC MAC, got %q", n1.BMCMACAddr)
	}

	if _, err := s.AddNode(ctx, "cluster1", models.Node{State: models.NodeStateInit, Name: "hv2", NID: 2}); err != nil {
		t.Fatalf("AddNode (hv2) failed: %v", err)
	}

	// Duplicate node name within a cluster is rejected
	if _, err := s.AddNode(ctx, "cluster1", models.Node{State: models.NodeStateInit, Name: "hv1", NID: 9}); err == nil {
		t.Fatalf("AddNode duplicate name succeeded unexpectedly")
	}

	// Lookups by name, nid, and BMC MAC (case-insensitive)
	byName, err := s.GetNode(ctx, "cluster1", "hv1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if byName.ID != n1.ID {
		t.Fatalf("node by name mismatch: %+v", byName)
	}
	byNID, err := s.GetNodeByNID(ctx, "cluster1", 2)
	if err != nil {
		t.Fatalf("GetNodeByNID failed: %v", err)
	}
	if byNID.Name != "hv2" {
		t.Fatalf("node by nid mismatch: %+v", byNID)
	}
	byMAC, err := s.GetNodeByBMCMAC(ctx, "cluster1", "AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("GetNodeByBMCMAC failed: %v", err)
	}
	if byMAC.Name != "hv1" {
		t.Fatalf("node by mac mismatch: %+v", byMAC)
	}
	if _, err := s.GetNodeByBMCMAC(ctx, "cluster1", "ff:ff:ff:ff:ff:ff"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown mac, got %v", err)
	}

	// List ordered by nodeid
	nodes, err := s.ListNodes(ctx, "cluster1")
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Name != "hv1" || nodes[1].Name != "hv2" {
		t.Fatalf("unexpected node list: %+v", nodes)
	}

	// State transition
	if err := s.UpdateNodeState(ctx, "cluster1", "hv1", models.NodeStateCharacterizing); err != nil {
		t.Fatalf("UpdateNodeState failed: %v", err)
	}
	got, err := s.GetNode(ctx, "cluster1", "hv1")
	if err != nil {
		t.Fatalf("GetNode (after state update) failed: %v", err)
	}
	if got.State != models.NodeStateCharacterizing {
		t.Fatalf("expected state characterizing, got %s", got.State)
	}
	if err := s.UpdateNodeState(ctx, "cluster1", "no-such-node", models.NodeStateCharacterizing); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound updating missing node, got %v", err)
	}

	// Bulk state transition
	if err := s.UpdateAllNodeStates(ctx, "cluster1", models.NodeStateCompleted); err != nil {
		t.Fatalf("UpdateAllNodeStates failed: %v", err)
	}
	nodes, err = s.ListNodes(ctx, "cluster1")
	if err != nil {
		t.Fatalf("ListNodes (after bulk update) failed: %v", err)
	}
	for _, n := range nodes {
		if n.State != models.NodeStateCompleted {
			t.Fatalf("expected all nodes completed, got %s for %s", n.State, n.Name)
		}
	}

	// Address updates lowercase MACs
	if err := s.UpdateNodeAddresses(ctx, "cluster1", "hv2", "AA:BB:CC:DD:EE:02", "10.10.10.12", "AA:BB:CC:DD:EE:F2", "10.10.11.12"); err != nil {
		t.Fatalf("UpdateNodeAddresses failed: %v", err)
	}
	hv2, err := s.GetNode(ctx, "cluster1", "hv2")
	if err != nil {
		t.Fatalf("GetNode (hv2) failed: %v", err)
	}
	if hv2.BMCMACAddr != "aa:bb:cc:dd:ee:02" || hv2.HostMAC != "aa:bb:cc:dd:ee:f2" {
		t.Fatalf("expected lowercased MACs, got %+v", hv2)
	}
	if hv2.BMCIPAddr != "10.10.10.12" || hv2.HostIP != "10.10.11.12" {
		t.Fatalf("unexpected addresses: %+v", hv2)
	}
}

func TestCompareAndSwapNodeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddCluster(ctx, "cluster1", models.ClusterStateProvisioning); err != nil {
		t.Fatalf("AddCluster failed: %v", err)
	}
	if _, err := s.AddNode(ctx, "cluster1", models.Node{State: models.NodeStateInit, Name: "hv1", NID: 1}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	// First claim out of init wins
	swapped, err := s.CompareAndSwapNodeState(ctx, "cluster1", "hv1", models.NodeStateInit, models.NodeStateCharacterizing)
	if err != nil {
		t.Fatalf("CompareAndSwapNodeState failed: %v", err)
	}
	if !swapped {
		t.Fatal("expected first swap to succeed")
	}

	// A duplicate claim observes characterizing and loses
	swapped, err = s.CompareAndSwapNodeState(ctx, "cluster1", "hv1", models.NodeStateInit, models.NodeStateCharacterizing)
	if err != nil {
		t.Fatalf("CompareAndSwapNodeState (second) failed: %v", err)
	}
	if swapped {
		t.Fatal("expected second swap to report no transition")
	}

	got, err := s.GetNode(ctx, "cluster1", "hv1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got.State != models.NodeStateCharacterizing {
		t.Fatalf("expected state characterizing, got %s", got.State)
	}

	// Swap on a missing node simply reports false
	swapped, err = s.CompareAndSwapNodeState(ctx, "cluster1", "no-such-node", models.NodeStateInit, models.NodeStateCharacterizing)
	if err != nil {
		t.Fatalf("CompareAndSwapNodeState (missing) failed: %v", err)
	}
	if swapped {
		t.Fatal("expected swap on missing node to report false")
	}
}

func TestDeleteClusterCascadesNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddCluster(ctx, "cluster1", models.ClusterStateProvisioning); err != nil {
		t.Fatalf("AddCluster failed: %v", err)
	}
	if _, err := s.AddNode(ctx, "cluster1", models.Node{State: models.NodeStateInit, Name: "hv1", NID: 1}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	if err := s.DeleteCluster(ctx, "cluster1"); err != nil {
		t.Fatalf("DeleteCluster failed: %v", err)
	}
	if _, err := s.GetCluster(ctx, "cluster1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.GetNode(ctx, "cluster1", "hv1"); err != ErrNotFound {
		t.Fatalf("expected node rows to cascade, got %v", err)
	}

	if err := s.DeleteCluster(ctx, "cluster1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestTaskEnqueueAcquireComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Acquire on an empty queue reports not found
	if _, err := s.AcquireQueuedTask(ctx, "worker-1", time.Minute); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)

	older := models.NewTask("dnsmasq-checkin", json.RawMessage(`{"action":"add"}`))
	older.ID = "task-old"
	older.CreatedAt = base
	older.UpdatedAt = base
	if err := s.EnqueueTask(ctx, &older); err != nil {
		t.Fatalf("EnqueueTask (older) failed: %v", err)
	}

	newer := models.NewTask("host-checkin", json.RawMessage(`{"action":"begin"}`))
	newer.ID = "task-new"
	newer.CreatedAt = base.Add(10 * time.Minute)
	newer.UpdatedAt = base.Add(10 * time.Minute)
	if err := s.EnqueueTask(ctx, &newer); err != nil {
		t.Fatalf("EnqueueTask (newer) failed: %v", err)
	}

	// Oldest task is leased first
	acquired, err := s.AcquireQueuedTask(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireQueuedTask failed: %v", err)
	}
	if acquired.ID != "task-old" {
		t.Fatalf("expected oldest task 'task-old', got %q", acquired.ID)
	}
	if acquired.Status != models.TaskStatusRunning || acquired.Attempts != 1 {
		t.Fatalf("unexpected acquired task: %+v", acquired)
	}
	if acquired.WorkerID == nil || *acquired.WorkerID != "worker-1" {
		t.Fatalf("expected worker_id='worker-1', got %v", acquired.WorkerID)
	}
	if acquired.LeaseExpiresAt == nil || !acquired.LeaseExpiresAt.After(time.Now().UTC()) {
		t.Fatalf("expected future lease expiry, got %v", acquired.LeaseExpiresAt)
	}

	// Complete it
	if err := s.CompleteTask(ctx, acquired.ID); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	done, err := s.GetTaskByID(ctx, acquired.ID)
	if err != nil {
		t.Fatalf("GetTaskByID failed: %v", err)
	}
	if done.Status != models.TaskStatusCompleted {
		t.Fatalf("expected status completed, got %s", done.Status)
	}

	// Fail the second one
	second, err := s.AcquireQueuedTask(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireQueuedTask (second) failed: %v", err)
	}
	if second.ID != "task-new" {
		t.Fatalf("expected 'task-new', got %q", second.ID)
	}
	if err := s.FailTask(ctx, second.ID, "redfish timeout"); err != nil {
		t.Fatalf("FailTask failed: %v", err)
	}
	failed, err := s.GetTaskByID(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetTaskByID (failed) failed: %v", err)
	}
	if failed.Status != models.TaskStatusFailed {
		t.Fatalf("expected status failed, got %s", failed.Status)
	}
	if failed.Error == nil || *failed.Error != "redfish timeout" {
		t.Fatalf("expected error message recorded, got %v", failed.Error)
	}

	// Counters
	nCompleted, err := s.CountTasksByStatus(ctx, models.TaskStatusCompleted)
	if err != nil {
		t.Fatalf("CountTasksByStatus failed: %v", err)
	}
	if nCompleted != 1 {
		t.Fatalf("expected 1 completed task, got %d", nCompleted)
	}
}

func TestExtendTaskLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := models.NewTask("host-checkin", json.RawMessage(`{}`))
	task.ID = "task-lease"
	if err := s.EnqueueTask(ctx, &task); err != nil {
		t.Fatalf("EnqueueTask failed: %v", err)
	}
	if _, err := s.AcquireQueuedTask(ctx, "worker-1", 5*time.Minute); err != nil {
		t.Fatalf("AcquireQueuedTask failed: %v", err)
	}

	// Extend as the owning worker
	extended, err := s.ExtendTaskLease(ctx, task.ID, "worker-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("ExtendTaskLease failed: %v", err)
	}
	if !extended {
		t.Fatal("expected lease extension to succeed")
	}

	// Wrong worker fails
	extended, err = s.ExtendTaskLease(ctx, task.ID, "worker-2", 10*time.Minute)
	if err != nil {
		t.Fatalf("ExtendTaskLease (wrong worker) failed: %v", err)
	}
	if extended {
		t.Fatal("expected lease extension by wrong worker to fail")
	}

	// Nonexistent task fails
	extended, err = s.ExtendTaskLease(ctx, "no-such-task", "worker-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("ExtendTaskLease (no task) failed: %v", err)
	}
	if extended {
		t.Fatal("expected lease extension of nonexistent task to fail")
	}
}

func TestRequeueExpiredTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := models.NewTask("dnsmasq-checkin", json.RawMessage(`{}`))
	task.ID = "task-requeue"
	if err := s.EnqueueTask(ctx, &task); err != nil {
		t.Fatalf("EnqueueTask failed: %v", err)
	}

	// Acquire with a very short lease and let it expire
	if _, err := s.AcquireQueuedTask(ctx, "worker-dead", 1*time.Millisecond); err != nil {
		t.Fatalf("AcquireQueuedTask failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := s.RequeueExpiredTasks(ctx)
	if err != nil {
		t.Fatalf("RequeueExpiredTasks failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued task, got %d", n)
	}

	requeued, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID failed: %v", err)
	}
	if requeued.Status != models.TaskStatusQueued {
		t.Fatalf("expected status queued after requeue, got %s", requeued.Status)
	}
	if requeued.WorkerID != nil || requeued.LeaseExpiresAt != nil {
		t.Fatalf("expected lease fields cleared after requeue: %+v", requeued)
	}
	if requeued.Attempts != 1 {
		t.Fatalf("expected attempts preserved across requeue, got %d", requeued.Attempts)
	}

	// A fresh lease is not touched
	if _, err := s.AcquireQueuedTask(ctx, "worker-live", 5*time.Minute); err != nil {
		t.Fatalf("AcquireQueuedTask (reacquire) failed: %v", err)
	}
	n, err = s.RequeueExpiredTasks(ctx)
	if err != nil {
		t.Fatalf("RequeueExpiredTasks (live lease) failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 requeued tasks with live lease, got %d", n)
	}
}
