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

// Package store provides the SQLite-backed registry for clusters and
// nodes plus the durable check-in task queue, including schema
// migrations, atomic state transitions, and task leasing helpers.
//
// Every exported operation opens and commits its own transaction; state
// is observed between calls, never across them. The cluster-state
// compare-and-swap is the synchronization primitive behind the cluster
// barrier, so it must stay a single UPDATE.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pvcbootstrapd/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// clusters table
		`CREATE TABLE IF NOT EXISTS clusters (
  id    INTEGER PRIMARY KEY AUTOINCREMENT,
  name  TEXT UNIQUE NOT NULL,
  state TEXT NOT NULL CHECK (state IN ('provisioning','ansible-running','hooks-running','completed','failed'))
);`,

		// nodes table
		`CREATE TABLE IF NOT EXISTS nodes (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  cluster      INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
  state        TEXT NOT NULL CHECK (state IN ('init','characterizing','pxe-booting','installing','installed','booted-initial','booted-configured','booted-completed','completed','failed')),
  name         TEXT NOT NULL,
  nodeid       INTEGER NOT NULL,
  bmc_macaddr  TEXT NOT NULL DEFAULT '',
  bmc_ipaddr   TEXT NOT NULL DEFAULT '',
  host_macaddr TEXT NOT NULL DEFAULT '',
  host_ipaddr  TEXT NOT NULL DEFAULT '',
  UNIQUE (cluster, name)
);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_cluster ON nodes(cluster);`,
		// BMC MACs identify a node once learned; pre-created rows carry ''.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_cluster_bmc_mac ON nodes(cluster, bmc_macaddr) WHERE bmc_macaddr != '';`,

		// tasks table (durable check-in queue)
		`CREATE TABLE IF NOT EXISTS tasks (
  id               TEXT PRIMARY KEY,
  handler          TEXT NOT NULL,
  payload          TEXT NOT NULL,
  status           TEXT NOT NULL CHECK (status IN ('queued','running','completed','failed')),
  attempts         INTEGER NOT NULL DEFAULT 0,
  worker_id        TEXT NULL,
  lease_expires_at TIMESTAMP NULL,
  error            TEXT NULL,
  created_at       TIMESTAMP NOT NULL,
  updated_at       TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Clusters ---------------

// AddCluster inserts a cluster and returns the stored row.
func (s *Store) AddCluster(ctx context.Context, name string, state models.ClusterState) (*models.Cluster, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("invalid cluster state: %s", state)
	}
	const ins = `INSERT INTO clusters(name, state) VALUES(?, ?)`
	res, err := s.db.ExecContext(ctx, ins, name, state.String())
	if err != nil {
		return nil, fmt.Errorf("insert cluster: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("cluster rowid: %w", err)
	}
	return s.GetClusterByID(ctx, id)
}

// GetCluster retrieves a cluster by name.
func (s *Store) GetCluster(ctx context.Context, name string) (*models.Cluster, error) {
	const q = `SELECT id, name, state FROM clusters WHERE name=?`
	return s.scanCluster(s.db.QueryRowContext(ctx, q, name))
}

// GetClusterByID retrieves a cluster by its surrogate id.
func (s *Store) GetClusterByID(ctx context.Context, id int64) (*models.Cluster, error) {
	const q = `SELECT id, name, state FROM clusters WHERE id=?`
	return s.scanCluster(s.db.QueryRowContext(ctx, q, id))
}

// ListClusters returns all clusters ordered by id.
func (s *Store) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	const q = `SELECT id, name, state FROM clusters ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []*models.Cluster
	for rows.Next() {
		var c models.Cluster
		var state string
		if err := rows.Scan(&c.ID, &c.Name, &state); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		c.State = models.ClusterState(state)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return out, nil
}

// UpdateClusterState unconditionally sets a cluster's state.
func (s *Store) UpdateClusterState(ctx context.Context, name string, state models.ClusterState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid cluster state: %s", state)
	}
	const upd = `UPDATE clusters SET state=? WHERE name=?`
	res, err := s.db.ExecContext(ctx, upd, state.String(), name)
	if err != nil {
		return fmt.Errorf("update cluster state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapClusterState transitions a cluster from one state to
// another in a single UPDATE. It reports true iff this call performed
// the transition, so concurrent barrier finishers resolve to exactly
// one winner.
func (s *Store) CompareAndSwapClusterState(ctx context.Context, name string, from, to models.ClusterState) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, fmt.Errorf("invalid cluster state: %s -> %s", from, to)
	}
	const upd = `UPDATE clusters SET state=? WHERE name=? AND state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), name, from.String())
	if err != nil {
		return false, fmt.Errorf("cas cluster state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteCluster removes a cluster; node rows cascade.
func (s *Store) DeleteCluster(ctx context.Context, name string) error {
	const del = `DELETE FROM clusters WHERE name=?`
	res, err := s.db.ExecContext(ctx, del, name)
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Nodes ---------------

const nodeColumns = `id, cluster, state, name, nodeid, bmc_macaddr, bmc_ipaddr, host_macaddr, host_ipaddr`

// AddNode inserts a node under the named cluster and returns the stored
// row. MAC addresses are lowercased before storage.
func (s *Store) AddNode(ctx context.Context, clusterName string, n models.Node) (*models.Node, error) {
	if !n.State.Valid() {
		return nil, fmt.Errorf("invalid node state: %s", n.State)
	}
	const ins = `
INSERT INTO nodes(cluster, state, name, nodeid, bmc_macaddr, bmc_ipaddr, host_macaddr, host_ipaddr)
VALUES((SELECT id FROM clusters WHERE name=?), ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins,
		clusterName, n.State.String(), n.Name, n.NID,
		normalizeMAC(n.BMCMACAddr), n.BMCIPAddr, normalizeMAC(n.HostMAC), n.HostIP)
	if err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("node rowid: %w", err)
	}
	const q = `SELECT ` + nodeColumns + ` FROM nodes WHERE id=?`
	return s.scanNode(s.db.QueryRowContext(ctx, q, id))
}

// GetNode retrieves a node by cluster name and node name.
func (s *Store) GetNode(ctx context.Context, clusterName, nodeName string) (*models.Node, error) {
	const q = `SELECT ` + nodeColumns + `
FROM nodes WHERE cluster=(SELECT id FROM clusters WHERE name=?) AND name=?`
	return s.scanNode(s.db.QueryRowContext(ctx, q, clusterName, nodeName))
}

// GetNodeByNID retrieves a node by cluster name and node id.
func (s *Store) GetNodeByNID(ctx context.Context, clusterName string, nid int) (*models.Node, error) {
	const q = `SELECT ` + nodeColumns + `
FROM nodes WHERE cluster=(SELECT id FROM clusters WHERE name=?) AND nodeid=?`
	return s.scanNode(s.db.QueryRowContext(ctx, q, clusterName, nid))
}

// GetNodeByBMCMAC retrieves a node by cluster name and BMC MAC address.
// The lookup is case-insensitive.
func (s *Store) GetNodeByBMCMAC(ctx context.Context, clusterName, mac string) (*models.Node, error) {
	const q = `SELECT ` + nodeColumns + `
FROM nodes WHERE cluster=(SELECT id FROM clusters WHERE name=?) AND bmc_macaddr=?`
	return s.scanNode(s.db.QueryRowContext(ctx, q, clusterName, normalizeMAC(mac)))
}

// ListNodes returns all nodes in the named cluster ordered by nodeid.
func (s *Store) ListNodes(ctx context.Context, clusterName string) ([]*models.Node, error) {
	const q = `SELECT ` + nodeColumns + `
FROM nodes WHERE cluster=(SELECT id FROM clusters WHERE name=?) ORDER BY nodeid ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, clusterName)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

// UpdateNodeState sets a node's state.
func (s *Store) UpdateNodeState(ctx context.Context, clusterName, nodeName string, state models.NodeState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid node state: %s", state)
	}
	const upd = `
UPDATE nodes SET state=?
WHERE cluster=(SELECT id FROM clusters WHERE name=?) AND name=?`
	res, err := s.db.ExecContext(ctx, upd, state.String(), clusterName, nodeName)
	if err != nil {
		return fmt.Errorf("update node state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapNodeState transitions a node from one state to another
// in a single UPDATE. It reports true iff this call performed the
// transition. Claiming a node out of init this way keeps concurrent
// duplicate lease events from double-driving one BMC.
func (s *Store) CompareAndSwapNodeState(ctx context.Context, clusterName, nodeName string, from, to models.NodeState) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, fmt.Errorf("invalid node state: %s -> %s", from, to)
	}
	const upd = `
UPDATE nodes SET state=?
WHERE cluster=(SELECT id FROM clusters WHERE name=?) AND name=? AND state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), clusterName, nodeName, from.String())
	if err != nil {
		return false, fmt.Errorf("cas node state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateAllNodeStates sets every node in the cluster to the given state.
func (s *Store) UpdateAllNodeStates(ctx context.Context, clusterName string, state models.NodeState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid node state: %s", state)
	}
	const upd = `
UPDATE nodes SET state=?
WHERE cluster=(SELECT id FROM clusters WHERE name=?)`
	if _, err := s.db.ExecContext(ctx, upd, state.String(), clusterName); err != nil {
		return fmt.Errorf("update all node states: %w", err)
	}
	return nil
}

// UpdateNodeAddresses records the addresses learned for a node. MAC
// addresses are lowercased before storage.
func (s *Store) UpdateNodeAddresses(ctx context.Context, clusterName, nodeName, bmcMAC, bmcIP, hostMAC, hostIP string) error {
	const upd = `
UPDATE nodes SET bmc_macaddr=?, bmc_ipaddr=?, host_macaddr=?, host_ipaddr=?
WHERE cluster=(SELECT id FROM clusters WHERE name=?) AND name=?`
	res, err := s.db.ExecContext(ctx, upd,
		normalizeMAC(bmcMAC), bmcIP, normalizeMAC(hostMAC), hostIP, clusterName, nodeName)
	if err != nil {
		return fmt.Errorf("update node addresses: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Tasks ---------------

const taskColumns = `id, handler, payload, status, attempts, worker_id, lease_expires_at, error, created_at, updated_at`

// EnqueueTask inserts a new task. The caller must set Task.ID.
func (s *Store) EnqueueTask(ctx context.Context, task *models.Task) error {
	const ins = `
INSERT INTO tasks (id, handler, payload, status, attempts, worker_id, lease_expires_at, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var workerID, leaseExpiresAt, taskErr any
	if task.WorkerID != nil {
		workerID = *task.WorkerID
	}
	if task.LeaseExpiresAt != nil {
		leaseExpiresAt = task.LeaseExpiresAt.UTC()
	}
	if task.Error != nil {
		taskErr = *task.Error
	}

	_, err := s.db.ExecContext(ctx, ins,
		task.ID, task.Handler, string(task.Payload), task.Status.String(), task.Attempts,
		workerID, leaseExpiresAt, taskErr, task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTaskByID retrieves a task by ID.
func (s *Store) GetTaskByID(ctx context.Context, id string) (*models.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE id=?`
	return s.scanTask(s.db.QueryRowContext(ctx, q, id))
}

// AcquireQueuedTask atomically leases the oldest queued task,
// transitioning it to running and assigning worker/lease timers.
// Returns ErrNotFound if none are queued.
func (s *Store) AcquireQueuedTask(ctx context.Context, workerID string, leaseTTL time.Duration) (*models.Task, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)

	var acquired *models.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM tasks WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued task: %w", err)
		}

		const upd = `UPDATE tasks
SET status='running', worker_id=?, lease_expires_at=?, attempts=attempts+1, updated_at=?
WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, workerID, leaseUntil, now, id)
		if err != nil {
			return fmt.Errorf("acquire queued task: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		const q = `SELECT ` + taskColumns + ` FROM tasks WHERE id=?`
		t, err := scanTaskRow(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		acquired = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ExtendTaskLease extends the lease for a running task, asserting worker
// ownership.
func (s *Store) ExtendTaskLease(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)
	const upd = `UPDATE tasks
SET lease_expires_at=?, updated_at=?
WHERE id=? AND status='running' AND worker_id=?`
	res, err := s.db.ExecContext(ctx, upd, leaseUntil, now, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("extend task lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteTask marks a running task completed.
func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	const upd = `UPDATE tasks SET status='completed', updated_at=? WHERE id=?`
	if _, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// FailTask marks a task failed with an error message.
func (s *Store) FailTask(ctx context.Context, taskID, message string) error {
	const upd = `UPDATE tasks SET status='failed', error=?, updated_at=? WHERE id=?`
	if _, err := s.db.ExecContext(ctx, upd, message, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// RequeueExpiredTasks returns running tasks with expired leases to the
// queue so another worker can pick them up. Crash recovery path: called
// on startup and periodically by the dispatcher janitor.
func (s *Store) RequeueExpiredTasks(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	const upd = `UPDATE tasks
SET status='queued', worker_id=NULL, lease_expires_at=NULL, updated_at=?
WHERE status='running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	res, err := s.db.ExecContext(ctx, upd, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountTasksByStatus returns the number of tasks in the given status.
func (s *Store) CountTasksByStatus(ctx context.Context, status models.TaskStatus) (int64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("invalid status: %s", status)
	}
	const q = `SELECT COUNT(*) FROM tasks WHERE status=?`
	var n int64
	if err := s.db.QueryRowContext(ctx, q, status.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// --------------- Internal helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanCluster(row rowScanner) (*models.Cluster, error) {
	var c models.Cluster
	var state string
	err := row.Scan(&c.ID, &c.Name, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.State = models.ClusterState(state)
	return &c, nil
}

func (s *Store) scanNode(row rowScanner) (*models.Node, error) {
	return scanNodeRow(row)
}

func scanNodeRow(row rowScanner) (*models.Node, error) {
	var n models.Node
	var state string
	err := row.Scan(&n.ID, &n.ClusterID, &state, &n.Name, &n.NID,
		&n.BMCMACAddr, &n.BMCIPAddr, &n.HostMAC, &n.HostIP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.State = models.NodeState(state)
	return &n, nil
}

func (s *Store) scanTask(row rowScanner) (*models.Task, error) {
	return scanTaskRow(row)
}

func scanTaskRow(row rowScanner) (*models.Task, error) {
	var (
		t              models.Task
		status         string
		payload        string
		workerID       sql.NullString
		leaseExpiresAt sql.NullTime
		taskErr        sql.NullString
	)
	err := row.Scan(&t.ID, &t.Handler, &payload, &status, &t.Attempts,
		&workerID, &leaseExpiresAt, &taskErr, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Payload = []byte(payload)
	t.Status = models.TaskStatus(status)
	t.WorkerID = fromNullStringPtr(workerID)
	t.LeaseExpiresAt = fromNullTimePtr(leaseExpiresAt)
	t.Error = fromNullStringPtr(taskErr)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
