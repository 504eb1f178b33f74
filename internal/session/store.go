// Copyright 2025 The flowd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshworks/flowd/pkg/errors"
)

// InstanceStore is the durable worker instance index: instance ids assigned
// on first handshake survive scheduler restarts so workers keep their
// identity across reconnects.
type InstanceStore struct {
	db *sql.DB
}

const instanceSchema = `
CREATE TABLE IF NOT EXISTS worker_instances (
	instance_id TEXT PRIMARY KEY,
	worker_name TEXT NOT NULL DEFAULT '',
	tenant      TEXT NOT NULL DEFAULT '',
	first_seen  TIMESTAMP NOT NULL,
	last_seen   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_instances_name ON worker_instances (worker_name);
`

// OpenInstanceStore opens (and migrates) the sqlite-backed index at path.
// Use ":memory:" for an ephemeral store.
func OpenInstanceStore(path string) (*InstanceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening worker instance store")
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(instanceSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrating worker instance store")
	}
	return &InstanceStore{db: db}, nil
}

// Ensure records an instance, updating its tenant and last-seen on conflict.
// The worker name only overwrites a stored one when non-empty: the handshake
// records the instance before the name is known at register.
func (s *InstanceStore) Ensure(ctx context.Context, instanceID, workerName, tenant string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_instances (instance_id, worker_name, tenant, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			worker_name = CASE WHEN excluded.worker_name = ''
				THEN worker_instances.worker_name
				ELSE excluded.worker_name END,
			tenant = excluded.tenant,
			last_seen = excluded.last_seen`,
		instanceID, workerName, tenant, now, now)
	return errors.Wrap(err, "recording worker instance")
}

// Touch bumps the last-seen timestamp.
func (s *InstanceStore) Touch(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_instances SET last_seen = ? WHERE instance_id = ?`,
		time.Now().UTC(), instanceID)
	return errors.Wrap(err, "touching worker instance")
}

// Known reports whether an instance id was ever issued.
func (s *InstanceStore) Known(ctx context.Context, instanceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM worker_instances WHERE instance_id = ?`, instanceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "looking up worker instance")
	}
	return true, nil
}

// Close closes the database.
func (s *InstanceStore) Close() error {
	return s.db.Close()
}
