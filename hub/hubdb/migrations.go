// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/hub/console"
	"github.com/signalhub/signalhub/private/migrate"
)

// Migration returns the schema steps for the central store.
func (db *DB) Migration() *migrate.Migration {
	rawDB := db.db.DB
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          rawDB,
				Description: "Initial setup: loader configuration and versioning",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE loader_configs (
						id bigserial PRIMARY KEY,
						code text NOT NULL,
						loader_sql text NOT NULL,
						source_code text NOT NULL,
						min_interval_sec bigint NOT NULL,
						max_interval_sec bigint NOT NULL,
						max_query_period_sec bigint NOT NULL,
						max_parallel_execs bigint NOT NULL DEFAULT 1,
						timezone_offset integer NOT NULL DEFAULT 0,
						aggregation_sec bigint NOT NULL DEFAULT 0,
						purge_strategy text NOT NULL,
						enabled boolean NOT NULL DEFAULT false,
						load_status text NOT NULL DEFAULT 'PAUSED',
						last_load_timestamp timestamptz,
						failed_since timestamptz,
						consecutive_zero_runs bigint NOT NULL DEFAULT 0,
						consecutive_failures bigint NOT NULL DEFAULT 0,
						last_attempt_at timestamptz,
						version_status text NOT NULL,
						version_number bigint NOT NULL DEFAULT 0,
						parent_version_id bigint,
						approval_status text NOT NULL,
						approved_by text NOT NULL DEFAULT '',
						approved_at timestamptz,
						rejection_reason text NOT NULL DEFAULT '',
						created_by text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL DEFAULT now(),
						updated_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE UNIQUE INDEX loader_configs_active_code ON loader_configs (code)
						WHERE version_status = 'ACTIVE'`,
					`CREATE UNIQUE INDEX loader_configs_draft_code ON loader_configs (code)
						WHERE version_status IN ('DRAFT', 'PENDING_APPROVAL')`,
					`CREATE TABLE loader_config_archive (
						id bigint PRIMARY KEY,
						code text NOT NULL,
						loader_sql text NOT NULL,
						source_code text NOT NULL,
						min_interval_sec bigint NOT NULL,
						max_interval_sec bigint NOT NULL,
						max_query_period_sec bigint NOT NULL,
						max_parallel_execs bigint NOT NULL,
						timezone_offset integer NOT NULL,
						aggregation_sec bigint NOT NULL,
						purge_strategy text NOT NULL,
						version_status text NOT NULL,
						version_number bigint NOT NULL,
						parent_version_id bigint,
						approval_status text NOT NULL,
						approved_by text NOT NULL DEFAULT '',
						approved_at timestamptz,
						rejection_reason text NOT NULL DEFAULT '',
						created_by text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL,
						archived_by text NOT NULL DEFAULT '',
						archived_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX loader_config_archive_code ON loader_config_archive (code, version_number DESC)`,
				},
			},
			{
				DB:          rawDB,
				Description: "Execution history and distributed locks",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE loader_history (
						id bigserial PRIMARY KEY,
						loader_code text NOT NULL,
						status text NOT NULL,
						start_time timestamptz NOT NULL,
						end_time timestamptz,
						duration_seconds bigint NOT NULL DEFAULT 0,
						query_from_time timestamptz NOT NULL,
						query_to_time timestamptz NOT NULL,
						actual_from_time timestamptz,
						actual_to_time timestamptz,
						records_loaded bigint NOT NULL DEFAULT 0,
						records_ingested bigint NOT NULL DEFAULT 0,
						error_message text NOT NULL DEFAULT '',
						replica_name text NOT NULL DEFAULT '',
						loader_version bigint NOT NULL DEFAULT 0
					)`,
					`CREATE INDEX loader_history_code_start ON loader_history (loader_code, start_time DESC)`,
					`CREATE INDEX loader_history_running ON loader_history (start_time) WHERE status = 'RUNNING'`,
					`CREATE TABLE loader_execution_locks (
						id uuid PRIMARY KEY,
						loader_code text NOT NULL,
						replica_name text NOT NULL,
						acquired_at timestamptz NOT NULL,
						released boolean NOT NULL DEFAULT false,
						released_at timestamptz,
						history_id bigint,
						version bigint NOT NULL DEFAULT 0
					)`,
					`CREATE UNIQUE INDEX loader_execution_locks_live ON loader_execution_locks (loader_code)
						WHERE NOT released`,
				},
			},
			{
				DB:          rawDB,
				Description: "Signal history and segment dictionary",
				Version:     2,
				Action: migrate.SQL{
					`CREATE TABLE signals_history (
						id bigserial PRIMARY KEY,
						loader_code text NOT NULL,
						load_timestamp bigint NOT NULL,
						segment_code bigint NOT NULL,
						rec_count bigint NOT NULL,
						min_val double precision NOT NULL,
						max_val double precision NOT NULL,
						avg_val double precision NOT NULL,
						sum_val double precision NOT NULL,
						load_history_id bigint NOT NULL,
						create_time timestamptz NOT NULL DEFAULT now(),
						UNIQUE (loader_code, load_timestamp, segment_code)
					)`,
					`CREATE INDEX signals_history_code_ts ON signals_history (loader_code, load_timestamp)`,
					`CREATE TABLE signals_segment_combinations (
						id bigserial PRIMARY KEY,
						loader_code text NOT NULL,
						segment_code bigint NOT NULL,
						seg_1 text, seg_2 text, seg_3 text, seg_4 text, seg_5 text,
						seg_6 text, seg_7 text, seg_8 text, seg_9 text, seg_10 text,
						UNIQUE (loader_code, segment_code)
					)`,
					`CREATE UNIQUE INDEX signals_segment_combinations_tuple ON signals_segment_combinations (
						loader_code,
						coalesce(seg_1, E'\\x01'), coalesce(seg_2, E'\\x01'), coalesce(seg_3, E'\\x01'),
						coalesce(seg_4, E'\\x01'), coalesce(seg_5, E'\\x01'), coalesce(seg_6, E'\\x01'),
						coalesce(seg_7, E'\\x01'), coalesce(seg_8, E'\\x01'), coalesce(seg_9, E'\\x01'),
						coalesce(seg_10, E'\\x01')
					)`,
				},
			},
			{
				DB:          rawDB,
				Description: "Source descriptors, backfill jobs and approval requests",
				Version:     3,
				Action: migrate.SQL{
					`CREATE TABLE resource_db_sources (
						id bigserial PRIMARY KEY,
						code text NOT NULL UNIQUE,
						kind text NOT NULL,
						host text NOT NULL,
						port integer NOT NULL,
						name text NOT NULL,
						username text NOT NULL,
						password text NOT NULL,
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE loader_backfill_jobs (
						id bigserial PRIMARY KEY,
						loader_code text NOT NULL,
						from_epoch bigint NOT NULL,
						to_epoch bigint NOT NULL,
						purge_strategy text NOT NULL,
						status text NOT NULL DEFAULT 'PENDING',
						records_loaded bigint NOT NULL DEFAULT 0,
						records_ingested bigint NOT NULL DEFAULT 0,
						error_message text NOT NULL DEFAULT '',
						requested_by text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL DEFAULT now(),
						started_at timestamptz,
						finished_at timestamptz,
						replica_name text NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX loader_backfill_jobs_pending ON loader_backfill_jobs (id) WHERE status = 'PENDING'`,
					`CREATE TABLE loader_approval_requests (
						id bigserial PRIMARY KEY,
						entity_type text NOT NULL,
						entity_id text NOT NULL,
						request_type text NOT NULL,
						approval_status text NOT NULL,
						request_data jsonb,
						current_data jsonb,
						requested_by text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL DEFAULT now(),
						decided_by text NOT NULL DEFAULT '',
						decided_at timestamptz,
						reason text NOT NULL DEFAULT ''
					)`,
					`CREATE UNIQUE INDEX loader_approval_requests_pending ON loader_approval_requests (entity_type, entity_id)
						WHERE approval_status = 'PENDING_APPROVAL'`,
				},
			},
			{
				DB:          rawDB,
				Description: "Console accounts and permission matrices",
				Version:     4,
				Action: migrate.SQL{
					`CREATE TABLE auth_users (
						id uuid PRIMARY KEY,
						username text NOT NULL UNIQUE,
						password_hash bytea NOT NULL,
						roles text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE auth_role_permissions (
						role text NOT NULL,
						action text NOT NULL,
						UNIQUE (role, action)
					)`,
					`CREATE TABLE resource_state_permissions (
						state text NOT NULL,
						action text NOT NULL,
						UNIQUE (state, action)
					)`,
				},
			},
			{
				DB:          rawDB,
				Description: "Seed default admin account",
				Version:     5,
				Action: migrate.Func(func(ctx context.Context, log *zap.Logger, _ *sql.DB, tx *sql.Tx) error {
					hash, err := console.HashPassword("admin")
					if err != nil {
						return err
					}
					_, err = tx.ExecContext(ctx, `
						INSERT INTO auth_users (id, username, password_hash, roles)
						VALUES ($1, 'admin', $2, 'ADMIN')
						ON CONFLICT (username) DO NOTHING`,
						uuid.New(), hash)
					if err != nil {
						return Error.Wrap(err)
					}
					log.Warn("default admin account seeded, change its password")
					return nil
				}),
			},
		},
	}
}
