package db

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	is_visible   BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS completed_runs (
	id            UUID PRIMARY KEY,
	session_id    TEXT NOT NULL UNIQUE,
	owner_id      TEXT NOT NULL,
	distance_m    DOUBLE PRECISION NOT NULL,
	duration_sec  BIGINT NOT NULL,
	route         JSONB NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	stats_applied BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS completed_runs_owner_created_idx ON completed_runs (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS user_stats (
	user_id          TEXT PRIMARY KEY,
	total_runs       BIGINT NOT NULL DEFAULT 0,
	total_distance_m DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_time_sec   BIGINT NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the tables used by history and profile services.
func Migrate(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, schema)
	return err
}
