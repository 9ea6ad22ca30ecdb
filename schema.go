package eventmesh

import (
	"context"
	"database/sql"
)

// MigrateSchema creates the directory table if it does not exist.
// Safe to call on every startup; all statements use IF NOT EXISTS.
func MigrateSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS mesh_nodes (
	node_id      TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	epoch        BIGINT NOT NULL DEFAULT 1,
	lease_expiry TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mesh_nodes_lease_expiry ON mesh_nodes (lease_expiry);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
