package store

import (
	"context"
	"fmt"
)

// systemTablesSQL creates the engine's own bookkeeping tables. Entity tables
// are owned by the application schema and never created here.
const systemTablesSQL = `
CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    definition  JSONB NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_logs (
    id          UUID PRIMARY KEY,
    action      TEXT NOT NULL,
    entity      TEXT NOT NULL,
    record_id   TEXT,
    user_id     BIGINT,
    ip_address  TEXT,
    user_agent  TEXT,
    request_id  TEXT,
    old_values  JSONB,
    new_values  JSONB,
    changes     JSONB,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_entity_record ON audit_logs (entity, record_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs (created_at);
`

// Bootstrap creates the system tables if they do not exist yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, systemTablesSQL); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	return nil
}
