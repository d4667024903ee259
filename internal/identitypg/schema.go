package identitypg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sso_identities (
    identity_id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    given_name TEXT NOT NULL DEFAULT '',
    family_name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL UNIQUE,
    tenant_id TEXT NOT NULL DEFAULT '',
    created_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sso_identities_tenant ON sso_identities (tenant_id);
`)
	return err
}
