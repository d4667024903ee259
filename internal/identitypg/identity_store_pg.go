package identitypg

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/adsso/internal/identity"
)

// PostgresIdentityStore persists local identities in PostgreSQL.
type PostgresIdentityStore struct {
	pool *pgxpool.Pool
}

// NewPostgresIdentityStore constructs a Postgres store.
func NewPostgresIdentityStore(pool *pgxpool.Pool) *PostgresIdentityStore {
	return &PostgresIdentityStore{pool: pool}
}

// FindBySubject returns the identity holding the external subject.
func (store *PostgresIdentityStore) FindBySubject(ctx context.Context, subject string) (*identity.LocalIdentity, error) {
	return store.findWhere(ctx, "subject = $1", subject)
}

// FindByUsername returns the identity holding the username.
func (store *PostgresIdentityStore) FindByUsername(ctx context.Context, username string) (*identity.LocalIdentity, error) {
	return store.findWhere(ctx, "username = $1", username)
}

// Create inserts a new identity row.
func (store *PostgresIdentityStore) Create(ctx context.Context, record *identity.LocalIdentity) error {
	if record.Subject == "" {
		return identity.ErrEmptySubject
	}
	if record.ID == "" {
		record.ID = newIdentityID(time.Now().UTC())
	}
	if record.CreatedUnix == 0 {
		record.CreatedUnix = time.Now().UTC().Unix()
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO sso_identities (identity_id, username, email, display_name, given_name, family_name, role, subject, tenant_id, created_unix)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, record.ID, record.Username, record.Email, record.DisplayName, record.GivenName, record.FamilyName, record.Role, record.Subject, record.TenantID, record.CreatedUnix)
	if execErr != nil {
		return fmt.Errorf("identity_store.create.pgx: %w", mapUniqueViolation(execErr))
	}
	return nil
}

// mapUniqueViolation folds constraint violations into the store sentinels so
// callers can recover from provisioning races.
func mapUniqueViolation(execErr error) error {
	var pgErr *pgconn.PgError
	if !errors.As(execErr, &pgErr) || pgErr.Code != "23505" {
		return execErr
	}
	if strings.Contains(pgErr.ConstraintName, "subject") {
		return identity.ErrSubjectTaken
	}
	if strings.Contains(pgErr.ConstraintName, "username") {
		return identity.ErrUsernameTaken
	}
	return execErr
}

// UpdateRole replaces the role on an existing identity.
func (store *PostgresIdentityStore) UpdateRole(ctx context.Context, identityID string, role string) error {
	tag, execErr := store.pool.Exec(ctx, `
UPDATE sso_identities SET role = $1 WHERE identity_id = $2
`, role, identityID)
	if execErr != nil {
		return fmt.Errorf("identity_store.update_role.pgx: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrIdentityNotFound
	}
	return nil
}

func (store *PostgresIdentityStore) findWhere(ctx context.Context, predicate string, argument string) (*identity.LocalIdentity, error) {
	row := store.pool.QueryRow(ctx, `
SELECT identity_id, username, email, display_name, given_name, family_name, role, subject, tenant_id, created_unix
FROM sso_identities
WHERE `+predicate, argument)
	record := &identity.LocalIdentity{}
	scanErr := row.Scan(&record.ID, &record.Username, &record.Email, &record.DisplayName,
		&record.GivenName, &record.FamilyName, &record.Role, &record.Subject, &record.TenantID, &record.CreatedUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, identity.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("identity_store.find.pgx: %w", scanErr)
	}
	return record, nil
}

func newIdentityID(now time.Time) string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return base64.RawURLEncoding.EncodeToString([]byte(now.Format(time.RFC3339Nano))) +
		"-" + base64.RawURLEncoding.EncodeToString(suffix)
}
