// Package identity persists the local accounts provisioned from verified
// provider subjects.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrIdentityNotFound indicates no identity matched the lookup.
	ErrIdentityNotFound = errors.New("identity_store.not_found")
	// ErrSubjectTaken indicates an identity already exists for the subject.
	ErrSubjectTaken = errors.New("identity_store.subject_taken")
	// ErrUsernameTaken indicates the username is held by a different subject.
	ErrUsernameTaken = errors.New("identity_store.username_taken")
	// ErrEmptySubject indicates a record without an external subject.
	ErrEmptySubject = errors.New("identity_store.empty_subject")
)

// LocalIdentity is a local account keyed by the provider-assigned subject.
// At most one identity exists per subject.
type LocalIdentity struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	GivenName   string
	FamilyName  string
	Role        string
	Subject     string
	TenantID    string
	CreatedUnix int64
}

// Store persists local identities. Create enforces subject uniqueness.
type Store interface {
	FindBySubject(ctx context.Context, subject string) (*LocalIdentity, error)
	FindByUsername(ctx context.Context, username string) (*LocalIdentity, error)
	Create(ctx context.Context, record *LocalIdentity) error
	UpdateRole(ctx context.Context, identityID string, role string) error
}
