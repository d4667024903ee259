package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("identity_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("identity_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("identity_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("identity_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("identity_store.unsupported_no_scheme")
)

// DatabaseStore persists local identities using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type identityRecord struct {
	IdentityID  string `gorm:"column:identity_id;primaryKey"`
	Username    string `gorm:"column:username;uniqueIndex;not null"`
	Email       string `gorm:"column:email;not null"`
	DisplayName string `gorm:"column:display_name;not null;default:''"`
	GivenName   string `gorm:"column:given_name;not null;default:''"`
	FamilyName  string `gorm:"column:family_name;not null;default:''"`
	Role        string `gorm:"column:role;not null;default:''"`
	Subject     string `gorm:"column:subject;uniqueIndex;not null"`
	TenantID    string `gorm:"column:tenant_id;index;not null;default:''"`
	CreatedUnix int64  `gorm:"column:created_unix;not null"`
}

func (identityRecord) TableName() string {
	return "sso_identities"
}

// NewDatabaseStore constructs a GORM-backed store.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("identity_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("identity_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&identityRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("identity_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindBySubject returns the identity holding the external subject.
func (store *DatabaseStore) FindBySubject(ctx context.Context, subject string) (*LocalIdentity, error) {
	var record identityRecord
	err := store.db.WithContext(ctx).Where("subject = ?", subject).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("identity_store.find_subject.%s: %w", store.driverLabel, ErrIdentityNotFound)
		}
		return nil, fmt.Errorf("identity_store.find_subject.%s: %w", store.driverLabel, err)
	}
	return recordToIdentity(record), nil
}

// FindByUsername returns the identity holding the username.
func (store *DatabaseStore) FindByUsername(ctx context.Context, username string) (*LocalIdentity, error) {
	var record identityRecord
	err := store.db.WithContext(ctx).Where("username = ?", username).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("identity_store.find_username.%s: %w", store.driverLabel, ErrIdentityNotFound)
		}
		return nil, fmt.Errorf("identity_store.find_username.%s: %w", store.driverLabel, err)
	}
	return recordToIdentity(record), nil
}

// Create inserts a new identity, enforcing subject and username uniqueness.
func (store *DatabaseStore) Create(ctx context.Context, record *LocalIdentity) error {
	if record.Subject == "" {
		return fmt.Errorf("identity_store.create.%s: %w", store.driverLabel, ErrEmptySubject)
	}
	if existing, findErr := store.FindBySubject(ctx, record.Subject); findErr == nil && existing != nil {
		return fmt.Errorf("identity_store.create.%s: %w", store.driverLabel, ErrSubjectTaken)
	}
	if existing, findErr := store.FindByUsername(ctx, record.Username); findErr == nil && existing != nil {
		return fmt.Errorf("identity_store.create.%s: %w", store.driverLabel, ErrUsernameTaken)
	}
	if record.ID == "" {
		record.ID = newIdentityID(time.Now().UTC())
	}
	if record.CreatedUnix == 0 {
		record.CreatedUnix = time.Now().UTC().Unix()
	}
	row := identityRecord{
		IdentityID:  record.ID,
		Username:    record.Username,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		GivenName:   record.GivenName,
		FamilyName:  record.FamilyName,
		Role:        record.Role,
		Subject:     record.Subject,
		TenantID:    record.TenantID,
		CreatedUnix: record.CreatedUnix,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("identity_store.create.%s: %w", store.driverLabel, store.mapDuplicateKey(ctx, record, err))
	}
	return nil
}

// mapDuplicateKey folds a unique-index violation into the store sentinels so
// callers can recover from provisioning races that slip past the pre-checks.
func (store *DatabaseStore) mapDuplicateKey(ctx context.Context, record *LocalIdentity, createErr error) error {
	if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
		return createErr
	}
	if _, findErr := store.FindBySubject(ctx, record.Subject); findErr == nil {
		return ErrSubjectTaken
	}
	return ErrUsernameTaken
}

// UpdateRole replaces the role on an existing identity.
func (store *DatabaseStore) UpdateRole(ctx context.Context, identityID string, role string) error {
	result := store.db.WithContext(ctx).Model(&identityRecord{}).
		Where("identity_id = ?", identityID).
		Update("role", role)
	if result.Error != nil {
		return fmt.Errorf("identity_store.update_role.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("identity_store.update_role.%s: %w", store.driverLabel, ErrIdentityNotFound)
	}
	return nil
}

func recordToIdentity(record identityRecord) *LocalIdentity {
	return &LocalIdentity{
		ID:          record.IdentityID,
		Username:    record.Username,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		GivenName:   record.GivenName,
		FamilyName:  record.FamilyName,
		Role:        record.Role,
		Subject:     record.Subject,
		TenantID:    record.TenantID,
		CreatedUnix: record.CreatedUnix,
	}
}

func newIdentityID(now time.Time) string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return base64.RawURLEncoding.EncodeToString([]byte(now.Format(time.RFC3339Nano))) +
		"-" + base64.RawURLEncoding.EncodeToString(suffix)
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("identity_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("identity_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("identity_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("identity_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
