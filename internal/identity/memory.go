package identity

import (
	"context"
	"encoding/base64"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store intended for tests and dev runs.
type MemoryStore struct {
	mutex      sync.Mutex
	byID       map[string]*LocalIdentity
	bySubject  map[string]string
	byUsername map[string]string
	sequenceID uint64
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*LocalIdentity),
		bySubject:  make(map[string]string),
		byUsername: make(map[string]string),
	}
}

// FindBySubject returns the identity holding the external subject.
func (store *MemoryStore) FindBySubject(ctx context.Context, subject string) (*LocalIdentity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	identityID, ok := store.bySubject[subject]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return cloneIdentity(store.byID[identityID]), nil
}

// FindByUsername returns the identity holding the username.
func (store *MemoryStore) FindByUsername(ctx context.Context, username string) (*LocalIdentity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	identityID, ok := store.byUsername[username]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return cloneIdentity(store.byID[identityID]), nil
}

// Create inserts a new identity, assigning an id when absent.
func (store *MemoryStore) Create(ctx context.Context, record *LocalIdentity) error {
	if record.Subject == "" {
		return ErrEmptySubject
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.bySubject[record.Subject]; exists {
		return ErrSubjectTaken
	}
	if _, exists := store.byUsername[record.Username]; exists {
		return ErrUsernameTaken
	}
	if record.ID == "" {
		record.ID = store.nextID()
	}
	if record.CreatedUnix == 0 {
		record.CreatedUnix = time.Now().UTC().Unix()
	}
	stored := cloneIdentity(record)
	store.byID[stored.ID] = stored
	store.bySubject[stored.Subject] = stored.ID
	store.byUsername[stored.Username] = stored.ID
	return nil
}

// UpdateRole replaces the role on an existing identity.
func (store *MemoryStore) UpdateRole(ctx context.Context, identityID string, role string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[identityID]
	if !ok {
		return ErrIdentityNotFound
	}
	record.Role = role
	return nil
}

func (store *MemoryStore) nextID() string {
	store.sequenceID++
	timestampID := base64.RawURLEncoding.EncodeToString([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	sequenceFragment := base64.RawURLEncoding.EncodeToString([]byte{byte(store.sequenceID % 255)})
	return timestampID + "-" + sequenceFragment
}

func cloneIdentity(record *LocalIdentity) *LocalIdentity {
	if record == nil {
		return nil
	}
	clone := *record
	return &clone
}
