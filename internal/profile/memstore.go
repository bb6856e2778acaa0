package profile

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pitabwire/civicportal/model"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	accounts      map[string]model.Account        // key: subject ID
	emails        map[string]string               // key: lower-cased email
	profiles      map[string]model.Profile        // key: subject ID
	notifications map[string][]model.Notification // key: subject ID, arrival order
	documents     map[string][]model.Document     // key: subject ID
	blobs         map[string][]byte               // key: document ID
	pictures      map[string]model.Picture        // key: subject ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]model.Account),
		emails:        make(map[string]string),
		profiles:      make(map[string]model.Profile),
		notifications: make(map[string][]model.Notification),
		documents:     make(map[string][]model.Document),
		blobs:         make(map[string][]byte),
		pictures:      make(map[string]model.Picture),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func accountNotFound(key string) error {
	return model.NewNotFoundError(fmt.Sprintf("account %q not found", key))
}

// CreateAccount stores a new account and profile.
func (s *MemoryStore) CreateAccount(_ context.Context, acct model.Account, p model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := normalizeEmail(acct.Email)
	if _, exists := s.emails[email]; exists {
		return model.NewConflictError(fmt.Sprintf("email %q is already registered", acct.Email))
	}
	if _, exists := s.accounts[acct.SubjectID]; exists {
		return model.NewConflictError(fmt.Sprintf("account %q already exists", acct.SubjectID))
	}
	acct.Roles = slices.Clone(acct.Roles)
	s.accounts[acct.SubjectID] = acct
	s.emails[email] = acct.SubjectID
	s.profiles[acct.SubjectID] = p
	return nil
}

// Account retrieves an account by subject ID.
func (s *MemoryStore) Account(_ context.Context, subjectID string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[subjectID]
	if !ok {
		return model.Account{}, accountNotFound(subjectID)
	}
	acct.Roles = slices.Clone(acct.Roles)
	return acct, nil
}

// AccountByEmail retrieves an account by email, ignoring case.
func (s *MemoryStore) AccountByEmail(ctx context.Context, email string) (model.Account, error) {
	s.mu.RLock()
	subjectID, ok := s.emails[normalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return model.Account{}, accountNotFound(email)
	}
	return s.Account(ctx, subjectID)
}

// UpdatePasswordHash replaces an account's password hash.
func (s *MemoryStore) UpdatePasswordHash(_ context.Context, subjectID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[subjectID]
	if !ok {
		return accountNotFound(subjectID)
	}
	acct.PasswordHash = hash
	s.accounts[subjectID] = acct
	return nil
}

// Profile retrieves a subject's profile.
func (s *MemoryStore) Profile(_ context.Context, subjectID string) (model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[subjectID]
	if !ok {
		return model.Profile{}, model.NewNotFoundError(fmt.Sprintf("profile %q not found", subjectID))
	}
	return p, nil
}

// SaveProfile replaces a subject's profile.
func (s *MemoryStore) SaveProfile(_ context.Context, p model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[p.SubjectID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("profile %q not found", p.SubjectID))
	}
	s.profiles[p.SubjectID] = p
	return nil
}

// AddNotification stores a notification for its subject.
func (s *MemoryStore) AddNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications[n.SubjectID] = append(s.notifications[n.SubjectID], n)
	return nil
}

// Notifications returns a subject's notifications, newest first.
func (s *MemoryStore) Notifications(_ context.Context, subjectID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := slices.Clone(s.notifications[subjectID])
	slices.Reverse(list)
	slices.SortStableFunc(list, func(a, b model.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if list == nil {
		list = []model.Notification{}
	}
	return list, nil
}

// SetNotificationRead marks one notification read or unread.
func (s *MemoryStore) SetNotificationRead(_ context.Context, subjectID, id string, read bool) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.notifications[subjectID]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = read
			return list[i], nil
		}
	}
	return model.Notification{}, notificationNotFound(id)
}

// DeleteNotification removes one notification.
func (s *MemoryStore) DeleteNotification(_ context.Context, subjectID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.notifications[subjectID]
	idx := slices.IndexFunc(list, func(n model.Notification) bool { return n.ID == id })
	if idx < 0 {
		return notificationNotFound(id)
	}
	s.notifications[subjectID] = slices.Delete(list, idx, idx+1)
	return nil
}

func notificationNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("notification %q not found", id))
}

// AddDocument stores a document and its contents.
func (s *MemoryStore) AddDocument(_ context.Context, doc model.Document, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.documents[doc.SubjectID] = append(s.documents[doc.SubjectID], doc)
	s.blobs[doc.ID] = slices.Clone(data)
	return nil
}

// Documents returns a subject's documents in upload order.
func (s *MemoryStore) Documents(_ context.Context, subjectID string) ([]model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := slices.Clone(s.documents[subjectID])
	if docs == nil {
		docs = []model.Document{}
	}
	return docs, nil
}

// SavePicture replaces a subject's profile picture.
func (s *MemoryStore) SavePicture(_ context.Context, subjectID string, pic model.Picture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pic.Data = slices.Clone(pic.Data)
	s.pictures[subjectID] = pic
	if p, ok := s.profiles[subjectID]; ok {
		p.HasPicture = true
		s.profiles[subjectID] = p
	}
	return nil
}

// Picture returns a subject's profile picture.
func (s *MemoryStore) Picture(_ context.Context, subjectID string) (model.Picture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pic, ok := s.pictures[subjectID]
	if !ok {
		return model.Picture{}, model.NewNotFoundError("no profile picture uploaded")
	}
	pic.Data = slices.Clone(pic.Data)
	return pic, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
