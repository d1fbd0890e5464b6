// Package memory provides an in-memory implementation of billing.UserStore and billing.EventLog.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

// Storage implements billing.UserStore and billing.EventLog using in-memory maps
type Storage struct {
	mu     sync.RWMutex
	users  map[string]*billing.User
	events map[string]struct{}
	writes int
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:  make(map[string]*billing.User),
		events: make(map[string]struct{}),
	}
}

// PutUser creates or replaces a user record. Signup owns user creation in
// production; this exists for seeding tests and local development.
func (s *Storage) PutUser(_ context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userCopy := *user
	s.users[user.ID] = &userCopy
	return nil
}

// Writes returns how many updates were committed. Used by tests to assert
// that rejected events wrote nothing.
func (s *Storage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// GetUser implements billing.UserStore
func (s *Storage) GetUser(_ context.Context, userID string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*billing.User, error) {
	return s.findFirst(func(u *billing.User) bool {
		return email != "" && u.Email == email
	})
}

// FindUserByCustomerID implements billing.UserStore
func (s *Storage) FindUserByCustomerID(_ context.Context, provider, customerID string) (*billing.User, error) {
	return s.findFirst(func(u *billing.User) bool {
		return customerID != "" && u.Link(provider).CustomerID == customerID
	})
}

// findFirst returns the matching user with the lowest id, mirroring the
// key order a document store would return.
func (s *Storage) findFirst(match func(*billing.User) bool) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if u := s.users[id]; match(u) {
			userCopy := *u
			return &userCopy, nil
		}
	}
	return nil, billing.ErrUserNotFound
}

// UpdateUser implements billing.UserStore. The whole read-modify-write runs
// under the write lock.
func (s *Storage) UpdateUser(
	_ context.Context, userID string, update func(*billing.User) (*billing.Patch, error),
) (*billing.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}

	current := *user
	patch, err := update(&current)
	if err != nil {
		return nil, err
	}
	if patch == nil || patch.IsEmpty() {
		return &current, nil
	}

	updated := *user
	patch.Apply(&updated)
	s.users[userID] = &updated
	s.writes++

	result := updated
	return &result, nil
}

// Seen implements billing.EventLog
func (s *Storage) Seen(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventKey(provider, eventID)]
	return ok, nil
}

// MarkSeen implements billing.EventLog
func (s *Storage) MarkSeen(_ context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventKey(provider, eventID)] = struct{}{}
	return nil
}

func eventKey(provider, eventID string) string {
	return provider + ":" + eventID
}
