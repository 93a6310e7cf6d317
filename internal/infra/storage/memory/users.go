package memory

import (
	"context"
	"strings"
	"sync"

	"taskhive/internal/domain/auth"
	"taskhive/internal/domain/user"
)

// UserStore is the in-memory user repository. It also serves as the profile
// directory the messaging core reads counterpart summaries from.
type UserStore struct {
	mu      sync.RWMutex
	byID    map[user.ID]*user.User
	byEmail map[string]user.ID
}

func NewUserStore() *UserStore {
	return &UserStore{
		byID:    make(map[user.ID]*user.User),
		byEmail: make(map[string]user.ID),
	}
}

func (s *UserStore) ByID(ctx context.Context, id user.ID) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *UserStore) ByEmail(ctx context.Context, email string) (*user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, user.ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *UserStore) Save(ctx context.Context, u *user.User) error {
	if u == nil {
		return user.ErrIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.byEmail[u.Email]; ok && owner != u.ID {
		return user.ErrEmailAlreadyUsed
	}
	if existing, ok := s.byID[u.ID]; ok && existing.Email != u.Email {
		delete(s.byEmail, existing.Email)
	}
	s.byID[u.ID] = cloneUser(u)
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *UserStore) PublicSummary(ctx context.Context, id user.ID) (user.PublicSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return user.PublicSummary{}, user.ErrNotFound
	}
	return u.Public(), nil
}

func cloneUser(u *user.User) *user.User {
	if u == nil {
		return nil
	}
	out := *u
	out.Roles = append([]user.Role(nil), u.Roles...)
	return &out
}

var (
	_ user.Repository = (*UserStore)(nil)
	_ user.Directory  = (*UserStore)(nil)
)

// SessionStore keeps bearer sessions in memory. Expiry is checked by the
// auth service, not here.
type SessionStore struct {
	mu       sync.RWMutex
	byToken  map[auth.Token]*auth.Session
	byUserID map[user.ID]map[auth.Token]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		byToken:  make(map[auth.Token]*auth.Session),
		byUserID: make(map[user.ID]map[auth.Token]struct{}),
	}
}

func (s *SessionStore) Save(ctx context.Context, session *auth.Session) error {
	if session == nil {
		return auth.ErrTokenRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.byToken[session.Token] = &copied
	tokens, ok := s.byUserID[session.UserID]
	if !ok {
		tokens = make(map[auth.Token]struct{})
		s.byUserID[session.UserID] = tokens
	}
	tokens[session.Token] = struct{}{}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, token auth.Token) (*auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.byToken[token]
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *SessionStore) Delete(ctx context.Context, token auth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byToken[token]
	if !ok {
		return nil
	}
	delete(s.byToken, token)
	if tokens, ok := s.byUserID[session.UserID]; ok {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(s.byUserID, session.UserID)
		}
	}
	return nil
}

func (s *SessionStore) DeleteByUser(ctx context.Context, userID user.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range s.byUserID[userID] {
		delete(s.byToken, token)
	}
	delete(s.byUserID, userID)
	return nil
}

var _ auth.SessionStore = (*SessionStore)(nil)
