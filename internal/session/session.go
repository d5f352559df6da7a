package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/marketchat/internal/store"
)

// DefaultKey is the store key the signed-in user is persisted under.
const DefaultKey = "userInfo"

// ErrNotLoggedIn is returned when an operation needs a signed-in user.
var ErrNotLoggedIn = errors.New("not logged in")

// User is the signed-in user's profile as returned at login.
type User struct {
	ID              int64  `json:"id"`
	Status          string `json:"status,omitempty"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	Birthday        string `json:"birthday,omitempty"`
	StudentNumber   string `json:"studentNumber,omitempty"`
	Department      string `json:"department,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// Tokens is the bearer credential pair.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type record struct {
	User
	JWTToken Tokens `json:"jwtToken"`
}

// Session holds the current identity and credentials. Readers see a
// consistent snapshot; only the login flow and the REST client write.
type Session struct {
	store  store.Store
	key    string
	logger *zerolog.Logger

	mu     sync.RWMutex
	user   User
	tokens Tokens
}

// Option configures a Session.
type Option func(*Session)

// WithKey overrides the store key.
func WithKey(key string) Option {
	return func(s *Session) {
		if key != "" {
			s.key = key
		}
	}
}

// New creates an empty session persisted through st.
func New(st store.Store, logger *zerolog.Logger, opts ...Option) *Session {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Session{store: st, key: DefaultKey, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores the persisted session. A missing record leaves the session
// signed out and is not an error.
func (s *Session) Load(ctx context.Context) error {
	raw, err := s.store.Get(ctx, s.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}

	s.mu.Lock()
	s.user = rec.User
	s.tokens = rec.JWTToken
	s.mu.Unlock()
	return nil
}

// SetIdentity replaces the signed-in user and persists it.
func (s *Session) SetIdentity(ctx context.Context, user User, tokens Tokens) error {
	s.mu.Lock()
	s.user = user
	s.tokens = tokens
	s.mu.Unlock()
	return s.save(ctx)
}

// UpdateAccessToken stores a refreshed access token.
func (s *Session) UpdateAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	s.tokens.AccessToken = token
	s.mu.Unlock()
	return s.save(ctx)
}

// Clear signs out and removes the persisted record.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.user = User{}
	s.tokens = Tokens{}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.logger.Info().Msg("session cleared")
	return nil
}

func (s *Session) save(ctx context.Context) error {
	s.mu.RLock()
	rec := record{User: s.user, JWTToken: s.tokens}
	s.mu.RUnlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.store.Put(ctx, s.key, raw); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoggedIn reports whether a user with credentials is present.
func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.ID != 0 && s.tokens.AccessToken != ""
}

// User returns a copy of the signed-in user.
func (s *Session) User() User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.ID
}

func (s *Session) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Name
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.RefreshToken
}
