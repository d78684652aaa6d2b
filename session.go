package main

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "modernc.org/sqlite"

	"poimap/pkg/logger"
)

// Session store: holds the current token and profile, persists the token
// pair across restarts, and verifies a rehydrated token against the backend
// before trusting it. Any verification failure (non-OK status or transport
// error) fails safe to logged-out.

// Persisted token names. Access and refresh are written and cleared together.
const (
	tokenNameAccess  = "access"
	tokenNameRefresh = "refresh"
)

// ErrPasswordMismatch is the client-side registration check; it never
// reaches the network.
var ErrPasswordMismatch = errors.New("passwords do not match")

// AuthError is a login or registration failure to display on the form.
// Fields maps input names to messages (registration only).
type AuthError struct {
	Message string
	Fields  map[string]string
}

func (e *AuthError) Error() string { return e.Message }

// TokenStore persists the token pair in a small sqlite database under the
// config directory.
type TokenStore struct {
	path string

	once sync.Once
	db   *sql.DB
	err  error
}

// NewTokenStore creates a store backed by session.sqlite in dir. The
// database is opened lazily on first use.
func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{path: filepath.Join(dir, "session.sqlite")}
}

func (s *TokenStore) open() (*sql.DB, error) {
	s.once.Do(func() {
		if err := ensureDir(filepath.Dir(s.path)); err != nil {
			s.err = err
			return
		}
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.err = err
			return
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tokens (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
			_ = db.Close()
			s.err = err
			return
		}
		s.db = db
	})
	return s.db, s.err
}

// Save stores the token pair, replacing any previous one.
func (s *TokenStore) Save(access, refresh string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for name, value := range map[string]string{
		tokenNameAccess:  access,
		tokenNameRefresh: refresh,
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO tokens(name, value) VALUES(?,?)`, name, value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Access returns the persisted access token, or "" when none exists.
func (s *TokenStore) Access() (string, error) {
	db, err := s.open()
	if err != nil {
		return "", err
	}
	var value string
	err = db.QueryRow(`SELECT value FROM tokens WHERE name = ?`, tokenNameAccess).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Clear removes both tokens. Idempotent.
func (s *TokenStore) Clear() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM tokens WHERE name IN (?,?)`, tokenNameAccess, tokenNameRefresh)
	return err
}

// Close releases the database handle.
func (s *TokenStore) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// SessionStore is the source of truth for "is the session valid". The
// access token gates every POI operation; subscribers are notified on every
// state transition so the POI store can reload or clear.
type SessionStore struct {
	backend *BackendClient
	tokens  *TokenStore

	mu          sync.RWMutex
	user        *Profile
	accessToken string
	loading     bool

	listenerMu sync.Mutex
	listeners  []func()
}

// NewSessionStore wires the session against the backend and the persisted
// token store. The store starts in the loading state until Verify runs.
func NewSessionStore(backend *BackendClient, tokens *TokenStore) *SessionStore {
	return &SessionStore{backend: backend, tokens: tokens, loading: true}
}

// OnChange registers a callback invoked after every state transition.
// Callbacks run outside the store lock.
func (s *SessionStore) OnChange(fn func()) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *SessionStore) notify() {
	s.listenerMu.Lock()
	fns := append([]func(){}, s.listeners...)
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// AccessToken returns the current bearer token, or "" when logged out.
func (s *SessionStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// User returns the verified profile, or nil while loading or logged out.
func (s *SessionStore) User() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Loading reports whether startup verification is still in flight.
func (s *SessionStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Authenticated reports whether a token is present. The profile may still
// be nil while verification runs.
func (s *SessionStore) Authenticated() bool {
	return s.AccessToken() != ""
}

// Verify rehydrates the persisted token at startup. A token whose exp claim
// already passed is dropped without a network call; otherwise the profile
// fetch decides. Always clears the loading flag.
func (s *SessionStore) Verify(ctx context.Context) {
	token, err := s.tokens.Access()
	if err != nil {
		logger.Error("session: reading persisted token: %v", err)
		token = ""
	}
	if token == "" {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		s.notify()
		return
	}
	if tokenExpired(token) {
		logger.Debug("session: persisted token expired, skipping verification")
		s.finishVerify(token, nil, false)
		return
	}

	s.mu.Lock()
	s.accessToken = token
	s.mu.Unlock()
	s.notify()

	profile, err := s.backend.Profile(ctx, token)
	if err != nil {
		logger.Debug("session: token verification failed: %v", err)
		s.finishVerify(token, nil, false)
		return
	}
	s.finishVerify(token, profile, true)
}

func (s *SessionStore) finishVerify(token string, profile *Profile, ok bool) {
	s.mu.Lock()
	s.loading = false
	if ok {
		s.accessToken = token
		s.user = profile
	} else {
		s.accessToken = ""
		s.user = nil
	}
	s.mu.Unlock()
	if !ok {
		if err := s.tokens.Clear(); err != nil {
			logger.Error("session: clearing persisted tokens: %v", err)
		}
	}
	s.notify()
}

// Login posts credentials. On failure the in-memory session is untouched.
func (s *SessionStore) Login(ctx context.Context, username, password string) error {
	result, err := s.backend.Login(ctx, username, password)
	if err != nil {
		return loginError(err)
	}
	s.adopt(result)
	return nil
}

// Register validates the confirmation locally, then posts the registration.
// Server-side field errors pass through unchanged in AuthError.Fields.
func (s *SessionStore) Register(ctx context.Context, username, email, password, password2 string) error {
	if password != password2 {
		return &AuthError{
			Message: "Registration failed.",
			Fields:  map[string]string{"password2": "Passwords do not match."},
		}
	}
	result, err := s.backend.Register(ctx, RegisterRequest{
		Username:  username,
		Email:     email,
		Password:  password,
		Password2: password2,
	})
	if err != nil {
		return registerError(err)
	}
	if result.Access != "" {
		s.adopt(result)
	}
	return nil
}

// adopt installs a fresh token grant and persists it.
func (s *SessionStore) adopt(result *LoginResult) {
	s.mu.Lock()
	s.accessToken = result.Access
	s.user = result.User
	s.loading = false
	s.mu.Unlock()
	if err := s.tokens.Save(result.Access, result.Refresh); err != nil {
		logger.Error("session: persisting tokens: %v", err)
	}
	s.notify()
}

// Logout clears the in-memory session and the persisted tokens. Idempotent.
func (s *SessionStore) Logout() {
	s.mu.Lock()
	s.accessToken = ""
	s.user = nil
	s.loading = false
	s.mu.Unlock()
	if err := s.tokens.Clear(); err != nil {
		logger.Error("session: clearing persisted tokens: %v", err)
	}
	s.notify()
}

func loginError(err error) error {
	var be *BackendError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return &AuthError{Message: "Invalid username or password."}
	case errors.As(err, &be):
		msg := be.Message
		if msg == "" {
			msg = "Login failed."
		}
		return &AuthError{Message: msg}
	default:
		return &AuthError{Message: "Network error. Please try again."}
	}
}

func registerError(err error) error {
	var be *BackendError
	if errors.As(err, &be) {
		msg := be.Message
		if msg == "" {
			msg = "Registration failed."
		}
		return &AuthError{Message: msg, Fields: be.Fields}
	}
	return &AuthError{Message: "Network error. Please try again."}
}

// tokenExpired inspects the token's exp claim without verifying the
// signature (the backend is the authority; this only avoids a doomed round
// trip). Tokens that fail to parse or carry no exp are left for the server
// to judge.
func tokenExpired(raw string) bool {
	if strings.Count(raw, ".") != 2 {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
