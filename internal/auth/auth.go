// Package auth implements registration, login and cookie-backed session
// management for users and anonymous guests.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"airp/internal/db"
)

// CookieName is the session cookie used by the HTTP layer.
const CookieName = "airp_sid"

var (
	// ErrInvalidInput marks caller mistakes (bad username, short password).
	ErrInvalidInput = errors.New("invalid input")

	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already exists")

	// ErrBadCredentials is returned on failed login.
	ErrBadCredentials = errors.New("invalid username or password")
)

// User is a registered account.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

// Session describes one issued auth session (the token itself is only
// returned at creation; the database stores its hash).
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	GuestID   string `json:"guest_id,omitempty"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

// Actor is the resolved identity behind a session token.
type Actor struct {
	UserID   string
	Username string
	GuestID  string
}

// IsUser reports whether the actor is a registered user.
func (a Actor) IsUser() bool { return a.UserID != "" }

// IsGuest reports whether the actor is an anonymous guest.
func (a Actor) IsGuest() bool { return a.GuestID != "" }

// Service provides authentication over the state database.
type Service struct {
	db               *db.DB
	userSessionDays  int
	guestSessionDays int
}

// NewService creates an auth service. Session lifetimes default to 30
// days when non-positive.
func NewService(database *db.DB, userSessionDays, guestSessionDays int) *Service {
	if userSessionDays <= 0 {
		userSessionDays = 30
	}
	if guestSessionDays <= 0 {
		guestSessionDays = 30
	}
	return &Service{db: database, userSessionDays: userSessionDays, guestSessionDays: guestSessionDays}
}

// Register creates a user account with a normalized username.
func (s *Service) Register(username, password string) (User, error) {
	normalized := NormalizeUsername(username)
	if err := ValidateUsername(normalized); err != nil {
		return User{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return User{}, err
	}

	verifier, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:        newID(),
		Username:  normalized,
		CreatedAt: db.UTCNow(),
	}
	_, err = s.db.Handle().Exec(
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, verifier, u.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return u, nil
}

// Authenticate verifies credentials and returns the account.
func (s *Service) Authenticate(username, password string) (User, error) {
	normalized := NormalizeUsername(username)

	var u User
	var verifier string
	err := s.db.Handle().QueryRow(
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		normalized,
	).Scan(&u.ID, &u.Username, &verifier, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrBadCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	if !VerifyPassword(password, verifier) {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// CreateUserSession issues a session token for a user. The raw token is
// returned once; only its SHA-256 hash is persisted.
func (s *Service) CreateUserSession(userID string) (string, Session, error) {
	return s.createSession(userID, "")
}

// CreateGuestSession bootstraps a guest identity with its own session.
func (s *Service) CreateGuestSession() (string, Session, error) {
	return s.createSession("", newID())
}

func (s *Service) createSession(userID, guestID string) (string, Session, error) {
	token, err := newToken()
	if err != nil {
		return "", Session{}, err
	}

	days := s.userSessionDays
	if guestID != "" {
		days = s.guestSessionDays
	}
	now := time.Now().UTC()
	sess := Session{
		ID:        newID(),
		UserID:    userID,
		GuestID:   guestID,
		CreatedAt: now.Format(time.RFC3339Nano),
		ExpiresAt: now.AddDate(0, 0, days).Format(time.RFC3339Nano),
	}

	_, err = s.db.Handle().Exec(
		`INSERT INTO auth_sessions (id, token_hash, user_id, guest_id, created_at, expires_at, revoked_at, last_seen_at)
		 VALUES (?,?,?,?,?,?,NULL,?)`,
		sess.ID, hashToken(token), nullable(userID), nullable(guestID),
		sess.CreatedAt, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return "", Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return token, sess, nil
}

// RevokeSession marks the session behind token as revoked. Unknown or
// already revoked tokens are a no-op.
func (s *Service) RevokeSession(token string) error {
	_, err := s.db.Handle().Exec(
		`UPDATE auth_sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		db.UTCNow(), hashToken(token),
	)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// ActorFromToken resolves a session token into an actor. Returns false
// for unknown, revoked or expired sessions.
func (s *Service) ActorFromToken(token string) (Actor, bool) {
	if token == "" {
		return Actor{}, false
	}

	var userID, guestID, username, revokedAt sql.NullString
	var expiresAt string
	err := s.db.Handle().QueryRow(
		`SELECT s.user_id, s.guest_id, s.expires_at, s.revoked_at, u.username
		 FROM auth_sessions s
		 LEFT JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = ?`,
		hashToken(token),
	).Scan(&userID, &guestID, &expiresAt, &revokedAt, &username)
	if err != nil {
		return Actor{}, false
	}
	if revokedAt.Valid && revokedAt.String != "" {
		return Actor{}, false
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil || !exp.After(time.Now().UTC()) {
		return Actor{}, false
	}

	switch {
	case userID.Valid && userID.String != "":
		return Actor{UserID: userID.String, Username: username.String}, true
	case guestID.Valid && guestID.String != "":
		return Actor{GuestID: guestID.String}, true
	}
	return Actor{}, false
}

// TouchSession records activity on a session. Errors are ignored; the
// timestamp is advisory.
func (s *Service) TouchSession(token string) {
	if token == "" {
		return
	}
	s.db.Handle().Exec(
		`UPDATE auth_sessions SET last_seen_at = ? WHERE token_hash = ?`,
		db.UTCNow(), hashToken(token),
	)
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
