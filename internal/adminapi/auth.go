package adminapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// Session is an authenticated operator session for the read-only status
// surface (§2 component K is out of scope as a chat front-end, but the
// admin view still needs its own auth the way nixfleet's dashboard does).
type Session struct {
	ID        string
	CSRFToken string
	ExpiresAt time.Time
}

// Credentials is the single operator account this surface authenticates
// against; the core has no user management of its own.
type Credentials struct {
	PasswordHash string // bcrypt hash
	TOTPSecret   string // empty disables TOTP
}

func (c Credentials) hasTOTP() bool { return c.TOTPSecret != "" }

// AuthService checks passwords/TOTP codes and tracks sessions in memory;
// the admin surface is single-operator and low-traffic enough that a
// session table doesn't need the relational store.
type AuthService struct {
	creds    Credentials
	duration time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewAuthService constructs an AuthService with a fixed session lifetime.
func NewAuthService(creds Credentials, duration time.Duration) *AuthService {
	return &AuthService{creds: creds, duration: duration, sessions: make(map[string]*Session)}
}

// CheckPassword verifies the password against the configured bcrypt hash.
func (a *AuthService) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.creds.PasswordHash), []byte(password)) == nil
}

// CheckTOTP verifies code against the configured secret; a disabled
// secret always passes.
func (a *AuthService) CheckTOTP(code string) bool {
	if !a.creds.hasTOTP() {
		return true
	}
	return totp.Validate(code, a.creds.TOTPSecret)
}

// CreateSession mints a new session with a random id and CSRF token.
func (a *AuthService) CreateSession() (*Session, error) {
	id, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	csrf, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	s := &Session{ID: id, CSRFToken: csrf, ExpiresAt: time.Now().Add(a.duration)}

	a.mu.Lock()
	a.sessions[s.ID] = s
	a.mu.Unlock()
	return s, nil
}

// Get returns a live session by id, evicting it first if expired.
func (a *AuthService) Get(id string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(s.ExpiresAt) {
		delete(a.sessions, id)
		return nil, false
	}
	return s, true
}

// Delete removes a session, e.g. on logout.
func (a *AuthService) Delete(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// ValidateCSRF constant-time compares token against the session's.
func (a *AuthService) ValidateCSRF(s *Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(s.CSRFToken), []byte(token)) == 1
}

const sessionCookie = "dcsfleet_admin_session"

func setSessionCookie(w http.ResponseWriter, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  s.ExpiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
