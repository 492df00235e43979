// Package backendtest runs an in-process imitation of the console's REST
// backend for tests: password and Google login, OTP registration and reset,
// token verification, and a few protected resources.
package backendtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

// DefaultOTP is issued for every OTP unless Server.OTP is changed.
const DefaultOTP = "123456"

// Call records one request the server received.
type Call struct {
	Method        string
	Path          string
	Authorization string
	Body          map[string]any
}

type account struct {
	user         identity.User
	passwordHash []byte
}

type override struct {
	status int
	body   string
}

// Server is a fake backend. Zero value is not usable; call New.
type Server struct {
	*httptest.Server

	// OTP is the code mailed by every send-otp endpoint.
	OTP string
	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration

	secret []byte

	mu           sync.Mutex
	accounts     map[string]*account // by lower-cased email
	otps         map[string]string   // flow:email -> code
	resetAllowed map[string]bool
	google       map[string]identity.User
	revoked      map[string]bool
	notBefore    time.Time
	overrides    map[string]override
	calls        []Call
}

// New starts a fake backend. Close it when done.
func New() *Server {
	s := &Server{
		OTP:          DefaultOTP,
		TokenTTL:     time.Hour,
		secret:       []byte(uuid.NewString()),
		accounts:     make(map[string]*account),
		otps:         make(map[string]string),
		resetAllowed: make(map[string]bool),
		google:       make(map[string]identity.User),
		revoked:      make(map[string]bool),
		overrides:    make(map[string]override),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.overridden)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/verify", s.authed(s.handleVerify))
		r.Post("/logout", s.handleLogout)
		r.Post("/google", s.handleGoogle)
		r.Post("/register/send-otp", s.handleRegisterSend)
		r.Post("/register/verify-otp", s.handleRegisterVerify)
		r.Post("/forgot-password/send-otp", s.handleForgotSend)
		r.Post("/forgot-password/verify-otp", s.handleForgotVerify)
		r.Post("/reset-password/with-otp", s.handleReset)
	})

	r.Route("/users", func(r chi.Router) {
		r.Patch("/me", s.authed(s.handleUpdateMe))
		r.Get("/{id}", s.authed(s.require(permission.ManageUsers, s.handleGetUser)))
		r.Put("/{id}/access", s.authed(s.require(permission.ManageUsers, s.handleSetAccess)))
	})
	r.Get("/orders", s.authed(s.require(permission.ManageOrders, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"orders": []any{}})
	})))

	return r
}

// AddUser registers an account that can log in with password.
func (s *Server) AddUser(u identity.User, password string) identity.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Provider == "" {
		u.Provider = identity.ProviderLocal
	}
	if u.Status == "" {
		u.Status = identity.StatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[strings.ToLower(u.Email)] = &account{user: u, passwordHash: hash}
	return u
}

// AddGoogleToken makes providerToken log in as u.
func (s *Server) AddGoogleToken(providerToken string, u identity.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.google[providerToken] = u
}

// User returns the stored account for email.
func (s *Server) User(email string) (identity.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return identity.User{}, false
	}
	return *a.user.Clone(), true
}

// CheckPassword reports whether password is the current password for email.
func (s *Server) CheckPassword(email, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[strings.ToLower(email)]
	return ok && bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
}

// RevokeAll invalidates every token issued so far.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notBefore = time.Now().Add(time.Second)
}

// Respond makes method+path answer with status and a raw body until Reset.
func (s *Server) Respond(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[method+" "+path] = override{status: status, body: body}
}

// Reset drops every Respond override.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[string]override)
}

// Calls returns every request seen so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the requests made to path.
func (s *Server) CallsTo(path string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// IssueToken mints an access token for u, for tests that seed a credential
// store directly.
func (s *Server) IssueToken(u identity.User) string {
	tok, err := s.sign(u, s.TokenTTL, "access")
	if err != nil {
		panic(err)
	}
	return tok
}

type claims struct {
	Role permission.Role `json:"role"`
	Kind string          `json:"kind"`
	jwt.RegisteredClaims
}

func (s *Server) sign(u identity.User, ttl time.Duration, kind string) (string, error) {
	now := time.Now()
	c := &claims{
		Role: u.Role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			Issuer:    "backendtest",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

var errInvalidToken = errors.New("invalid token")

func (s *Server) parse(raw string) (*claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Kind != "access" {
		return nil, errInvalidToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[c.ID] || (!s.notBefore.IsZero() && c.IssuedAt.Time.Before(s.notBefore)) {
		return nil, errInvalidToken
	}
	return c, nil
}

func (s *Server) userByID(id string) (*account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.user.ID == id {
			return a, true
		}
	}
	return nil, false
}

func (s *Server) loginResponse(u identity.User) (map[string]any, error) {
	access, err := s.sign(u, s.TokenTTL, "access")
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(u, 30*24*time.Hour, "refresh")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user": u,
		"tokens": map[string]any{
			"access":  map[string]string{"token": access},
			"refresh": map[string]string{"token": refresh},
		},
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
