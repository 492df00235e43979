package backendtest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

type ctxKey struct{}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			Body:          body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) overridden(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		o, ok := s.overrides[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(o.status)
		_, _ = io.WriteString(w, o.body)
	})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Please authenticate")
			return
		}
		c, err := s.parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Please authenticate")
			return
		}
		a, ok := s.userByID(c.Subject)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Please authenticate")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, a)))
	}
}

func (s *Server) require(c permission.Capability, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := accountFrom(r)
		s.mu.Lock()
		allowed := a.user.Can(c)
		s.mu.Unlock()
		if !allowed {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next(w, r)
	}
}

func accountFrom(r *http.Request) *account {
	a, _ := r.Context().Value(ctxKey{}).(*account)
	return a
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	a, ok := s.accounts[strings.ToLower(req.Email)]
	var u identity.User
	var hash []byte
	if ok {
		u, hash = *a.user.Clone(), a.passwordHash
	}
	s.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusBadRequest, "Incorrect email or password")
		return
	}
	if u.Status == identity.StatusInactive {
		writeError(w, http.StatusForbidden, "Account is disabled")
		return
	}
	resp, err := s.loginResponse(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	a := accountFrom(r)
	s.mu.Lock()
	u := *a.user.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if c, err := s.parse(raw); err == nil {
			s.mu.Lock()
			s.revoked[c.ID] = true
			s.mu.Unlock()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	u, ok := s.google[req.Token]
	if ok {
		key := strings.ToLower(u.Email)
		if existing, found := s.accounts[key]; found {
			u = *existing.user.Clone()
		} else {
			if u.ID == "" {
				u.ID = uuid.NewString()
			}
			u.Provider = identity.ProviderGoogle
			if u.Status == "" {
				u.Status = identity.StatusActive
			}
			s.accounts[key] = &account{user: u}
		}
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid Google token")
		return
	}
	resp, err := s.loginResponse(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	OTP      string `json:"otp"`
}

func (s *Server) handleRegisterSend(w http.ResponseWriter, r *http.Request) {
	var req registration
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "Validation failed",
			"errors":  map[string]any{"email": []string{"required"}},
		})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.accounts[strings.ToLower(req.Email)]; taken {
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}
	s.otps["register:"+strings.ToLower(req.Email)] = s.OTP
	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP sent to " + req.Email})
}

func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	var req registration
	if !decode(w, r, &req) {
		return
	}
	key := strings.ToLower(req.Email)
	s.mu.Lock()
	code, ok := s.otps["register:"+key]
	s.mu.Unlock()
	if !ok || code != req.OTP {
		writeError(w, http.StatusBadRequest, "Invalid or expired OTP")
		return
	}
	if req.Name == "" || req.Password == "" || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "Registration details are incomplete")
		return
	}
	s.mu.Lock()
	delete(s.otps, "register:"+key)
	s.mu.Unlock()

	s.AddUser(identity.User{
		Name:        req.Name,
		Email:       req.Email,
		Phone:       req.Phone,
		Role:        permission.RoleUser,
		Type:        permission.TypeCustomer,
		Permissions: []permission.Capability{},
	}, req.Password)
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Registration complete. Please log in."})
}

func (s *Server) handleForgotSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	key := strings.ToLower(req.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key]; !ok {
		writeError(w, http.StatusNotFound, "No account with that email")
		return
	}
	s.otps["reset:"+key] = s.OTP
	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP sent to " + req.Email})
}

func (s *Server) handleForgotVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if !decode(w, r, &req) {
		return
	}
	key := strings.ToLower(req.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.otps["reset:"+key]; !ok || code != req.OTP {
		writeError(w, http.StatusBadRequest, "Invalid or expired OTP")
		return
	}
	delete(s.otps, "reset:"+key)
	s.resetAllowed[key] = true
	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP verified"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	key := strings.ToLower(req.Email)
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[key]
	if !ok || !s.resetAllowed[key] {
		writeError(w, http.StatusBadRequest, "OTP has not been verified")
		return
	}
	delete(s.resetAllowed, key)
	a.passwordHash = hash
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var p identity.Patch
	if !decode(w, r, &p) {
		return
	}
	a := accountFrom(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Email != nil && !strings.EqualFold(*p.Email, a.user.Email) {
		if _, taken := s.accounts[strings.ToLower(*p.Email)]; taken {
			writeError(w, http.StatusConflict, "Email already registered")
			return
		}
		delete(s.accounts, strings.ToLower(a.user.Email))
		s.accounts[strings.ToLower(*p.Email)] = a
	}
	a.user = *p.Apply(&a.user)
	writeJSON(w, http.StatusOK, map[string]any{"user": a.user})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	target, ok := s.userByID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	s.mu.Lock()
	u := *target.user.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleSetAccess(w http.ResponseWriter, r *http.Request) {
	var req permission.Assignment
	if !decode(w, r, &req) {
		return
	}
	if !permission.ValidRole(string(req.Role)) || !permission.ValidAccountType(string(req.Type)) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "Validation failed",
			"errors":  map[string]any{"role": "must be admin, staff or user"},
		})
		return
	}
	target, ok := s.userByID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target.user.Role = req.Role
	target.user.Type = req.Type
	target.user.Permissions = permission.EffectiveCapabilities(req)
	writeJSON(w, http.StatusOK, map[string]any{"user": target.user})
}
