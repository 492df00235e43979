// Package session owns the console's signed-in identity. The Controller is
// the only thing that changes the current user; everything else reads a
// Snapshot or subscribes to changes.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teahouse-ops/teaconsole/internal/console/credstore"
	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/pipeline"
	"github.com/teahouse-ops/teaconsole/internal/console/telemetry"
)

// Backend endpoints used by the controller.
const (
	PathLogin             = "/auth/login"
	PathVerify            = "/auth/verify"
	PathLogout            = "/auth/logout"
	PathGoogle            = "/auth/google"
	PathRegisterSendOTP   = "/auth/register/send-otp"
	PathRegisterVerifyOTP = "/auth/register/verify-otp"
	PathForgotSendOTP     = "/auth/forgot-password/send-otp"
	PathForgotVerifyOTP   = "/auth/forgot-password/verify-otp"
	PathResetPassword     = "/auth/reset-password/with-otp"
)

const (
	msgLoginFailed   = "Login failed. Please check your credentials and try again."
	msgOAuthFailed   = "Google sign-in failed. Please try again."
	msgMalformedAuth = "The server returned an incomplete login response."
	msgVerifyFailed  = "Your session could not be verified. Please log in again."
	msgInvalidForm   = "Please correct the highlighted fields."
)

// API is the slice of the request pipeline the controller needs.
type API interface {
	Get(ctx context.Context, path string, out any, opts ...pipeline.RequestOption) error
	Post(ctx context.Context, path string, body, out any, opts ...pipeline.RequestOption) error
	OnUnauthorized(fn func())
}

// Store is the slice of the credential store the controller needs.
type Store interface {
	AccessToken() (string, bool)
	WriteCredentials(credstore.Bundle)
	CachedIdentity() (*identity.User, bool)
	WriteCachedIdentity(*identity.User)
	ClearAll()
}

// Options configures a Controller.
type Options struct {
	Logger *zap.Logger
	// ResendCooldown is the minimum gap between OTP sends to one address.
	// Zero disables the check.
	ResendCooldown time.Duration
	// Now is the clock used for the resend cooldown.
	Now func() time.Time
}

// Controller drives login, logout, OTP flows and startup verification.
// Operations are not mutually exclusive: concurrent calls race on the
// credential store and the last write wins.
type Controller struct {
	api    API
	store  Store
	logger *zap.Logger
	otp    *otpThrottle

	mu       sync.RWMutex
	state    State
	user     *identity.User
	loading  int
	watchers watchers
}

// NewController wires a controller to api and store and registers for the
// pipeline's 401 teardown so the current user is dropped with the tokens.
func NewController(api API, store Store, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		api:      api,
		store:    store,
		logger:   logger.Named("session"),
		otp:      newOTPThrottle(opts.ResendCooldown, now),
		state:    StateUnknown,
		watchers: newWatchers(16),
	}
	api.OnUnauthorized(c.dropIdentity)
	return c
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// CurrentUser returns a copy of the verified user, or nil.
func (c *Controller) CurrentUser() *identity.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.Clone()
}

// Loading reports whether an operation is in flight.
func (c *Controller) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading > 0
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CachedUser returns the last cached profile without contacting the
// backend. It may be stale and is never used to grant access.
func (c *Controller) CachedUser() (*identity.User, bool) {
	return c.store.CachedIdentity()
}

// Subscribe returns a channel that receives the current snapshot and then
// every change. Call Unsubscribe with the same id when done.
func (c *Controller) Subscribe(id string) <-chan Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchers.add(id, c.snapshotLocked())
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Controller) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers.remove(id)
}

// Close closes every subscriber channel.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers.closeAll()
}

// Start verifies a stored token with the backend. Without a token the
// session becomes anonymous immediately. Any verification failure clears the
// stored credentials and cached profile together.
func (c *Controller) Start(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "verify")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	if _, ok := c.store.AccessToken(); !ok {
		c.update(func() {
			c.state = StateAnonymous
			c.user = nil
		})
		return nil
	}

	c.update(func() {
		c.state = StateAuthenticating
		c.loading++
	})

	var resp struct {
		User *identity.User `json:"user"`
	}
	err = c.api.Get(ctx, PathVerify, &resp, pipeline.WithoutNotification())
	if err == nil && resp.User == nil {
		err = &pipeline.MalformedResponseError{Op: "verify", Reason: "response has no user"}
	}
	if err != nil {
		c.store.ClearAll()
		c.update(func() {
			c.state = StateAnonymous
			c.user = nil
			c.loading--
		})
		c.logger.Info("stored session rejected", zap.Error(err))
		return &AuthError{Op: "verify", Message: msgVerifyFailed, Err: err}
	}

	c.store.WriteCachedIdentity(resp.User)
	c.update(func() {
		c.state = StateAuthenticated
		c.user = resp.User.Clone()
		c.loading--
	})
	c.logger.Info("session verified", zap.String("user_id", resp.User.ID))
	return nil
}

// Credentials is the password login form.
type Credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login exchanges a password for a session. On failure the previous
// session, if any, is left as it was.
func (c *Controller) Login(ctx context.Context, creds Credentials) (u *identity.User, err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "login")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	if verr := validateStruct(creds); verr != nil {
		return nil, &AuthError{Op: "login", Message: msgInvalidForm, Err: verr}
	}

	done := c.begin()
	defer done()

	var resp authResponse
	if err := c.api.Post(ctx, PathLogin, creds, &resp); err != nil {
		return nil, c.failed("login", err, msgLoginFailed)
	}
	return c.establish("login", resp)
}

// LoginWithOAuthProvider exchanges a provider token (a Google ID token) for
// a session. Same response checks as Login.
func (c *Controller) LoginWithOAuthProvider(ctx context.Context, providerToken string) (u *identity.User, err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "oauth_login")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	if providerToken == "" {
		return nil, &AuthError{Op: "oauth login", Message: msgOAuthFailed,
			Err: &ValidationError{Fields: map[string]string{"token": "This field is required"}}}
	}

	done := c.begin()
	defer done()

	var resp authResponse
	if err := c.api.Post(ctx, PathGoogle, map[string]string{"token": providerToken}, &resp); err != nil {
		return nil, c.failed("oauth login", err, msgOAuthFailed)
	}
	return c.establish("oauth login", resp)
}

// Logout ends the session locally and then tells the backend, ignoring the
// backend's answer. Calling it without a session is a no-op apart from the
// state change.
func (c *Controller) Logout(ctx context.Context) {
	ctx, span := telemetry.StartSessionSpan(ctx, "logout")
	defer func() { telemetry.EndSessionSpan(span, StateAnonymous.String(), nil) }()

	token, hadToken := c.store.AccessToken()
	c.store.ClearAll()
	c.update(func() {
		c.state = StateAnonymous
		c.user = nil
	})

	if !hadToken {
		return
	}
	err := c.api.Post(ctx, PathLogout, nil, nil,
		pipeline.WithBearer(token),
		pipeline.WithoutNotification(),
	)
	if err != nil {
		c.logger.Debug("backend logout failed", zap.Error(err))
	}
}

// UpdateIdentity merges a profile change the backend has already accepted
// into the current user and its cached copy.
func (c *Controller) UpdateIdentity(p identity.Patch) (*identity.User, error) {
	c.mu.Lock()
	if c.state != StateAuthenticated || c.user == nil {
		c.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	merged := p.Apply(c.user)
	c.user = merged
	c.watchers.publish(c.snapshotLocked())
	c.mu.Unlock()

	c.store.WriteCachedIdentity(merged)
	return merged.Clone(), nil
}

type tokenValue struct {
	Token string `json:"token"`
}

type authResponse struct {
	User   *identity.User `json:"user"`
	Tokens *struct {
		Access  *tokenValue `json:"access"`
		Refresh *tokenValue `json:"refresh"`
	} `json:"tokens"`
}

func (r authResponse) accessToken() string {
	if r.Tokens == nil || r.Tokens.Access == nil {
		return ""
	}
	return r.Tokens.Access.Token
}

func (r authResponse) refreshToken() string {
	if r.Tokens == nil || r.Tokens.Refresh == nil {
		return ""
	}
	return r.Tokens.Refresh.Token
}

// establish validates a login response and persists it: identity first,
// then tokens, then the state flip.
func (c *Controller) establish(op string, resp authResponse) (*identity.User, error) {
	var reason string
	switch {
	case resp.User == nil:
		reason = "response has no user"
	case resp.accessToken() == "":
		reason = "response has no tokens.access.token"
	}
	if reason != "" {
		err := &pipeline.MalformedResponseError{Op: op, Reason: reason}
		c.logger.Warn("rejecting login response", zap.String("op", op), zap.String("reason", reason))
		return nil, &AuthError{Op: op, Message: msgMalformedAuth, Err: err}
	}

	c.store.WriteCachedIdentity(resp.User)
	c.store.WriteCredentials(credstore.Bundle{
		AccessToken:  resp.accessToken(),
		RefreshToken: resp.refreshToken(),
	})
	c.update(func() {
		c.state = StateAuthenticated
		c.user = resp.User.Clone()
	})
	c.logger.Info("signed in", zap.String("op", op), zap.String("user_id", resp.User.ID))
	return resp.User.Clone(), nil
}

func (c *Controller) failed(op string, err error, fallback string) error {
	c.logger.Debug("operation failed", zap.String("op", op), zap.Error(err))
	return &AuthError{Op: op, Message: pipeline.MessageFrom(err, fallback), Err: err}
}

// dropIdentity runs inside the pipeline's 401 teardown.
func (c *Controller) dropIdentity() {
	c.update(func() {
		c.state = StateAnonymous
		c.user = nil
	})
}

// begin marks an operation in flight and returns the matching end call.
func (c *Controller) begin() func() {
	c.update(func() { c.loading++ })
	return func() { c.update(func() { c.loading-- }) }
}

func (c *Controller) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	c.watchers.publish(c.snapshotLocked())
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{State: c.state, User: c.user.Clone(), Loading: c.loading > 0}
}
