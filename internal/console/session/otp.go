package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teahouse-ops/teaconsole/internal/console/pipeline"
	"github.com/teahouse-ops/teaconsole/internal/console/telemetry"
)

// FlowKind names an OTP flow.
type FlowKind string

const (
	FlowRegister FlowKind = "register"
	FlowReset    FlowKind = "reset"
)

// NextStep tells the caller where a verified OTP leads.
type NextStep string

const (
	NextLogin       NextStep = "login"
	NextSetPassword NextStep = "set-password"
)

const (
	msgRegisterFailed = "Registration failed. Please try again."
	msgOTPFailed      = "The code could not be verified. Please try again."
	msgResetFailed    = "Password reset failed. Please try again."
	msgNoAck          = "The server did not acknowledge the request."
)

// Registration is the sign-up form. The whole form is sent again with the
// OTP when it is verified.
type Registration struct {
	Name     string `json:"name" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"required,numeric,min=9,max=15"`
	Password string `json:"password" validate:"required,min=6"`
}

// Flow is the transient state of one OTP flow. It is never persisted.
type Flow struct {
	Kind         FlowKind
	Email        string
	Phone        string
	Registration *Registration
	// Message is the backend's acknowledgement of the last send.
	Message string
}

// Outcome is the result of a verified OTP. No session is created.
type Outcome struct {
	Kind    FlowKind
	Next    NextStep
	Email   string
	Message string
}

// ResetPayload sets a new password for an address whose OTP was verified.
type ResetPayload struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type otpForm struct {
	OTP string `json:"otp" validate:"required,len=6,numeric"`
}

type emailForm struct {
	Email string `json:"email" validate:"required,email"`
}

type registrationOTP struct {
	Registration
	OTP string `json:"otp"`
}

type resetOTP struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// Register sends the sign-up form and asks the backend to mail an OTP. It
// never touches the session.
func (c *Controller) Register(ctx context.Context, reg Registration) (f *Flow, err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "register")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	reg.Email = strings.TrimSpace(reg.Email)
	if verr := validateStruct(reg); verr != nil {
		return nil, &AuthError{Op: "register", Message: msgInvalidForm, Err: verr}
	}

	done := c.begin()
	defer done()

	ack, err := c.sendRegistration(ctx, reg)
	if err != nil {
		return nil, err
	}
	c.otp.mark(FlowRegister, reg.Email)

	copied := reg
	return &Flow{
		Kind:         FlowRegister,
		Email:        reg.Email,
		Phone:        reg.Phone,
		Registration: &copied,
		Message:      ack,
	}, nil
}

// RequestPasswordReset asks the backend to mail a reset OTP to email.
func (c *Controller) RequestPasswordReset(ctx context.Context, email string) (f *Flow, err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "forgot_password")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	form := emailForm{Email: strings.TrimSpace(email)}
	if verr := validateStruct(form); verr != nil {
		return nil, &AuthError{Op: "forgot password", Message: msgInvalidForm, Err: verr}
	}

	done := c.begin()
	defer done()

	var resp messageResponse
	if err := c.api.Post(ctx, PathForgotSendOTP, form, &resp); err != nil {
		return nil, c.failed("forgot password", err, msgResetFailed)
	}
	c.otp.mark(FlowReset, form.Email)

	return &Flow{Kind: FlowReset, Email: form.Email, Message: resp.Message}, nil
}

// VerifyOTP submits otp for flow. A register flow resends the full
// registration form with the code; a reset flow sends only the address.
func (c *Controller) VerifyOTP(ctx context.Context, flow *Flow, otp string) (o *Outcome, err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "verify_otp")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	if flow == nil {
		return nil, &AuthError{Op: "verify otp", Message: msgOTPFailed, Err: ErrUnknownFlow}
	}
	form := otpForm{OTP: strings.TrimSpace(otp)}
	if verr := validateStruct(form); verr != nil {
		return nil, &AuthError{Op: "verify otp", Message: msgInvalidForm, Err: verr}
	}

	var (
		path string
		body any
		next NextStep
	)
	switch flow.Kind {
	case FlowRegister:
		if flow.Registration == nil {
			return nil, &AuthError{Op: "verify otp", Message: msgOTPFailed, Err: ErrUnknownFlow}
		}
		path, next = PathRegisterVerifyOTP, NextLogin
		body = registrationOTP{Registration: *flow.Registration, OTP: form.OTP}
	case FlowReset:
		path, next = PathForgotVerifyOTP, NextSetPassword
		body = resetOTP{Email: flow.Email, OTP: form.OTP}
	default:
		return nil, &AuthError{Op: "verify otp", Message: msgOTPFailed, Err: ErrUnknownFlow}
	}

	done := c.begin()
	defer done()

	var resp messageResponse
	if err := c.api.Post(ctx, path, body, &resp); err != nil {
		return nil, c.failed("verify otp", err, msgOTPFailed)
	}
	c.logger.Info("otp verified", zap.String("flow", string(flow.Kind)))
	return &Outcome{Kind: flow.Kind, Next: next, Email: flow.Email, Message: resp.Message}, nil
}

// VerifyForgotPasswordOTP verifies a reset code for email and hands the
// verified address forward.
func (c *Controller) VerifyForgotPasswordOTP(ctx context.Context, email, otp string) (*Outcome, error) {
	return c.VerifyOTP(ctx, &Flow{Kind: FlowReset, Email: strings.TrimSpace(email)}, otp)
}

// ResetPassword sets the new password. The operator still has to log in.
func (c *Controller) ResetPassword(ctx context.Context, p ResetPayload) (err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "reset_password")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	p.Email = strings.TrimSpace(p.Email)
	if verr := validateStruct(p); verr != nil {
		return &AuthError{Op: "reset password", Message: msgInvalidForm, Err: verr}
	}

	done := c.begin()
	defer done()

	if err := c.api.Post(ctx, PathResetPassword, p, nil); err != nil {
		return c.failed("reset password", err, msgResetFailed)
	}
	return nil
}

// ResendOTP sends the flow's code again, at most once per cooldown for the
// same address.
func (c *Controller) ResendOTP(ctx context.Context, flow *Flow) (f *Flow, err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "resend_otp")
	defer func() { telemetry.EndSessionSpan(span, c.State().String(), err) }()

	if flow == nil || (flow.Kind == FlowRegister && flow.Registration == nil) {
		return nil, &AuthError{Op: "resend otp", Message: msgOTPFailed, Err: ErrUnknownFlow}
	}
	if flow.Kind != FlowRegister && flow.Kind != FlowReset {
		return nil, &AuthError{Op: "resend otp", Message: msgOTPFailed, Err: ErrUnknownFlow}
	}
	release, wait, ok := c.otp.reserve(flow.Kind, flow.Email)
	if !ok {
		cerr := &CooldownError{RetryAfter: wait}
		return nil, &AuthError{Op: "resend otp", Message: cerr.Error(), Err: cerr}
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	done := c.begin()
	defer done()

	next := *flow
	switch flow.Kind {
	case FlowRegister:
		ack, err := c.sendRegistration(ctx, *flow.Registration)
		if err != nil {
			return nil, err
		}
		next.Message = ack
	case FlowReset:
		var resp messageResponse
		if err := c.api.Post(ctx, PathForgotSendOTP, emailForm{Email: flow.Email}, &resp); err != nil {
			return nil, c.failed("resend otp", err, msgResetFailed)
		}
		next.Message = resp.Message
	}
	return &next, nil
}

func (c *Controller) sendRegistration(ctx context.Context, reg Registration) (string, error) {
	var resp messageResponse
	if err := c.api.Post(ctx, PathRegisterSendOTP, reg, &resp); err != nil {
		return "", c.failed("register", err, msgRegisterFailed)
	}
	if strings.TrimSpace(resp.Message) == "" {
		err := &pipeline.MalformedResponseError{Op: "register", Reason: "response has no message"}
		return "", &AuthError{Op: "register", Message: msgNoAck, Err: err}
	}
	return resp.Message, nil
}

// otpThrottle enforces the resend cooldown per flow and address.
type otpThrottle struct {
	every time.Duration
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newOTPThrottle(every time.Duration, now func() time.Time) *otpThrottle {
	return &otpThrottle{every: every, now: now, limiters: make(map[string]*rate.Limiter)}
}

func (t *otpThrottle) limiter(kind FlowKind, email string) *rate.Limiter {
	key := string(kind) + ":" + strings.ToLower(email)
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters[key] = l
	}
	return l
}

// mark records a send that already happened.
func (t *otpThrottle) mark(kind FlowKind, email string) {
	if t.every <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter(kind, email).AllowN(t.now(), 1)
}

// reserve claims a send slot, or reports how long until one frees up.
// release hands the slot back when the send did not go out.
func (t *otpThrottle) reserve(kind FlowKind, email string) (release func(), wait time.Duration, ok bool) {
	if t.every <= 0 {
		return func() {}, 0, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.limiter(kind, email).ReserveN(now, 1)
	if !r.OK() {
		return nil, t.every, false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return nil, wait, false
	}
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		r.CancelAt(now)
	}, 0, true
}
