package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/teahouse-ops/teaconsole/internal/console/oauth"
	"github.com/teahouse-ops/teaconsole/internal/console/session"
)

const deviceLoginTimeout = 5 * time.Minute

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var err error
			if email, err = opts.valueOrPrompt(cmd, email, "Email: "); err != nil {
				return err
			}
			if password, err = opts.valueOrPrompt(cmd, password, "Password: "); err != nil {
				return err
			}

			u, err := a.session.Login(cmd.Context(), session.Credentials{Email: email, Password: password})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "✅ Logged in as %s\n", fallback(u.Name, u.Email))
			return printAccount(a.out, a.output, "👤 Signed-in account", u, false)
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when omitted)")

	cmd.AddCommand(newGoogleLoginCmd(opts))
	return cmd
}

func newGoogleLoginCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "google",
		Short: "Sign in with a Google account in a browser",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if !a.cfg.HasOAuth() {
				return errors.New("google sign-in is not configured; set oauth.client_id")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), deviceLoginTimeout)
			defer cancel()

			flow, err := oauth.NewDeviceFlow(ctx, a.cfg.OAuth, a.logger)
			if err != nil {
				return err
			}
			da, prompt, err := flow.Start(ctx)
			if err != nil {
				return err
			}
			printDevicePrompt(a.errOut, prompt)

			res, err := flow.Wait(ctx, da)
			if err != nil {
				return err
			}
			u, err := a.session.LoginWithOAuthProvider(ctx, res.IDToken)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "\n✅ Logged in as %s\n", fallback(u.Name, u.Email))
			return printAccount(a.out, a.output, "👤 Signed-in account", u, false)
		}),
	}
}

func printDevicePrompt(w io.Writer, p oauth.Prompt) {
	fmt.Fprintln(w, "🔐 Google sign-in")
	fmt.Fprintln(w, "─────────────────")
	if p.VerificationURIComplete != "" {
		fmt.Fprintf(w, "Open this URL in your browser:\n  %s\n\n", p.VerificationURIComplete)
	} else {
		fmt.Fprintf(w, "Open this URL in your browser:\n  %s\n", p.VerificationURI)
		fmt.Fprintf(w, "Enter this code:\n  %s\n\n", p.UserCode)
	}
	fmt.Fprintln(w, "Waiting for authorization...")
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			_, had := a.store.AccessToken()
			a.session.Logout(cmd.Context())
			if !had {
				fmt.Fprintln(a.errOut, "ℹ️  No stored session found.")
				return nil
			}
			fmt.Fprintln(a.errOut, "✅ Logged out.")
			return nil
		}),
	}
}

func newWhoAmICmd(opts *rootOptions) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account and its capabilities",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if offline {
				u, ok := a.session.CachedUser()
				if !ok {
					return errors.New("no cached profile; run 'teaconsole login'")
				}
				return printAccount(a.out, a.output, "👤 Cached account", u, true)
			}
			if err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			return printAccount(a.out, a.output, "👤 Authenticated account", a.session.CurrentUser(), false)
		}),
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "show the cached profile without contacting the server")
	return cmd
}

type statusView struct {
	State      string         `json:"state" yaml:"state"`
	HasToken   bool           `json:"has_token" yaml:"has_token"`
	HasRefresh bool           `json:"has_refresh_token" yaml:"has_refresh_token"`
	UserID     string         `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Claims     map[string]any `json:"claims,omitempty" yaml:"claims,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state and the claims inside the stored token",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			token, hasToken := a.store.AccessToken()
			_, hasRefresh := a.store.RefreshToken()

			view := statusView{HasToken: hasToken, HasRefresh: hasRefresh}
			if hasToken {
				// claims are read before verification, which may clear the token
				view.Claims, view.ExpiresAt = inspectToken(token)
			}
			if err := a.session.Start(cmd.Context()); err != nil {
				view.Error = err.Error()
			}
			snap := a.session.Snapshot()
			view.State = snap.State.String()
			if snap.User != nil {
				view.UserID = snap.User.ID
			}

			return render(a.out, a.output, view, func(w io.Writer) {
				fmt.Fprintf(w, "State:          %s\n", view.State)
				fmt.Fprintf(w, "Access token:   %s\n", yesNo(view.HasToken))
				fmt.Fprintf(w, "Refresh token:  %s\n", yesNo(view.HasRefresh))
				if view.UserID != "" {
					fmt.Fprintf(w, "User ID:        %s\n", view.UserID)
				}
				if view.ExpiresAt != nil {
					fmt.Fprintf(w, "Token expires:  %s\n", view.ExpiresAt.Format(time.RFC3339))
				}
				if sub, ok := view.Claims["sub"].(string); ok {
					fmt.Fprintf(w, "Token subject:  %s\n", sub)
				}
				if view.Error != "" {
					fmt.Fprintf(w, "Verification:   %s\n", view.Error)
				}
			})
		}),
	}
}

// inspectToken decodes the token's claims without checking the signature.
// The result is for display only.
func inspectToken(raw string) (map[string]any, *time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, nil
	}
	var expiry *time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.UTC()
		expiry = &t
	}
	return claims, expiry
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
