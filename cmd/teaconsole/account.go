package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/session"
)

const resendKeyword = "resend"

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var (
		reg session.Registration
		otp string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account; a code is mailed to confirm the address",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var err error
			if reg.Name, err = opts.valueOrPrompt(cmd, reg.Name, "Name: "); err != nil {
				return err
			}
			if reg.Email, err = opts.valueOrPrompt(cmd, reg.Email, "Email: "); err != nil {
				return err
			}
			if reg.Phone, err = opts.valueOrPrompt(cmd, reg.Phone, "Phone: "); err != nil {
				return err
			}
			if reg.Password, err = opts.valueOrPrompt(cmd, reg.Password, "Password: "); err != nil {
				return err
			}

			flow, err := a.session.Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "📨 %s\n", flow.Message)

			out, err := opts.verifyWithResend(cmd, a, flow, otp)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "✅ %s\n", fallback(out.Message, "Account created."))
			fmt.Fprintln(a.errOut, "Run 'teaconsole login' to sign in.")
			return nil
		}),
	}
	f := cmd.Flags()
	f.StringVar(&reg.Name, "name", "", "full name")
	f.StringVar(&reg.Email, "email", "", "email address")
	f.StringVar(&reg.Phone, "phone", "", "phone number, digits only")
	f.StringVar(&reg.Password, "password", "", "password (prompted when omitted)")
	f.StringVar(&otp, "otp", "", "the mailed code (prompted when omitted)")
	return cmd
}

// verifyWithResend submits otp, or prompts for it. Typing "resend" at the
// prompt asks for a new code.
func (o *rootOptions) verifyWithResend(cmd *cobra.Command, a *app, flow *session.Flow, otp string) (*session.Outcome, error) {
	for otp == "" || otp == resendKeyword {
		if otp == resendKeyword {
			next, err := a.session.ResendOTP(cmd.Context(), flow)
			if err != nil {
				var cerr *session.CooldownError
				if !errors.As(err, &cerr) {
					return nil, err
				}
				fmt.Fprintf(a.errOut, "⏳ %v\n", cerr)
			} else {
				flow = next
				fmt.Fprintf(a.errOut, "📨 %s\n", flow.Message)
			}
		}
		line, err := o.prompt(cmd, fmt.Sprintf("Code sent to %s (or %q): ", flow.Email, resendKeyword))
		if err != nil {
			return nil, err
		}
		otp = strings.ToLower(line)
	}
	return a.session.VerifyOTP(cmd.Context(), flow, otp)
}

func newPasswordCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Reset a forgotten password",
	}
	cmd.AddCommand(newPasswordForgotCmd(opts), newPasswordResetCmd(opts))
	return cmd
}

func newPasswordForgotCmd(opts *rootOptions) *cobra.Command {
	var email, otp, newPassword string

	cmd := &cobra.Command{
		Use:   "forgot",
		Short: "Mail a reset code, verify it and set a new password",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var err error
			if email, err = opts.valueOrPrompt(cmd, email, "Email: "); err != nil {
				return err
			}
			flow, err := a.session.RequestPasswordReset(cmd.Context(), email)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "📨 %s\n", fallback(flow.Message, "Reset code sent."))

			out, err := opts.verifyWithResend(cmd, a, flow, otp)
			if err != nil {
				return err
			}
			return opts.finishReset(cmd, a, out.Email, newPassword)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&email, "email", "", "account email")
	f.StringVar(&otp, "otp", "", "the mailed code (prompted when omitted)")
	f.StringVar(&newPassword, "new-password", "", "new password (prompted when omitted)")
	return cmd
}

func newPasswordResetCmd(opts *rootOptions) *cobra.Command {
	var email, otp, newPassword string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Set a new password with a code mailed by 'password forgot'",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			out, err := a.session.VerifyForgotPasswordOTP(cmd.Context(), email, otp)
			if err != nil {
				return err
			}
			return opts.finishReset(cmd, a, out.Email, newPassword)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&email, "email", "", "account email")
	f.StringVar(&otp, "otp", "", "the mailed code")
	f.StringVar(&newPassword, "new-password", "", "new password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("otp")
	return cmd
}

func (o *rootOptions) finishReset(cmd *cobra.Command, a *app, email, newPassword string) error {
	var err error
	if newPassword, err = o.valueOrPrompt(cmd, newPassword, "New password: "); err != nil {
		return err
	}
	if err := a.session.ResetPassword(cmd.Context(), session.ResetPayload{Email: email, Password: newPassword}); err != nil {
		return err
	}
	fmt.Fprintln(a.errOut, "✅ Password updated. Run 'teaconsole login' to sign in.")
	return nil
}

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage your own profile",
	}
	cmd.AddCommand(newProfileUpdateCmd(opts))
	return cmd
}

const pathMe = "/users/me"

func newProfileUpdateCmd(opts *rootOptions) *cobra.Command {
	var name, email, phone string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change your name, email or phone",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var patch identity.Patch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("email") {
				patch.Email = &email
			}
			if cmd.Flags().Changed("phone") {
				patch.Phone = &phone
			}
			if patch.Empty() {
				return errors.New("nothing to update; pass --name, --email or --phone")
			}
			if err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			if err := a.client.Patch(cmd.Context(), pathMe, patch, nil); err != nil {
				return err
			}
			u, err := a.session.UpdateIdentity(patch)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.errOut, "✅ Profile updated.")
			return printAccount(a.out, a.output, "👤 Authenticated account", u, false)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "new name")
	f.StringVar(&email, "email", "", "new email")
	f.StringVar(&phone, "phone", "", "new phone")
	return cmd
}
