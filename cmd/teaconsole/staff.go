package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

type accessFlags struct {
	role   string
	class  string
	set    string
	grant  string
	revoke string
	dryRun bool
}

func newStaffCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage staff accounts",
	}
	cmd.AddCommand(newStaffAccessCmd(opts))
	return cmd
}

func newStaffAccessCmd(opts *rootOptions) *cobra.Command {
	var fl accessFlags

	cmd := &cobra.Command{
		Use:   "access <user-id>",
		Short: "Change an account's role, type or capabilities",
		Long: `Change an account's role, type or capabilities.

Changing the type to customer drops every capability; changing it to staff
starts from the default staff set. Promoting to admin grants the full
catalog. Demoting an admin to staff resets to the default staff set.
Capabilities can only be edited on non-admin staff accounts.`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			if !a.session.CurrentUser().Can(permission.ManageUsers) {
				return fmt.Errorf("editing access requires the %s capability", permission.ManageUsers)
			}

			path := "/users/" + url.PathEscape(args[0])
			var current struct {
				User *identity.User `json:"user"`
			}
			if err := a.client.Get(cmd.Context(), path, &current); err != nil {
				return err
			}
			if current.User == nil {
				return fmt.Errorf("user %s: empty response", args[0])
			}

			before := permission.Assignment{
				Role:        current.User.Role,
				Type:        current.User.Type,
				Permissions: current.User.Permissions,
			}
			after, err := fl.apply(before)
			if err != nil {
				return err
			}

			if fl.dryRun {
				return printAssignment(a.out, a.output, before, after)
			}
			var updated struct {
				User *identity.User `json:"user"`
			}
			if err := a.client.Put(cmd.Context(), path+"/access", after, &updated); err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "✅ Access updated for %s\n", fallback(current.User.Email, args[0]))
			if updated.User != nil {
				after = permission.Assignment{
					Role:        updated.User.Role,
					Type:        updated.User.Type,
					Permissions: updated.User.Permissions,
				}
			}
			return printAssignment(a.out, a.output, before, after)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&fl.role, "role", "", "new role: admin, staff or user")
	f.StringVar(&fl.class, "type", "", "new account type: staff or customer")
	f.StringVar(&fl.set, "set", "", "replace capabilities with this comma-separated list")
	f.StringVar(&fl.grant, "grant", "", "add comma-separated capabilities")
	f.StringVar(&fl.revoke, "revoke", "", "remove comma-separated capabilities")
	f.BoolVar(&fl.dryRun, "dry-run", false, "show the result without saving it")
	cmd.MarkFlagsMutuallyExclusive("set", "grant")
	cmd.MarkFlagsMutuallyExclusive("set", "revoke")
	return cmd
}

// apply runs the requested edits in order: type, role, capabilities.
func (fl accessFlags) apply(a permission.Assignment) (permission.Assignment, error) {
	if fl.class != "" {
		if !permission.ValidAccountType(fl.class) {
			return a, fmt.Errorf("unknown type %q", fl.class)
		}
		a = a.WithType(permission.AccountType(fl.class))
	}
	if fl.role != "" {
		if !permission.ValidRole(fl.role) {
			return a, fmt.Errorf("unknown role %q", fl.role)
		}
		a = a.WithRole(permission.Role(fl.role))
	}
	if fl.set == "" && fl.grant == "" && fl.revoke == "" {
		return a, nil
	}

	caps := slices.Clone(a.Permissions)
	switch {
	case fl.set != "":
		parsed, err := permission.ParseCapabilities(fl.set)
		if err != nil {
			return a, err
		}
		caps = parsed
	default:
		grant, err := permission.ParseCapabilities(fl.grant)
		if err != nil {
			return a, err
		}
		revoke, err := permission.ParseCapabilities(fl.revoke)
		if err != nil {
			return a, err
		}
		caps = append(caps, grant...)
		caps = slices.DeleteFunc(caps, func(c permission.Capability) bool {
			return slices.Contains(revoke, c)
		})
	}

	next, err := a.WithCapabilities(caps)
	if errors.Is(err, permission.ErrNotEditable) {
		return a, fmt.Errorf("%w (role %s, type %s)", err, a.Role, a.Type)
	}
	return next, err
}

type assignmentChange struct {
	Before permission.Assignment `json:"before" yaml:"before"`
	After  permission.Assignment `json:"after" yaml:"after"`
}

func printAssignment(w io.Writer, format string, before, after permission.Assignment) error {
	return render(w, format, assignmentChange{Before: before, After: after}, func(w io.Writer) {
		fmt.Fprintf(w, "Role:  %s → %s\n", before.Role, after.Role)
		fmt.Fprintf(w, "Type:  %s → %s\n", before.Type, after.Type)
		fmt.Fprintln(w)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CAPABILITY\tBEFORE\tAFTER")
		for _, c := range permission.Catalog() {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", c,
				yesNo(permission.HasCapability(before, c)),
				yesNo(permission.HasCapability(after, c)))
		}
		_ = tw.Flush()
	})
}

func newCapabilitiesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List every capability tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			type entry struct {
				Capability permission.Capability `json:"capability" yaml:"capability"`
				Default    bool                  `json:"default_for_staff" yaml:"default_for_staff"`
			}
			defaults := permission.DefaultStaffCapabilities()
			var entries []entry
			for _, c := range permission.Catalog() {
				entries = append(entries, entry{Capability: c, Default: slices.Contains(defaults, c)})
			}
			return render(cmd.OutOrStdout(), opts.output, entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "CAPABILITY\tDEFAULT FOR STAFF")
				for _, e := range entries {
					_, _ = fmt.Fprintf(tw, "%s\t%s\n", e.Capability, yesNo(e.Default))
				}
				_ = tw.Flush()
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "teaconsole %s (commit %s, built %s)\n", version, gitCommit, buildDate)
		},
	}
}
