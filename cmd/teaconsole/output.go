package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

// render writes v as JSON or YAML, or calls table for the default format.
func render(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		table(w)
		return nil
	}
}

// accountView is the printable form of an account and its effective access.
type accountView struct {
	ID           string                  `json:"id" yaml:"id"`
	Name         string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Email        string                  `json:"email,omitempty" yaml:"email,omitempty"`
	Phone        string                  `json:"phone,omitempty" yaml:"phone,omitempty"`
	Role         permission.Role         `json:"role" yaml:"role"`
	Type         permission.AccountType  `json:"type" yaml:"type"`
	Status       identity.Status         `json:"status,omitempty" yaml:"status,omitempty"`
	Provider     identity.Provider       `json:"provider,omitempty" yaml:"provider,omitempty"`
	Address      string                  `json:"default_address,omitempty" yaml:"default_address,omitempty"`
	Stored       []permission.Capability `json:"permissions" yaml:"permissions"`
	Capabilities []permission.Capability `json:"capabilities" yaml:"capabilities"`
	Cached       bool                    `json:"cached,omitempty" yaml:"cached,omitempty"`
}

func newAccountView(u *identity.User) accountView {
	stored := u.StoredCapabilities()
	if stored == nil {
		stored = []permission.Capability{}
	}
	var address string
	if a, ok := u.DefaultAddress(); ok {
		address = formatAddress(a)
	}
	return accountView{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		Phone:        u.Phone,
		Role:         u.Role,
		Type:         u.Type,
		Status:       u.Status,
		Provider:     u.Provider,
		Address:      address,
		Stored:       stored,
		Capabilities: permission.EffectiveCapabilities(u),
	}
}

func printAccount(w io.Writer, format, heading string, u *identity.User, cached bool) error {
	view := newAccountView(u)
	view.Cached = cached
	return render(w, format, view, func(w io.Writer) {
		fmt.Fprintln(w, heading)
		fmt.Fprintln(w, strings.Repeat("─", len([]rune(heading))))
		fmt.Fprintf(w, "Name:     %s\n", fallback(view.Name, "(none)"))
		fmt.Fprintf(w, "Email:    %s\n", fallback(view.Email, "(none)"))
		fmt.Fprintf(w, "ID:       %s\n", fallback(view.ID, "(none)"))
		fmt.Fprintf(w, "Role:     %s\n", fallback(string(view.Role), "unknown"))
		fmt.Fprintf(w, "Type:     %s\n", fallback(string(view.Type), "unknown"))
		if view.Provider != "" {
			fmt.Fprintf(w, "Provider: %s\n", view.Provider)
		}
		if view.Address != "" {
			fmt.Fprintf(w, "Address:  %s\n", view.Address)
		}
		if cached {
			fmt.Fprintln(w, "(cached profile, not verified with the server)")
		}

		fmt.Fprintln(w, "\nCapabilities")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CAPABILITY\tALLOWED")
		for _, c := range permission.Catalog() {
			allowed := "no"
			if permission.HasCapability(u, c) {
				allowed = "yes"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", c, allowed)
		}
		_ = tw.Flush()
	})
}

// formatAddress renders an address on one line, skipping empty parts.
func formatAddress(a identity.Address) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{a.Street, a.Ward, a.District, a.City} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	line := strings.Join(parts, ", ")
	if a.Label != "" && line != "" {
		line = a.Label + ": " + line
	}
	return line
}
