// Package identity holds the account record shared by the session,
// credential store and permission packages.
package identity

import (
	"slices"

	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

// Status of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Provider names the credential the account was created with.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
)

// Address is one entry of an account's address book.
type Address struct {
	ID        string `json:"id,omitempty"`
	Label     string `json:"label,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Street    string `json:"street,omitempty"`
	Ward      string `json:"ward,omitempty"`
	District  string `json:"district,omitempty"`
	City      string `json:"city,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// User is the account as returned by the backend and cached locally.
type User struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name,omitempty"`
	Email       string                  `json:"email,omitempty"`
	Phone       string                  `json:"phone,omitempty"`
	Role        permission.Role         `json:"role,omitempty"`
	Type        permission.AccountType  `json:"type,omitempty"`
	Permissions []permission.Capability `json:"permissions,omitempty"`
	Status      Status                  `json:"status,omitempty"`
	Addresses   []Address               `json:"addresses,omitempty"`
	Provider    Provider                `json:"provider,omitempty"`
}

func (u *User) AccountRole() permission.Role {
	if u == nil {
		return ""
	}
	return u.Role
}

func (u *User) AccountType() permission.AccountType {
	if u == nil {
		return ""
	}
	return u.Type
}

func (u *User) StoredCapabilities() []permission.Capability {
	if u == nil {
		return nil
	}
	return u.Permissions
}

// Can is shorthand for permission.HasCapability.
func (u *User) Can(c permission.Capability) bool {
	if u == nil {
		return false
	}
	return permission.HasCapability(u, c)
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Permissions = slices.Clone(u.Permissions)
	c.Addresses = slices.Clone(u.Addresses)
	return &c
}

// DefaultAddress returns the address flagged as default, falling back to the
// first entry.
func (u *User) DefaultAddress() (Address, bool) {
	if u == nil || len(u.Addresses) == 0 {
		return Address{}, false
	}
	for _, a := range u.Addresses {
		if a.IsDefault {
			return a, true
		}
	}
	return u.Addresses[0], true
}
