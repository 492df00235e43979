// Package permission derives what a console account may do from its role,
// account type and stored capability tags. Everything here is pure.
package permission

import (
	"fmt"
	"slices"
	"strings"
)

// Capability is a tag from the fixed console catalog.
type Capability string

const (
	ManageProducts    Capability = "manage-products"
	ManageOrders      Capability = "manage-orders"
	ManageUsers       Capability = "manage-users"
	ManageIngredients Capability = "manage-ingredients"
	ManageToppings    Capability = "manage-toppings"
	ViewReports       Capability = "view-reports"
)

// Role describes an account role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
	RoleUser  Role = "user"
)

// AccountType is the account class. Only staff accounts carry capabilities.
type AccountType string

const (
	TypeStaff    AccountType = "staff"
	TypeCustomer AccountType = "customer"
)

var catalog = []Capability{
	ManageProducts,
	ManageOrders,
	ManageUsers,
	ManageIngredients,
	ManageToppings,
	ViewReports,
}

var defaultStaff = []Capability{ManageProducts, ManageOrders}

// Catalog returns every assignable capability in display order.
func Catalog() []Capability {
	return slices.Clone(catalog)
}

// DefaultStaffCapabilities is the minimal set given to an account demoted
// from admin or newly promoted into the staff class.
func DefaultStaffCapabilities() []Capability {
	return slices.Clone(defaultStaff)
}

// Subject is anything carrying a role, an account type and stored tags.
type Subject interface {
	AccountRole() Role
	AccountType() AccountType
	StoredCapabilities() []Capability
}

// ClassAllowsPermissions reports whether accounts of type t may hold capabilities.
func ClassAllowsPermissions(t AccountType) bool {
	return t == TypeStaff
}

// EffectiveCapabilities returns the capabilities s actually holds. Admins hold
// the whole catalog whatever is stored; customer accounts hold nothing.
func EffectiveCapabilities(s Subject) []Capability {
	if s == nil {
		return []Capability{}
	}
	if s.AccountRole() == RoleAdmin {
		return Catalog()
	}
	if !ClassAllowsPermissions(s.AccountType()) {
		return []Capability{}
	}
	stored := s.StoredCapabilities()
	out := make([]Capability, 0, len(stored))
	for _, c := range stored {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// HasCapability reports whether c is among s's effective capabilities.
func HasCapability(s Subject, c Capability) bool {
	return slices.Contains(EffectiveCapabilities(s), c)
}

// ValidCapability reports whether c is in the catalog.
func ValidCapability(c string) bool {
	return slices.Contains(catalog, Capability(c))
}

// ValidRole returns true when role is one of the supported roles.
func ValidRole(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleStaff, RoleUser:
		return true
	default:
		return false
	}
}

// ValidAccountType returns true for staff and customer.
func ValidAccountType(t string) bool {
	switch AccountType(t) {
	case TypeStaff, TypeCustomer:
		return true
	default:
		return false
	}
}

// ParseCapabilities parses a comma separated list of tags, rejecting
// anything outside the catalog.
func ParseCapabilities(raw string) ([]Capability, error) {
	var out []Capability
	for _, part := range strings.Split(raw, ",") {
		tag := strings.TrimSpace(part)
		if tag == "" {
			continue
		}
		if !ValidCapability(tag) {
			return nil, fmt.Errorf("unknown capability %q", tag)
		}
		c := Capability(tag)
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out, nil
}
