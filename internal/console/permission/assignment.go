package permission

import (
	"errors"
	"slices"
)

// ErrNotEditable is returned when capabilities are set on an account whose
// capabilities are fixed by its role or type.
var ErrNotEditable = errors.New("capabilities are fixed for this account")

// Assignment is the editable access triple of an account, as shown on the
// staff editing screen.
type Assignment struct {
	Role        Role         `json:"role"`
	Type        AccountType  `json:"type"`
	Permissions []Capability `json:"permissions"`
}

func (a Assignment) AccountRole() Role                { return a.Role }
func (a Assignment) AccountType() AccountType         { return a.Type }
func (a Assignment) StoredCapabilities() []Capability { return a.Permissions }

// WithType moves the account to another class. Leaving the staff class drops
// every capability; joining it starts from the default staff set.
func (a Assignment) WithType(t AccountType) Assignment {
	if t == a.Type {
		return a.clone()
	}
	switch t {
	case TypeCustomer:
		return Assignment{Role: RoleUser, Type: TypeCustomer, Permissions: []Capability{}}
	case TypeStaff:
		return Assignment{Role: RoleStaff, Type: TypeStaff, Permissions: DefaultStaffCapabilities()}
	default:
		return a.clone()
	}
}

// WithRole changes the role. Promotion to admin stores the full catalog,
// demotion from admin to staff resets to the default staff set.
func (a Assignment) WithRole(r Role) Assignment {
	if r == a.Role {
		return a.clone()
	}
	switch r {
	case RoleAdmin:
		return Assignment{Role: RoleAdmin, Type: TypeStaff, Permissions: Catalog()}
	case RoleStaff:
		if a.Role == RoleAdmin || a.Type != TypeStaff {
			return Assignment{Role: RoleStaff, Type: TypeStaff, Permissions: DefaultStaffCapabilities()}
		}
		next := a.clone()
		next.Role = RoleStaff
		return next
	case RoleUser:
		return Assignment{Role: RoleUser, Type: TypeCustomer, Permissions: []Capability{}}
	default:
		return a.clone()
	}
}

// WithCapabilities replaces the stored tags of a staff account.
func (a Assignment) WithCapabilities(caps []Capability) (Assignment, error) {
	if a.Role == RoleAdmin || !ClassAllowsPermissions(a.Type) {
		return a.clone(), ErrNotEditable
	}
	next := a.clone()
	next.Permissions = make([]Capability, 0, len(caps))
	for _, c := range caps {
		if ValidCapability(string(c)) && !slices.Contains(next.Permissions, c) {
			next.Permissions = append(next.Permissions, c)
		}
	}
	return next, nil
}

func (a Assignment) clone() Assignment {
	a.Permissions = slices.Clone(a.Permissions)
	if a.Permissions == nil {
		a.Permissions = []Capability{}
	}
	return a
}
