package identity

import "slices"

// Patch carries the profile fields a profile edit may change. Nil fields are
// left untouched.
type Patch struct {
	Name      *string    `json:"name,omitempty"`
	Email     *string    `json:"email,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
	Status    *Status    `json:"status,omitempty"`
	Addresses *[]Address `json:"addresses,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Phone == nil && p.Status == nil && p.Addresses == nil
}

// Apply returns a copy of u with the patch merged in.
func (p Patch) Apply(u *User) *User {
	if u == nil {
		return nil
	}
	out := u.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Email != nil {
		out.Email = *p.Email
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Addresses != nil {
		out.Addresses = slices.Clone(*p.Addresses)
	}
	return out
}
