package identity

import (
	"encoding/json"
	"testing"

	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

func TestUserDecodesBackendShape(t *testing.T) {
	raw := `{"id":"u1","name":"Mai","role":"staff","type":"staff",
		"permissions":["manage-orders"],"status":"active","provider":"google",
		"addresses":[{"id":"a1","city":"Hanoi"},{"id":"a2","city":"Hue","isDefault":true}]}`

	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.ID != "u1" || u.Role != permission.RoleStaff || u.Provider != ProviderGoogle {
		t.Fatalf("unexpected user: %+v", u)
	}
	if !u.Can(permission.ManageOrders) || u.Can(permission.ManageUsers) {
		t.Fatalf("capability check mismatch for %v", u.Permissions)
	}
	addr, ok := u.DefaultAddress()
	if !ok || addr.ID != "a2" {
		t.Fatalf("expected default address a2, got %+v", addr)
	}
}

func TestNilUserHoldsNothing(t *testing.T) {
	var u *User
	if u.Can(permission.ManageOrders) {
		t.Fatal("nil user must hold nothing")
	}
	if u.Clone() != nil {
		t.Fatal("clone of nil should be nil")
	}
}

func TestPatchApply(t *testing.T) {
	base := &User{ID: "u1", Name: "Old", Email: "old@example.com", Addresses: []Address{{ID: "a1"}}}
	name := "New"
	addrs := []Address{{ID: "a2", IsDefault: true}}

	got := Patch{Name: &name, Addresses: &addrs}.Apply(base)
	if got.Name != "New" || got.Email != "old@example.com" {
		t.Fatalf("unexpected merge: %+v", got)
	}
	if len(got.Addresses) != 1 || got.Addresses[0].ID != "a2" {
		t.Fatalf("addresses not replaced: %+v", got.Addresses)
	}
	if base.Name != "Old" || base.Addresses[0].ID != "a1" {
		t.Fatal("apply must not mutate its input")
	}

	if !(Patch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
	if (Patch{Name: &name}).Empty() {
		t.Fatal("patch with a name is not empty")
	}
}
