package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/teahouse-ops/teaconsole/internal/console/backendtest"
	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

type testEnv struct {
	t       *testing.T
	backend *backendtest.Server
	dir     string
	config  string
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	backend := backendtest.New()
	t.Cleanup(backend.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`api:
  base_url: %s
storage:
  driver: file
  path: %s
otp:
  resend_cooldown: 0s
log:
  level: error
%s`, backend.URL, filepath.Join(dir, "credentials.json"), extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &testEnv{t: t, backend: backend, dir: dir, config: path}
}

type result struct {
	stdout string
	stderr string
	err    error
}

func (e *testEnv) run(stdin string, args ...string) result {
	e.t.Helper()
	opts := &rootOptions{}
	cmd := newRootCmd(opts)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.config}, args...))

	err := cmd.Execute()
	if err != nil {
		opts.report(&stderr, err)
	}
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func (e *testEnv) mustRun(stdin string, args ...string) result {
	e.t.Helper()
	r := e.run(stdin, args...)
	if r.err != nil {
		e.t.Fatalf("teaconsole %s: %v\nstderr:\n%s", strings.Join(args, " "), r.err, r.stderr)
	}
	return r
}

var (
	admin = identity.User{
		Name:        "Hoa Nguyen",
		Email:       "hoa@teahouse.test",
		Role:        permission.RoleAdmin,
		Type:        permission.TypeStaff,
		Permissions: []permission.Capability{},
	}
	barista = identity.User{
		Name:        "Minh Vo",
		Email:       "minh@teahouse.test",
		Role:        permission.RoleStaff,
		Type:        permission.TypeStaff,
		Permissions: permission.DefaultStaffCapabilities(),
	}
)

func TestLoginWhoAmIStatusLogout(t *testing.T) {
	env := newTestEnv(t, "")
	u := env.backend.AddUser(admin, "oolong1")

	r := env.mustRun("", "login", "--email", admin.Email, "--password", "oolong1")
	if !strings.Contains(r.stderr, "Logged in as Hoa Nguyen") {
		t.Fatalf("stderr = %q", r.stderr)
	}

	r = env.mustRun("", "whoami", "-o", "json")
	var view accountView
	if err := json.Unmarshal([]byte(r.stdout), &view); err != nil {
		t.Fatalf("decode whoami: %v\n%s", err, r.stdout)
	}
	if view.ID != u.ID || !slices.Equal(view.Capabilities, permission.Catalog()) {
		t.Fatalf("whoami = %+v", view)
	}

	r = env.mustRun("", "status", "-o", "json")
	var status statusView
	if err := json.Unmarshal([]byte(r.stdout), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, r.stdout)
	}
	if status.State != "authenticated" || !status.HasToken || !status.HasRefresh {
		t.Fatalf("status = %+v", status)
	}
	if status.Claims["sub"] != u.ID || status.ExpiresAt == nil {
		t.Fatalf("claims = %v, expires = %v", status.Claims, status.ExpiresAt)
	}

	r = env.mustRun("", "logout")
	if !strings.Contains(r.stderr, "Logged out") {
		t.Fatalf("stderr = %q", r.stderr)
	}
	if calls := env.backend.CallsTo("/auth/logout"); len(calls) != 1 {
		t.Fatalf("logout calls = %d, want 1", len(calls))
	}

	r = env.mustRun("", "logout")
	if !strings.Contains(r.stderr, "No stored session") {
		t.Fatalf("second logout stderr = %q", r.stderr)
	}

	if r = env.run("", "whoami"); r.err == nil {
		t.Fatalf("whoami after logout should fail")
	}
	if r = env.run("", "whoami", "--offline"); r.err == nil {
		t.Fatalf("logout should also clear the cached profile")
	}
}

func TestWhoAmIShowsDefaultAddress(t *testing.T) {
	env := newTestEnv(t, "")
	customer := identity.User{
		Name:  "Lan Tran",
		Email: "lan@teahouse.test",
		Role:  permission.RoleUser,
		Type:  permission.TypeCustomer,
		Addresses: []identity.Address{
			{Label: "Office", Street: "1 Le Loi", City: "Hue"},
			{Label: "Home", Street: "12 Hang Bac", District: "Hoan Kiem", City: "Ha Noi", IsDefault: true},
		},
	}
	env.backend.AddUser(customer, "lotus12")
	env.mustRun("", "login", "--email", customer.Email, "--password", "lotus12")

	r := env.mustRun("", "whoami")
	if !strings.Contains(r.stdout, "Address:  Home: 12 Hang Bac, Hoan Kiem, Ha Noi") {
		t.Fatalf("stdout = %q", r.stdout)
	}

	r = env.mustRun("", "whoami", "-o", "json")
	var view accountView
	if err := json.Unmarshal([]byte(r.stdout), &view); err != nil {
		t.Fatalf("decode whoami: %v\n%s", err, r.stdout)
	}
	if view.Address != "Home: 12 Hang Bac, Hoan Kiem, Ha Noi" {
		t.Fatalf("address = %q", view.Address)
	}
}

func TestLoginPromptsForMissingFields(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.AddUser(barista, "jasmine1")

	env.mustRun(barista.Email+"\njasmine1\n", "login")

	r := env.mustRun("", "whoami", "--offline")
	if !strings.Contains(r.stdout, "Minh Vo") || !strings.Contains(r.stdout, "cached profile") {
		t.Fatalf("stdout = %q", r.stdout)
	}
}

func TestLoginFailureIsReportedOnce(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.AddUser(barista, "jasmine1")

	r := env.run("", "login", "--email", barista.Email, "--password", "wrong")
	if r.err == nil {
		t.Fatalf("expected login to fail")
	}
	if n := strings.Count(r.stderr, "Incorrect email or password"); n != 1 {
		t.Fatalf("message printed %d times:\n%s", n, r.stderr)
	}
}

func TestLoginValidationListsFields(t *testing.T) {
	env := newTestEnv(t, "")

	r := env.run("\n\n", "login")
	if r.err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(r.stderr, "  - email: This field is required") {
		t.Fatalf("stderr = %q", r.stderr)
	}
	if calls := env.backend.CallsTo("/auth/login"); len(calls) != 0 {
		t.Fatalf("backend was called %d times", len(calls))
	}
}

func TestRevokedSessionIsCleared(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.AddUser(barista, "jasmine1")
	env.mustRun("", "login", "--email", barista.Email, "--password", "jasmine1")

	env.backend.RevokeAll()
	r := env.run("", "profile", "update", "--name", "Minh V.")
	if r.err == nil || !strings.Contains(r.stderr, "teaconsole login") {
		t.Fatalf("err = %v, stderr = %q", r.err, r.stderr)
	}

	r = env.mustRun("", "status", "-o", "json")
	if !strings.Contains(r.stdout, `"has_token": false`) {
		t.Fatalf("token should be gone: %s", r.stdout)
	}
}

func TestProfileUpdate(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.AddUser(barista, "jasmine1")
	env.mustRun("", "login", "--email", barista.Email, "--password", "jasmine1")

	env.mustRun("", "profile", "update", "--name", "Minh V.", "--phone", "0987654321")

	stored, _ := env.backend.User(barista.Email)
	if stored.Name != "Minh V." || stored.Phone != "0987654321" {
		t.Fatalf("backend user = %+v", stored)
	}
	r := env.mustRun("", "whoami", "--offline", "-o", "yaml")
	if !strings.Contains(r.stdout, "name: Minh V.") {
		t.Fatalf("cached profile not updated:\n%s", r.stdout)
	}

	if r := env.run("", "profile", "update"); r.err == nil {
		t.Fatalf("update without flags should fail")
	}
}

func TestRegisterWithOTPFlag(t *testing.T) {
	env := newTestEnv(t, "")

	r := env.mustRun("", "register",
		"--name", "Quan Le",
		"--email", "quan@teahouse.test",
		"--phone", "0912345678",
		"--password", "matcha1",
		"--otp", backendtest.DefaultOTP,
	)
	if !strings.Contains(r.stderr, "Registration complete") {
		t.Fatalf("stderr = %q", r.stderr)
	}
	if _, ok := env.backend.User("quan@teahouse.test"); !ok {
		t.Fatalf("account was not created")
	}

	status := env.mustRun("", "status", "-o", "json")
	if !strings.Contains(status.stdout, `"state": "anonymous"`) {
		t.Fatalf("registration must not sign in: %s", status.stdout)
	}
}

func TestRegisterPromptResend(t *testing.T) {
	env := newTestEnv(t, "")

	env.mustRun("resend\n"+backendtest.DefaultOTP+"\n", "register",
		"--name", "Quan Le",
		"--email", "quan@teahouse.test",
		"--phone", "0912345678",
		"--password", "matcha1",
	)
	if calls := env.backend.CallsTo("/auth/register/send-otp"); len(calls) != 2 {
		t.Fatalf("send-otp calls = %d, want 2", len(calls))
	}
	if _, ok := env.backend.User("quan@teahouse.test"); !ok {
		t.Fatalf("account was not created")
	}
}

func TestPasswordForgot(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.AddUser(barista, "jasmine1")

	env.mustRun("", "password", "forgot",
		"--email", barista.Email,
		"--otp", backendtest.DefaultOTP,
		"--new-password", "genmai22",
	)
	if !env.backend.CheckPassword(barista.Email, "genmai22") {
		t.Fatalf("password was not changed")
	}
	env.mustRun("", "login", "--email", barista.Email, "--password", "genmai22")
}

func TestPasswordResetCommand(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.AddUser(barista, "jasmine1")

	r := env.run("", "password", "reset", "--email", barista.Email, "--otp", "123", "--new-password", "genmai22")
	if r.err == nil || !strings.Contains(r.stderr, "otp:") {
		t.Fatalf("short code should fail locally: %v\n%s", r.err, r.stderr)
	}
}

func TestStaffAccess(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.AddUser(admin, "oolong1")
	target := env.backend.AddUser(barista, "jasmine1")
	env.mustRun("", "login", "--email", admin.Email, "--password", "oolong1")

	r := env.mustRun("", "staff", "access", target.ID, "--role", "admin", "--dry-run", "-o", "json")
	var change assignmentChange
	if err := json.Unmarshal([]byte(r.stdout), &change); err != nil {
		t.Fatalf("decode: %v\n%s", err, r.stdout)
	}
	if !slices.Equal(change.After.Permissions, permission.Catalog()) {
		t.Fatalf("promotion should store the catalog, got %v", change.After.Permissions)
	}
	if stored, _ := env.backend.User(barista.Email); stored.Role != permission.RoleStaff {
		t.Fatalf("dry run changed the account")
	}

	env.mustRun("", "staff", "access", target.ID, "--grant", "view-reports", "--revoke", "manage-products")
	stored, _ := env.backend.User(barista.Email)
	want := []permission.Capability{permission.ManageOrders, permission.ViewReports}
	if !slices.Equal(stored.Permissions, want) {
		t.Fatalf("permissions = %v, want %v", stored.Permissions, want)
	}

	env.mustRun("", "staff", "access", target.ID, "--type", "customer")
	stored, _ = env.backend.User(barista.Email)
	if stored.Role != permission.RoleUser || len(stored.Permissions) != 0 {
		t.Fatalf("customer account = %+v", stored)
	}

	r = env.run("", "staff", "access", target.ID, "--grant", "manage-orders")
	if r.err == nil || !strings.Contains(r.stderr, "fixed") {
		t.Fatalf("customer capabilities must not be editable: %v\n%s", r.err, r.stderr)
	}
}

func TestStaffAccessRequiresManageUsers(t *testing.T) {
	env := newTestEnv(t, "")
	target := env.backend.AddUser(admin, "oolong1")
	env.backend.AddUser(barista, "jasmine1")
	env.mustRun("", "login", "--email", barista.Email, "--password", "jasmine1")

	r := env.run("", "staff", "access", target.ID, "--role", "user")
	if r.err == nil || !strings.Contains(r.stderr, "manage-users") {
		t.Fatalf("err = %v, stderr = %q", r.err, r.stderr)
	}
	if calls := env.backend.CallsTo("/users/" + target.ID); len(calls) != 0 {
		t.Fatalf("target was fetched without the capability")
	}
}

func TestCapabilitiesAndVersion(t *testing.T) {
	env := newTestEnv(t, "")

	r := env.mustRun("", "capabilities", "-o", "yaml")
	if !strings.Contains(r.stdout, "capability: manage-products") || !strings.Contains(r.stdout, "default_for_staff: true") {
		t.Fatalf("stdout = %q", r.stdout)
	}

	r = env.mustRun("", "version")
	if !strings.HasPrefix(r.stdout, "teaconsole dev") {
		t.Fatalf("stdout = %q", r.stdout)
	}

	if r = env.run("", "capabilities", "-o", "xml"); r.err == nil {
		t.Fatalf("unknown output format should fail")
	}
}

func TestMetricsTextfile(t *testing.T) {
	metrics := filepath.Join(t.TempDir(), "teaconsole.prom")
	env := newTestEnv(t, "metrics:\n  textfile: "+metrics+"\n")
	env.backend.AddUser(barista, "jasmine1")

	env.mustRun("", "login", "--email", barista.Email, "--password", "jasmine1")

	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), `teaconsole_api_requests_total{code="200",method="POST"} 1`) {
		t.Fatalf("metrics:\n%s", data)
	}
}
