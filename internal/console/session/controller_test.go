package session

import (
	"context"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/permission"
	"github.com/teahouse-ops/teaconsole/internal/console/pipeline"
)

var staffUser = identity.User{
	Name:        "Linh Tran",
	Email:       "linh@teahouse.test",
	Phone:       "0901234567",
	Role:        permission.RoleStaff,
	Type:        permission.TypeStaff,
	Permissions: []permission.Capability{permission.ManageOrders},
}

// holdsInvariant checks that a current user exists exactly when a token is
// stored.
func holdsInvariant(h *harness) {
	_, hasToken := h.store.AccessToken()
	Expect(h.controller.CurrentUser() != nil).To(Equal(hasToken))
}

var _ = Describe("Controller", func() {
	var (
		ctx context.Context
		h   *harness
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness(Options{})
		DeferCleanup(h.close)
	})

	Describe("Login", func() {
		It("stores the returned tokens and user", func() {
			h.backend.Respond(http.MethodPost, PathLogin, http.StatusOK,
				`{"user":{"id":"u1","role":"staff"},"tokens":{"access":{"token":"A"},"refresh":{"token":"R"}}}`)

			u, err := h.controller.Login(ctx, Credentials{Email: "a@b.com", Password: "secret"})
			Expect(err).NotTo(HaveOccurred())
			Expect(u.ID).To(Equal("u1"))

			token, ok := h.store.AccessToken()
			Expect(ok).To(BeTrue())
			Expect(token).To(Equal("A"))
			refresh, _ := h.store.RefreshToken()
			Expect(refresh).To(Equal("R"))
			Expect(h.controller.CurrentUser().ID).To(Equal("u1"))
			Expect(h.controller.Loading()).To(BeFalse())
			Expect(h.controller.State()).To(Equal(StateAuthenticated))

			cached, ok := h.controller.CachedUser()
			Expect(ok).To(BeTrue())
			Expect(cached.ID).To(Equal("u1"))
			holdsInvariant(h)
		})

		It("rejects a response without tokens and keeps the session anonymous", func() {
			h.backend.Respond(http.MethodPost, PathLogin, http.StatusOK, `{"user":{"id":"u1"}}`)

			_, err := h.controller.Login(ctx, Credentials{Email: "a@b.com", Password: "secret"})
			Expect(err).To(HaveOccurred())
			Expect(pipeline.IsMalformed(err)).To(BeTrue())

			var ae *AuthError
			Expect(errors.As(err, &ae)).To(BeTrue())
			Expect(ae.Message).To(Equal(msgMalformedAuth))

			Expect(h.controller.CurrentUser()).To(BeNil())
			_, ok := h.store.AccessToken()
			Expect(ok).To(BeFalse())
			_, ok = h.controller.CachedUser()
			Expect(ok).To(BeFalse())
			Expect(h.controller.Loading()).To(BeFalse())
		})

		It("leaves an existing session untouched when a second login is malformed", func() {
			h.backend.AddUser(staffUser, "secret1")
			first, err := h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "secret1"})
			Expect(err).NotTo(HaveOccurred())
			token, _ := h.store.AccessToken()

			h.backend.Respond(http.MethodPost, PathLogin, http.StatusOK, `{"tokens":{"access":{"token":"B"}}}`)
			_, err = h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "secret1"})
			Expect(pipeline.IsMalformed(err)).To(BeTrue())

			Expect(h.controller.CurrentUser().ID).To(Equal(first.ID))
			after, _ := h.store.AccessToken()
			Expect(after).To(Equal(token))
			holdsInvariant(h)
		})

		It("surfaces the server message for bad credentials", func() {
			h.backend.AddUser(staffUser, "secret1")

			_, err := h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "wrong"})
			var ae *AuthError
			Expect(errors.As(err, &ae)).To(BeTrue())
			Expect(ae.Message).To(Equal("Incorrect email or password"))
			Expect(pipeline.StatusOf(err)).To(Equal(http.StatusBadRequest))

			Expect(h.notes.all()).To(HaveLen(1))
			Expect(h.controller.State()).NotTo(Equal(StateAuthenticated))
			holdsInvariant(h)
		})

		It("validates the form before calling the backend", func() {
			_, err := h.controller.Login(ctx, Credentials{Email: "a@b.com"})
			var ve *ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
			Expect(ve.Fields).To(HaveKey("password"))
			Expect(h.backend.CallsTo(PathLogin)).To(BeEmpty())
		})
	})

	Describe("LoginWithOAuthProvider", func() {
		It("exchanges a provider token for a session", func() {
			h.backend.AddGoogleToken("google-id-token", identity.User{
				Name:  "Mai Pham",
				Email: "mai@teahouse.test",
				Role:  permission.RoleUser,
				Type:  permission.TypeCustomer,
			})

			u, err := h.controller.LoginWithOAuthProvider(ctx, "google-id-token")
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Provider).To(Equal(identity.ProviderGoogle))
			Expect(h.controller.State()).To(Equal(StateAuthenticated))

			calls := h.backend.CallsTo(PathGoogle)
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Body).To(HaveKeyWithValue("token", "google-id-token"))
			holdsInvariant(h)
		})

		It("fails without contacting the backend when the token is empty", func() {
			_, err := h.controller.LoginWithOAuthProvider(ctx, "")
			Expect(err).To(HaveOccurred())
			Expect(h.backend.CallsTo(PathGoogle)).To(BeEmpty())
		})
	})

	Describe("Start", func() {
		It("becomes anonymous without a stored token", func() {
			Expect(h.controller.Start(ctx)).To(Succeed())
			Expect(h.controller.State()).To(Equal(StateAnonymous))
			Expect(h.backend.CallsTo(PathVerify)).To(BeEmpty())
		})

		It("restores a session from a valid stored token", func() {
			u := h.backend.AddUser(staffUser, "secret1")
			h.store.WriteCredentials(credstoreBundle(h.backend.IssueToken(u)))

			Expect(h.controller.Start(ctx)).To(Succeed())
			Expect(h.controller.State()).To(Equal(StateAuthenticated))
			Expect(h.controller.CurrentUser().Email).To(Equal(staffUser.Email))
			holdsInvariant(h)
		})

		It("clears a rejected token and cached identity without notifying", func() {
			u := h.backend.AddUser(staffUser, "secret1")
			h.store.WriteCredentials(credstoreBundle(h.backend.IssueToken(u)))
			h.store.WriteCachedIdentity(&u)
			h.backend.RevokeAll()

			err := h.controller.Start(ctx)
			Expect(pipeline.IsUnauthorized(err)).To(BeTrue())
			Expect(h.controller.State()).To(Equal(StateAnonymous))
			_, ok := h.controller.CachedUser()
			Expect(ok).To(BeFalse())
			Expect(h.notes.all()).To(BeEmpty())
			holdsInvariant(h)
		})

		It("treats a verify response without a user as a failure", func() {
			u := h.backend.AddUser(staffUser, "secret1")
			h.store.WriteCredentials(credstoreBundle(h.backend.IssueToken(u)))
			h.backend.Respond(http.MethodGet, PathVerify, http.StatusOK, `{}`)

			err := h.controller.Start(ctx)
			Expect(pipeline.IsMalformed(err)).To(BeTrue())
			_, ok := h.store.AccessToken()
			Expect(ok).To(BeFalse())
			holdsInvariant(h)
		})
	})

	Describe("a protected call answered with 401", func() {
		It("drops the token and the user without an explicit logout", func() {
			h.backend.AddUser(staffUser, "secret1")
			_, err := h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "secret1"})
			Expect(err).NotTo(HaveOccurred())

			Expect(h.client.Get(ctx, "/orders", nil)).To(Succeed())

			h.backend.RevokeAll()
			err = h.client.Get(ctx, "/orders", nil)
			Expect(pipeline.IsUnauthorized(err)).To(BeTrue())

			_, ok := h.store.AccessToken()
			Expect(ok).To(BeFalse())
			Expect(h.controller.CurrentUser()).To(BeNil())
			Expect(h.controller.State()).To(Equal(StateAnonymous))
			Expect(h.backend.CallsTo(PathLogout)).To(BeEmpty())
		})

		It("keeps the session on 403", func() {
			h.backend.AddUser(identity.User{
				Email: "cashier@teahouse.test",
				Role:  permission.RoleStaff,
				Type:  permission.TypeStaff,
			}, "secret1")
			_, err := h.controller.Login(ctx, Credentials{Email: "cashier@teahouse.test", Password: "secret1"})
			Expect(err).NotTo(HaveOccurred())

			err = h.client.Get(ctx, "/orders", nil)
			Expect(pipeline.IsForbidden(err)).To(BeTrue())
			Expect(h.controller.State()).To(Equal(StateAuthenticated))
			holdsInvariant(h)
		})
	})

	Describe("Logout", func() {
		It("is safe to call twice", func() {
			h.backend.AddUser(staffUser, "secret1")
			_, err := h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "secret1"})
			Expect(err).NotTo(HaveOccurred())
			token, _ := h.store.AccessToken()

			h.controller.Logout(ctx)
			Expect(h.controller.State()).To(Equal(StateAnonymous))
			holdsInvariant(h)

			h.controller.Logout(ctx)
			Expect(h.controller.State()).To(Equal(StateAnonymous))
			holdsInvariant(h)

			calls := h.backend.CallsTo(PathLogout)
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Authorization).To(Equal("Bearer " + token))
		})

		It("ignores backend failures", func() {
			h.backend.AddUser(staffUser, "secret1")
			_, err := h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "secret1"})
			Expect(err).NotTo(HaveOccurred())
			h.backend.Respond(http.MethodPost, PathLogout, http.StatusInternalServerError, `{"message":"boom"}`)

			h.controller.Logout(ctx)
			Expect(h.controller.State()).To(Equal(StateAnonymous))
			Expect(h.notes.all()).To(BeEmpty())
		})
	})

	Describe("UpdateIdentity", func() {
		It("merges accepted changes into the user and the cache", func() {
			h.backend.AddUser(staffUser, "secret1")
			_, err := h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "secret1"})
			Expect(err).NotTo(HaveOccurred())

			name := "Linh T."
			u, err := h.controller.UpdateIdentity(identity.Patch{Name: &name})
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Name).To(Equal(name))
			Expect(u.Email).To(Equal(staffUser.Email))

			cached, _ := h.controller.CachedUser()
			Expect(cached.Name).To(Equal(name))
		})

		It("fails without a session", func() {
			name := "x"
			_, err := h.controller.UpdateIdentity(identity.Patch{Name: &name})
			Expect(err).To(MatchError(ErrNotAuthenticated))
		})
	})

	Describe("Subscribe", func() {
		It("delivers the current snapshot and later changes", func() {
			h.backend.AddUser(staffUser, "secret1")
			ch := h.controller.Subscribe("view")
			Expect((<-ch).State).To(Equal(StateUnknown))

			_, err := h.controller.Login(ctx, Credentials{Email: staffUser.Email, Password: "secret1"})
			Expect(err).NotTo(HaveOccurred())

			var last Snapshot
			Eventually(ch).Should(Receive(&last))
			for len(ch) > 0 {
				last = <-ch
			}
			Expect(last.Authenticated()).To(BeTrue())
			Expect(last.Loading).To(BeFalse())

			h.controller.Unsubscribe("view")
			Eventually(ch).Should(BeClosed())
		})
	})
})
