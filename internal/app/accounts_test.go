package app

import (
	"errors"
	"testing"
	"time"

	"bookstore/pkg/store"
	"bookstore/pkg/token"
)

// testClock is a movable time source shared by the token service and the
// test's own assertions.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)}
	tokens, err := token.NewService([]byte("test-signing-secret"), token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	st := store.NewMemoryStore()
	a, err := New(Config{Store: st, Tokens: tokens})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, clock
}

func TestRegisterRejectsDuplicateUser(t *testing.T) {
	a, st, _ := newTestApp(t)

	if err := a.Accounts.Register("alice", "opensesame"); err != nil {
		t.Fatalf("register: %v", err)
	}
	u, ok, err := st.GetUser("alice")
	if err != nil || !ok {
		t.Fatalf("GetUser = ok %v, err %v", ok, err)
	}
	if u.Balance != 0 {
		t.Fatalf("fresh account balance = %d, want 0", u.Balance)
	}
	if u.Token == "" || u.Terminal == "" {
		t.Fatal("fresh account is missing its initial session pair")
	}

	if err := a.Accounts.Register("alice", "different"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate register err = %v, want ErrUserExists", err)
	}
}

func TestLoginIssuesValidToken(t *testing.T) {
	a, _, _ := newTestApp(t)

	if err := a.Accounts.Register("alice", "opensesame"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := a.Accounts.Login("alice", "wrong", "laptop"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("wrong password err = %v, want ErrAuthorization", err)
	}
	if _, err := a.Accounts.Login("nobody", "opensesame", "laptop"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("unknown user err = %v, want ErrAuthorization", err)
	}

	tok, err := a.Accounts.Login("alice", "opensesame", "laptop")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if tok == "" {
		t.Fatal("login returned an empty token")
	}
	if err := a.Accounts.CheckToken("alice", tok); err != nil {
		t.Fatalf("check token: %v", err)
	}
	if err := a.Accounts.CheckToken("bob", tok); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("foreign user check err = %v, want ErrAuthorization", err)
	}
}

func TestLoginSupersedesPreviousSession(t *testing.T) {
	a, _, clock := newTestApp(t)

	if err := a.Accounts.Register("alice", "opensesame"); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := a.Accounts.Login("alice", "opensesame", "laptop")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}

	// Re-login from the same terminal without the clock moving: the narrowest
	// rotation there is, and the prior token must still die.
	second, err := a.Accounts.Login("alice", "opensesame", "laptop")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct tokens across same-second logins")
	}
	if err := a.Accounts.CheckToken("alice", first); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("superseded token err = %v, want ErrAuthorization", err)
	}
	if err := a.Accounts.CheckToken("alice", second); err != nil {
		t.Fatalf("live token: %v", err)
	}

	clock.Advance(time.Second)
	third, err := a.Accounts.Login("alice", "opensesame", "phone")
	if err != nil {
		t.Fatalf("third login: %v", err)
	}
	if err := a.Accounts.CheckToken("alice", second); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("token from replaced session err = %v, want ErrAuthorization", err)
	}
	if err := a.Accounts.CheckToken("alice", third); err != nil {
		t.Fatalf("live token: %v", err)
	}
}

func TestTokenExpires(t *testing.T) {
	a, _, clock := newTestApp(t)

	if err := a.Accounts.Register("alice", "opensesame"); err != nil {
		t.Fatalf("register: %v", err)
	}
	tok, err := a.Accounts.Login("alice", "opensesame", "laptop")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Exactly at the lifetime the token still validates.
	clock.Advance(token.DefaultLifetime)
	if err := a.Accounts.CheckToken("alice", tok); err != nil {
		t.Fatalf("token at lifetime boundary: %v", err)
	}
	clock.Advance(time.Second)
	if err := a.Accounts.CheckToken("alice", tok); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expired token err = %v, want ErrAuthorization", err)
	}
}

func TestLogoutBurnsSession(t *testing.T) {
	a, _, _ := newTestApp(t)

	if err := a.Accounts.Register("alice", "opensesame"); err != nil {
		t.Fatalf("register: %v", err)
	}
	tok, err := a.Accounts.Login("alice", "opensesame", "laptop")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := a.Accounts.Logout("alice", "garbage"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("logout with bogus token err = %v, want ErrAuthorization", err)
	}
	if err := a.Accounts.Logout("alice", tok); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := a.Accounts.CheckToken("alice", tok); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("token after logout err = %v, want ErrAuthorization", err)
	}
	if err := a.Accounts.Logout("alice", tok); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("second logout err = %v, want ErrAuthorization", err)
	}
}

func TestUnregisterFreesUserID(t *testing.T) {
	a, _, _ := newTestApp(t)

	if err := a.Accounts.Register("alice", "opensesame"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Accounts.Unregister("alice", "wrong"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("unregister wrong password err = %v, want ErrAuthorization", err)
	}
	if err := a.Accounts.Unregister("alice", "opensesame"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := a.Accounts.Login("alice", "opensesame", "laptop"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("login after unregister err = %v, want ErrAuthorization", err)
	}
	if err := a.Accounts.Register("alice", "fresh-start"); err != nil {
		t.Fatalf("re-register freed id: %v", err)
	}
}

func TestChangePasswordRotatesSession(t *testing.T) {
	a, _, _ := newTestApp(t)

	if err := a.Accounts.Register("alice", "opensesame"); err != nil {
		t.Fatalf("register: %v", err)
	}
	tok, err := a.Accounts.Login("alice", "opensesame", "laptop")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := a.Accounts.ChangePassword("alice", "wrong", "next-secret"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("change with wrong old password err = %v, want ErrAuthorization", err)
	}
	if err := a.Accounts.ChangePassword("alice", "opensesame", "next-secret"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if err := a.Accounts.CheckToken("alice", tok); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("token after password change err = %v, want ErrAuthorization", err)
	}
	if _, err := a.Accounts.Login("alice", "opensesame", "laptop"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("login with old password err = %v, want ErrAuthorization", err)
	}
	if _, err := a.Accounts.Login("alice", "next-secret", "laptop"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}
