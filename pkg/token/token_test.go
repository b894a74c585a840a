package token

import (
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(nil); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc, err := NewService([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	tok, terminal, err := svc.Rotate("alice")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !strings.HasPrefix(terminal, "terminal_") {
		t.Fatalf("terminal = %q, want terminal_ prefix", terminal)
	}
	if !svc.Validate("alice", tok, tok) {
		t.Fatalf("expected freshly issued token to validate")
	}
}

func TestIssueUniquePerCall(t *testing.T) {
	frozen := time.Unix(1_700_000_000, 0)
	svc, err := NewService([]byte("unit-test-secret"), WithClock(func() time.Time { return frozen }))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// Same user, same terminal, same clock instant: signing is deterministic,
	// so only the jti nonce separates these two tokens.
	old, err := svc.Issue("alice", "terminal-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	live, err := svc.Issue("alice", "terminal-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if old == live {
		t.Fatal("expected re-issue in the same second to mint a distinct token")
	}
	if svc.Validate("alice", live, old) {
		t.Fatalf("expected superseded token to fail")
	}
	if !svc.Validate("alice", live, live) {
		t.Fatalf("expected live token to validate")
	}
}

func TestValidateRejectsSupersededToken(t *testing.T) {
	svc, err := NewService([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	old, err := svc.Issue("alice", "terminal-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	live, err := svc.Issue("alice", "terminal-2")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// The old token still has a valid signature, but it is no longer the
	// stored credential.
	if svc.Validate("alice", live, old) {
		t.Fatalf("expected superseded token to fail")
	}
	if !svc.Validate("alice", live, live) {
		t.Fatalf("expected live token to validate")
	}
}

func TestValidateRejectsForeignUser(t *testing.T) {
	svc, err := NewService([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	tok, err := svc.Issue("alice", "terminal-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if svc.Validate("bob", tok, tok) {
		t.Fatalf("expected token signed for alice to fail for bob")
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	issuer, err := NewService([]byte("secret-one"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	verifier, err := NewService([]byte("secret-two"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	tok, err := issuer.Issue("alice", "terminal-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if verifier.Validate("alice", tok, tok) {
		t.Fatalf("expected token from another secret to fail")
	}
}

func TestValidateExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc, err := NewService([]byte("unit-test-secret"),
		WithLifetime(10*time.Second),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	tok, err := svc.Issue("alice", "terminal-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(10 * time.Second)
	if !svc.Validate("alice", tok, tok) {
		t.Fatalf("expected token at exact lifetime boundary to validate")
	}

	now = now.Add(time.Second)
	if svc.Validate("alice", tok, tok) {
		t.Fatalf("expected token past lifetime to fail")
	}
}

func TestValidateRejectsMissingTimestamp(t *testing.T) {
	svc, err := NewService([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	bare := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  "alice",
		"terminal": "terminal-1",
	})
	tok, err := bare.SignedString(svc.userKey("alice"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if svc.Validate("alice", tok, tok) {
		t.Fatalf("expected token without timestamp claim to fail")
	}
}

func TestValidateRejectsUnexpectedAlgorithm(t *testing.T) {
	svc, err := NewService([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	claims := Claims{UserID: "alice", Terminal: "terminal-1", Timestamp: time.Now().Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(svc.userKey("alice"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if svc.Validate("alice", tok, tok) {
		t.Fatalf("expected non-HS256 token to fail")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc, err := NewService([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Validate("alice", "not-a-jwt", "not-a-jwt") {
		t.Fatalf("expected malformed token to fail")
	}
	if svc.Validate("alice", "", "") {
		t.Fatalf("expected empty token to fail")
	}
}
