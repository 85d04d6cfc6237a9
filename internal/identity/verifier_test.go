package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"paygate/internal/config"
)

const testSigningKey = "test-signing-key-for-unit-tests"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.SigningKey = testSigningKey
	cfg.Auth.Issuer = "paygate-test"
	cfg.Auth.Audience = "paygate-app"
	cfg.Auth.TokenTTL = time.Hour
	return cfg
}

func fixedNow(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	issuer := NewIssuer(cfg)
	issuer.Now = fixedNow(now)
	verifier := NewVerifier(cfg)
	verifier.Now = fixedNow(now.Add(time.Minute))

	token, minted, err := issuer.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	session, err := verifier.Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if session.ActorID != "user-1" || session.TokenID != minted.TokenID {
		t.Fatalf("unexpected session: %+v", session)
	}
	if !session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}
	if !session.IssuedAt.Equal(now) || !minted.IssuedAt.Equal(now) {
		t.Fatalf("unexpected issued at: verified %s minted %s", session.IssuedAt, minted.IssuedAt)
	}
}

func TestVerifyWithoutIssuedAt(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	verifier := NewVerifier(cfg)
	verifier.Now = fixedNow(now)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "paygate-test",
		"aud": "paygate-app",
		"sub": "user-1",
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	session, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !session.IssuedAt.IsZero() {
		t.Fatalf("expected zero issued at, got %s", session.IssuedAt)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()

	sign := func(claims jwt.MapClaims, key string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": "paygate-test",
			"aud": "paygate-app",
			"sub": "user-1",
			"exp": now.Add(time.Hour).Unix(),
		}
	}

	expired := valid()
	expired["exp"] = now.Add(-time.Minute).Unix()
	wrongIssuer := valid()
	wrongIssuer["iss"] = "someone-else"
	noSubject := valid()
	delete(noSubject, "sub")
	noExpiry := valid()
	delete(noExpiry, "exp")

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "expired", token: sign(expired, testSigningKey)},
		{name: "wrong issuer", token: sign(wrongIssuer, testSigningKey)},
		{name: "wrong key", token: sign(valid(), "other-key")},
		{name: "no subject", token: sign(noSubject, testSigningKey)},
		{name: "no expiry", token: sign(noExpiry, testSigningKey)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := NewVerifier(cfg)
			verifier.Now = fixedNow(now)
			if _, err := verifier.Verify(tc.token); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
		})
	}
}

func TestVerifyWithoutSigningKey(t *testing.T) {
	verifier := &Verifier{}
	if _, err := verifier.Verify("abc.def.ghi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestIssueRequiresActor(t *testing.T) {
	if _, _, err := NewIssuer(testConfig()).Issue("  "); err == nil {
		t.Fatal("expected error for empty actor")
	}
}
