package service

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/dpmtasks/taskauth/internal/model"
)

func newTOTPUser(t *testing.T, s *TOTPService) *model.User {
	t.Helper()
	secret, err := s.GenerateSecret("ana@x.com")
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	return &model.User{ID: 1, Email: "ana@x.com", TOTPSecret: &secret, IsActive: true}
}

func codeAt(t *testing.T, u *model.User, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(*u.TOTPSecret, at, validateOpts)
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

func TestVerifyCodeWindow(t *testing.T) {
	s := NewTOTPService("")
	u := newTOTPUser(t, s)

	now := time.Unix(1_700_000_015, 0)
	s.now = func() time.Time { return now }

	current := codeAt(t, u, now)
	if !s.VerifyCode(u, current) {
		t.Fatal("expected current code to verify")
	}
	if !s.VerifyCode(u, codeAt(t, u, now.Add(-30*time.Second))) {
		t.Error("expected previous step to verify")
	}
	if !s.VerifyCode(u, codeAt(t, u, now.Add(30*time.Second))) {
		t.Error("expected next step to verify")
	}

	for _, offset := range []time.Duration{-90 * time.Second, 90 * time.Second, 10 * time.Minute} {
		far := codeAt(t, u, now.Add(offset))
		if far == current {
			continue // one-in-a-million collision with the current code
		}
		if s.VerifyCode(u, far) {
			t.Errorf("expected code %v away to be rejected", offset)
		}
	}
}

func TestVerifyCodeMalformed(t *testing.T) {
	s := NewTOTPService("")
	u := newTOTPUser(t, s)

	for _, code := range []string{"", "abc", "12345", "1234567", "abcdef", "12 34 56", "-12345"} {
		if s.VerifyCode(u, code) {
			t.Errorf("expected malformed code %q to be rejected", code)
		}
	}
}

func TestVerifyCodeWithoutSecret(t *testing.T) {
	s := NewTOTPService("")

	if s.VerifyCode(nil, "123456") {
		t.Error("expected nil user to be rejected")
	}
	if s.VerifyCode(&model.User{Email: "x@x.com"}, "123456") {
		t.Error("expected user without secret to be rejected")
	}

	broken := "not base32 at all!"
	if s.VerifyCode(&model.User{Email: "x@x.com", TOTPSecret: &broken}, "123456") {
		t.Error("expected undecodable secret to be rejected")
	}
}

func TestProvisioningURI(t *testing.T) {
	s := NewTOTPService("")
	u := newTOTPUser(t, s)

	uri, err := s.ProvisioningURI(u)
	if err != nil {
		t.Fatalf("ProvisioningURI: %v", err)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	if parsed.Scheme != "otpauth" || parsed.Host != "totp" {
		t.Errorf("got %s://%s, want otpauth://totp", parsed.Scheme, parsed.Host)
	}
	q := parsed.Query()
	if q.Get("secret") != *u.TOTPSecret {
		t.Errorf("secret: got %q, want %q", q.Get("secret"), *u.TOTPSecret)
	}
	if q.Get("issuer") != DefaultTOTPIssuer {
		t.Errorf("issuer: got %q, want %q", q.Get("issuer"), DefaultTOTPIssuer)
	}
	if want := "/" + DefaultTOTPIssuer + ":ana@x.com"; parsed.Path != want {
		t.Errorf("path: got %q, want %q", parsed.Path, want)
	}

	again, err := s.ProvisioningURI(u)
	if err != nil {
		t.Fatalf("ProvisioningURI (again): %v", err)
	}
	if again != uri {
		t.Errorf("expected deterministic URI, got %q then %q", uri, again)
	}
}

func TestProvisioningURINotProvisioned(t *testing.T) {
	s := NewTOTPService("Custom Issuer")

	if _, err := s.ProvisioningURI(&model.User{Email: "x@x.com"}); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("expected ErrNotProvisioned, got %v", err)
	}
	if _, err := s.ProvisioningURI(nil); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("nil user: expected ErrNotProvisioned, got %v", err)
	}
	if s.Issuer() != "Custom Issuer" {
		t.Errorf("Issuer: got %q, want Custom Issuer", s.Issuer())
	}
}
