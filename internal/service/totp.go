package service

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/dpmtasks/taskauth/internal/model"
)

// DefaultTOTPIssuer is shown by authenticator apps next to the account.
const DefaultTOTPIssuer = "DPM Task Manager"

const (
	totpPeriod = 30
	totpSkew   = 1
	totpDigits = otp.DigitsSix
	totpAlgo   = otp.AlgorithmSHA1
)

// TOTPService generates second-factor secrets and checks one-time codes.
// Verification is advisory: nothing here is required to log in.
type TOTPService struct {
	issuer string
	now    func() time.Time
}

// NewTOTPService returns a TOTPService that labels enrollments with issuer.
func NewTOTPService(issuer string) *TOTPService {
	if issuer == "" {
		issuer = DefaultTOTPIssuer
	}
	return &TOTPService{issuer: issuer, now: time.Now}
}

// Issuer returns the label used in provisioning URIs.
func (s *TOTPService) Issuer() string {
	return s.issuer
}

// GenerateSecret returns a fresh random base32 secret for accountName.
func (s *TOTPService) GenerateSecret(accountName string) (string, error) {
	key, err := totp.Generate(s.opts(accountName, nil))
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// ProvisioningURI returns the otpauth:// URI for the user's stored secret.
// The result depends only on the secret, the email, and the issuer.
func (s *TOTPService) ProvisioningURI(u *model.User) (string, error) {
	if u == nil || !u.HasSecondFactor() {
		return "", ErrNotProvisioned
	}
	raw, err := decodeSecret(*u.TOTPSecret)
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", err)
	}
	key, err := totp.Generate(s.opts(u.Email, raw))
	if err != nil {
		return "", fmt.Errorf("build provisioning uri: %w", err)
	}
	return key.URL(), nil
}

// VerifyCode checks code against the user's secret, accepting the current
// time step and one step either side. Malformed codes, missing secrets, and
// undecodable secrets all yield false.
func (s *TOTPService) VerifyCode(u *model.User, code string) bool {
	if u == nil || !u.HasSecondFactor() {
		return false
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), *u.TOTPSecret, s.now().UTC(), validateOpts)
	return err == nil && ok
}

func (s *TOTPService) opts(accountName string, secret []byte) totp.GenerateOpts {
	return totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   totpAlgo,
		Secret:      secret,
	}
}

var validateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    totpDigits,
	Algorithm: totpAlgo,
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
}
