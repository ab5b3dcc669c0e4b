package vault

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var ErrBadSecret = errors.New("vault: invalid step-up secret")

// codeOpts is the authenticator-app profile: 30 second steps, 6 digits, SHA1.
var codeOpts = totp.ValidateOpts{
	Period:    30,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTP derives the time-based code for secret at t.
// secret is base32 (case, spaces and padding are tolerated).
func TOTP(secret string, t time.Time) (string, error) {
	s := normalizeSecret(secret)
	if s == "" {
		return "", ErrBadSecret
	}
	code, err := totp.GenerateCodeCustom(s, t, codeOpts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSecret, err)
	}
	return code, nil
}

// normalizeSecret upper-cases secret and drops spaces and padding; the
// generator re-pads it before decoding.
func normalizeSecret(secret string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	return strings.TrimRight(s, "=")
}
