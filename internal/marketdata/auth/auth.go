// Package auth attaches a time-based one-time code to collaborator requests
// (feed dial and REST) and verifies it on the serving side.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/pquerna/otp/totp"
)

// Header carries the one-time code.
const Header = "X-Auth-OTP"

// ErrInvalidCode is returned by Verify for a missing or wrong code.
var ErrInvalidCode = errors.New("invalid one-time code")

// TOTP generates codes from a shared base32 secret. A nil *TOTP is valid
// and adds nothing, so callers need not special-case "auth disabled".
type TOTP struct {
	secret string
	Now    func() time.Time
}

// New returns a generator for secret, or nil when secret is empty.
// The secret is checked by generating one code.
func New(secret string) (*TOTP, error) {
	if secret == "" {
		return nil, nil
	}
	if _, err := totp.GenerateCode(secret, time.Now()); err != nil {
		return nil, err
	}
	return &TOTP{secret: secret, Now: time.Now}, nil
}

// Code returns the current code.
func (t *TOTP) Code() (string, error) {
	return totp.GenerateCode(t.secret, t.Now())
}

// Apply sets the code header on h.
func (t *TOTP) Apply(h http.Header) error {
	if t == nil {
		return nil
	}
	code, err := t.Code()
	if err != nil {
		return err
	}
	h.Set(Header, code)
	return nil
}

// Verify checks the code header of r against secret. An empty secret
// accepts everything.
func Verify(r *http.Request, secret string) error {
	if secret == "" {
		return nil
	}
	code := r.Header.Get(Header)
	if code == "" || !totp.Validate(code, secret) {
		return ErrInvalidCode
	}
	return nil
}
