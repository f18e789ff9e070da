package models

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/pquerna/otp/totp"
)

// TOTPEnrollment is a pending two-factor setup. The secret only lands on the
// user row once the client proves it can produce a valid code, so an
// abandoned enrollment leaves no trace on the account.
type TOTPEnrollment struct {
	Secret    string `json:"secret"`
	QRCodePNG string `json:"qr_code"` // data URI, renders directly in an <img>
	Issuer    string `json:"issuer"`
	Account   string `json:"account"`
}

// NewTOTPEnrollment mints a fresh secret for the account and renders its
// provisioning QR code.
func NewTOTPEnrollment(username, issuer string) (TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: username,
	})
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("render totp qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return TOTPEnrollment{}, fmt.Errorf("encode totp qr: %w", err)
	}

	return TOTPEnrollment{
		Secret:    key.Secret(),
		QRCodePNG: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Issuer:    issuer,
		Account:   username,
	}, nil
}

// VerifyTOTPCode checks a code against a bare secret, used during enrollment
// before the secret is stored.
func VerifyTOTPCode(secret, code string) bool {
	return totp.Validate(code, secret)
}

// VerifyTOTP checks a login code against the user's enrolled secret. It
// always fails when two-factor is not enabled.
func (u *User) VerifyTOTP(code string) bool {
	return u.TOTPEnabled && totp.Validate(code, u.TOTPSecret)
}
