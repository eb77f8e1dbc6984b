// Package mailer sends notification email and registers recipient
// addresses with the mail provider.
package mailer

import "context"

// Email is a plain-text message.
type Email struct {
	To      []string
	Subject string
	Text    string
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, msg Email) error
}

// Registration is the outcome of RegisterAddress.
type Registration string

const (
	// AlreadyVerified means the address can already receive mail.
	AlreadyVerified Registration = "verified"
	// PendingVerification means the address is known but not yet verified.
	PendingVerification Registration = "pending"
	// VerificationSent means a verification mail was just requested.
	VerificationSent Registration = "requested"
)

// Registrar makes an address eligible to receive notifications.
type Registrar interface {
	RegisterAddress(ctx context.Context, address string) (Registration, error)
}
