// Package identity wraps the user directory: sign-up, confirmation, login,
// token refresh and password reset.
package identity

import (
	"context"
	"errors"
)

// Provider errors. Implementations translate their native failures to these.
var (
	ErrUserExists       = errors.New("identity: user already exists")
	ErrCodeMismatch     = errors.New("identity: code mismatch")
	ErrExpiredCode      = errors.New("identity: code expired")
	ErrInvalidPassword  = errors.New("identity: password does not meet policy")
	ErrNotAuthorized    = errors.New("identity: not authorized")
	ErrUserNotConfirmed = errors.New("identity: user not confirmed")
	ErrUserNotFound     = errors.New("identity: user not found")
	ErrLimitExceeded    = errors.New("identity: attempt limit exceeded")
	ErrIncompleteResult = errors.New("identity: incomplete authentication result")
)

// Tokens are the credentials returned by Login and Refresh. Refresh leaves
// RefreshToken empty.
type Tokens struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
}

// Provider is a user directory.
type Provider interface {
	SignUp(ctx context.Context, email, password string) error
	ConfirmSignUp(ctx context.Context, email, code string) error
	Login(ctx context.Context, email, password string) (Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	ForgotPassword(ctx context.Context, email string) error
	ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error
	ResendCode(ctx context.Context, email string) error
	// UserEmail returns the email attribute of the user with the given id,
	// or "" when the user has none.
	UserEmail(ctx context.Context, userID string) (string, error)
}
