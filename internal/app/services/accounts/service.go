// Package accounts implements sign-up, verification, login, token refresh
// and password reset on top of an identity provider.
package accounts

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/wattwise/energy-monitor/internal/errors"
	"github.com/wattwise/energy-monitor/internal/platform/identity"
	"github.com/wattwise/energy-monitor/internal/platform/mailer"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Service runs the account flows.
type Service struct {
	provider  identity.Provider
	registrar mailer.Registrar
	log       *logger.Logger
}

// New constructs an accounts service. registrar may be nil when notification
// addresses need no registration.
func New(provider identity.Provider, registrar mailer.Registrar, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{provider: provider, registrar: registrar, log: log}
}

// operation selects the wording of NotAuthorized failures.
type operation int

const (
	opDefault operation = iota
	opLogin
	opRefresh
)

func translate(err error, op operation) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, identity.ErrUserExists):
		return errors.Conflict("User already exists")
	case stderrors.Is(err, identity.ErrCodeMismatch):
		return errors.BadRequest("Invalid verification code")
	case stderrors.Is(err, identity.ErrExpiredCode):
		return errors.BadRequest("Verification code has expired")
	case stderrors.Is(err, identity.ErrInvalidPassword):
		return errors.BadRequest("Password does not meet requirements")
	case stderrors.Is(err, identity.ErrNotAuthorized):
		if op == opRefresh {
			return errors.Unauthorized("Invalid refresh token")
		}
		return errors.Unauthorized("Invalid credentials")
	case stderrors.Is(err, identity.ErrUserNotConfirmed):
		return errors.Forbidden("Please verify your email first")
	case stderrors.Is(err, identity.ErrUserNotFound):
		return errors.NotFound("User not found")
	case stderrors.Is(err, identity.ErrLimitExceeded):
		return errors.TooManyRequests("Too many attempts. Please try again later")
	case stderrors.Is(err, identity.ErrIncompleteResult):
		return errors.Internal("Authentication failed", err)
	}
	return errors.Internal("Internal Server Error", err)
}

func required(fields ...string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return false
		}
	}
	return true
}

func (s *Service) SignUp(ctx context.Context, email, password string) error {
	if !required(email, password) {
		return errors.BadRequest("Missing required fields: email, password")
	}
	if err := s.provider.SignUp(ctx, strings.TrimSpace(email), password); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("sign up failed")
		return translate(err, opDefault)
	}
	return nil
}

// Verify confirms a sign-up and registers the address for notifications.
// Registration problems are logged only.
func (s *Service) Verify(ctx context.Context, email, code string) error {
	if !required(email, code) {
		return errors.BadRequest("Missing required fields: email, code")
	}
	email = strings.TrimSpace(email)
	if err := s.provider.ConfirmSignUp(ctx, email, strings.TrimSpace(code)); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("confirm sign up failed")
		return translate(err, opDefault)
	}
	s.register(ctx, email)
	return nil
}

func (s *Service) register(ctx context.Context, email string) {
	if s.registrar == nil {
		return
	}
	entry := s.log.WithContext(ctx).WithField("email", email)
	status, err := s.registrar.RegisterAddress(ctx, email)
	if err != nil {
		entry.WithError(err).Warn("register notification address failed")
		return
	}
	switch status {
	case mailer.PendingVerification:
		entry.Info("notification address awaiting verification")
	case mailer.VerificationSent:
		entry.Info("notification address verification requested")
	}
}

func (s *Service) Login(ctx context.Context, email, password string) (identity.Tokens, error) {
	if !required(email, password) {
		return identity.Tokens{}, errors.BadRequest("Missing required fields: email, password")
	}
	tokens, err := s.provider.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("login failed")
		return identity.Tokens{}, translate(err, opLogin)
	}
	return tokens, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (identity.Tokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return identity.Tokens{}, errors.Unauthorized("No refresh token provided")
	}
	tokens, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("token refresh failed")
		return identity.Tokens{}, translate(err, opRefresh)
	}
	return tokens, nil
}

func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	if !required(email) {
		return errors.BadRequest("Missing required field: email")
	}
	if err := s.provider.ForgotPassword(ctx, strings.TrimSpace(email)); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("forgot password failed")
		return translate(err, opDefault)
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if !required(email, code, newPassword) {
		return errors.BadRequest("Missing required fields: email, code, newPassword")
	}
	if err := s.provider.ConfirmForgotPassword(ctx, strings.TrimSpace(email), strings.TrimSpace(code), newPassword); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("password reset failed")
		return translate(err, opDefault)
	}
	return nil
}

func (s *Service) ResendCode(ctx context.Context, email string) error {
	if !required(email) {
		return errors.BadRequest("Missing required field: email")
	}
	if err := s.provider.ResendCode(ctx, strings.TrimSpace(email)); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("resend code failed")
		return translate(err, opDefault)
	}
	return nil
}

// UserEmail returns the address of userID, or "" when it has none.
func (s *Service) UserEmail(ctx context.Context, userID string) (string, error) {
	return s.provider.UserEmail(ctx, userID)
}
