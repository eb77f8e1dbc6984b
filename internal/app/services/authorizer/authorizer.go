// Package authorizer decides whether a websocket handshake may proceed.
package authorizer

import (
	"context"

	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Decision is the outcome of one authorization.
type Decision struct {
	Authorized bool
	Context    map[string]interface{}
}

// Service validates id tokens presented on the websocket handshake.
type Service struct {
	validator *auth.Validator
	log       *logger.Logger
}

func New(validator *auth.Validator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("authorizer")
	}
	return &Service{validator: validator, log: log}
}

// Authorize checks token, the value of the auth query parameter. Any failure
// denies with an empty context.
func (s *Service) Authorize(ctx context.Context, token string) Decision {
	if token == "" {
		s.log.WithContext(ctx).Warn("authorization denied: no token provided")
		return deny()
	}
	ident, err := s.validator.ValidateIDToken(token)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("authorization denied")
		return deny()
	}
	s.log.WithContext(ctx).WithField("user_id", ident.UserID).Debug("authorization granted")
	return Decision{
		Authorized: true,
		Context: map[string]interface{}{
			"userId": ident.UserID,
			"email":  ident.Email,
		},
	}
}

func deny() Decision {
	return Decision{Authorized: false, Context: map[string]interface{}{}}
}
