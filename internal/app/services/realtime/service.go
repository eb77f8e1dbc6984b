// Package realtime tracks the websocket connections of each user and pushes
// usage events to them.
package realtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"github.com/wattwise/energy-monitor/internal/app/domain/connection"
	"github.com/wattwise/energy-monitor/internal/app/metrics"
	"github.com/wattwise/energy-monitor/internal/app/storage"
	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/errors"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/internal/platform/pushapi"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// ConnectionTTL bounds how long a connection record outlives a missed
// disconnect.
const ConnectionTTL = 24 * time.Hour

// Websocket route keys.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
)

const pushAttempts = 3

// BroadcastResult counts the outcome of one fan-out.
type BroadcastResult struct {
	Sent   int
	Stale  int
	Failed int
}

// RouteResponse is the reply to a websocket route event.
type RouteResponse struct {
	StatusCode int
	Body       string
}

// Service manages connections and fan-out.
type Service struct {
	conns     storage.ConnectionStore
	validator *auth.Validator
	log       *logger.Logger
	now       func() time.Time
	retry     func() backoff.BackOff

	mu     sync.RWMutex
	pusher pushapi.Pusher
}

// New creates a realtime service. pusher may be nil and set later with
// SetPusher, which is how the in-process hub is attached.
func New(conns storage.ConnectionStore, validator *auth.Validator, pusher pushapi.Pusher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("realtime")
	}
	return &Service{
		conns:     conns,
		validator: validator,
		pusher:    pusher,
		log:       log,
		now:       time.Now,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, pushAttempts-1)
		},
	}
}

// SetPusher replaces the delivery channel.
func (s *Service) SetPusher(p pushapi.Pusher) {
	s.mu.Lock()
	s.pusher = p
	s.mu.Unlock()
}

func (s *Service) currentPusher() pushapi.Pusher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pusher
}

// Connect records connectionID as belonging to the identified user.
func (s *Service) Connect(ctx context.Context, connectionID string, ident auth.Identity) error {
	now := s.now().UTC()
	c := connection.Connection{
		ConnectionID: connectionID,
		UserID:       ident.UserID,
		TTL:          now.Add(ConnectionTTL).Unix(),
		CreatedAt:    now.Format(time.RFC3339Nano),
	}
	if err := s.conns.PutConnection(ctx, c); err != nil {
		return fmt.Errorf("save connection %s: %w", connectionID, err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": connectionID,
		"user_id":       ident.UserID,
	}).Info("connection saved")
	return nil
}

// Disconnect forgets connectionID.
func (s *Service) Disconnect(ctx context.Context, connectionID string) error {
	if err := s.conns.DeleteConnection(ctx, connectionID); err != nil {
		return fmt.Errorf("delete connection %s: %w", connectionID, err)
	}
	s.log.WithContext(ctx).WithField("connection_id", connectionID).Info("connection deleted")
	return nil
}

// HandleRoute serves a gateway route event. authorized is the user placed in
// the request context by an upstream authorizer; when empty the token pair in
// headers is validated instead.
func (s *Service) HandleRoute(ctx context.Context, route, connectionID string, headers map[string]string, authorized *auth.Identity) RouteResponse {
	entry := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"route":         route,
		"connection_id": connectionID,
	})
	if connectionID == "" {
		entry.Error("missing connection id")
		return reply(500, "Missing connection ID")
	}

	switch route {
	case RouteConnect:
		ident := authorized
		if ident == nil || ident.UserID == "" {
			id, err := s.validator.ValidatePair(auth.TokensFromHeaders(headers))
			if err != nil {
				entry.WithError(err).Warn("connect rejected")
				if se := errors.GetServiceError(err); se != nil {
					return reply(se.HTTPStatus, se.Message)
				}
				return reply(401, "Unauthorized")
			}
			ident = &id
		}
		if err := s.Connect(ctx, connectionID, *ident); err != nil {
			entry.WithError(err).Error("connect failed")
			return reply(500, "Internal Server Error")
		}
		return reply(200, "Connected successfully")

	case RouteDisconnect:
		if err := s.Disconnect(ctx, connectionID); err != nil {
			entry.WithError(err).Error("disconnect failed")
			return reply(500, "Internal Server Error")
		}
		return reply(200, "Disconnected successfully")

	default:
		entry.Warn("unsupported route")
		return reply(400, "Unsupported route")
	}
}

func reply(status int, message string) RouteResponse {
	body, _ := json.Marshal(map[string]string{"message": message})
	return RouteResponse{StatusCode: status, Body: string(body)}
}

// Broadcast pushes payload to every connection of userID concurrently.
// Connections reported gone are deleted. The returned error aggregates the
// pushes that still failed after retrying.
func (s *Service) Broadcast(ctx context.Context, userID string, payload []byte) (BroadcastResult, error) {
	var res BroadcastResult
	pusher := s.currentPusher()
	if pusher == nil {
		return res, fmt.Errorf("no pusher configured")
	}

	conns, err := s.conns.ListConnections(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("list connections: %w", err)
	}
	if len(conns) == 0 {
		s.log.WithContext(ctx).WithField("user_id", userID).Debug("no active connections")
		return res, nil
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result *multierror.Error
	)
	for _, c := range conns {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.push(ctx, pusher, id, payload)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Sent++
			case stderrors.Is(err, pushapi.ErrGone):
				res.Stale++
			default:
				res.Failed++
				result = multierror.Append(result, err)
			}
		}(c.ConnectionID)
	}
	wg.Wait()

	metrics.RecordPushes(res.Sent, res.Stale, res.Failed)
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id": userID,
		"sent":    res.Sent,
		"stale":   res.Stale,
		"failed":  res.Failed,
	}).Info("broadcast finished")
	return res, result.ErrorOrNil()
}

func (s *Service) push(ctx context.Context, pusher pushapi.Pusher, connectionID string, payload []byte) error {
	op := func() error {
		err := pusher.Push(ctx, connectionID, payload)
		if stderrors.Is(err, pushapi.ErrGone) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(s.retry(), ctx))
	if stderrors.Is(err, pushapi.ErrGone) {
		s.log.WithContext(ctx).WithField("connection_id", connectionID).Info("removing stale connection")
		if derr := s.conns.DeleteConnection(ctx, connectionID); derr != nil {
			s.log.WithContext(ctx).WithError(derr).WithField("connection_id", connectionID).Warn("delete stale connection failed")
		}
		return pushapi.ErrGone
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", connectionID, err)
	}
	return nil
}

// HandleMessage forwards a usage event to the user's connections. Failures
// are logged and never returned, so the event is not redelivered.
func (s *Service) HandleMessage(ctx context.Context, msg pubsub.Message) error {
	entry := s.log.WithContext(ctx)
	if !gjson.Valid(msg.Body) {
		entry.WithField("body", msg.Body).Warn("dropping malformed event")
		return nil
	}
	userID := msg.Attribute("userId")
	if userID == "" {
		userID = gjson.Get(msg.Body, "userId").String()
	}
	if userID == "" {
		entry.Warn("dropping event without userId")
		return nil
	}
	if _, err := s.Broadcast(ctx, userID, []byte(msg.Body)); err != nil {
		entry.WithError(err).WithField("user_id", userID).Error("broadcast failed")
	}
	return nil
}
