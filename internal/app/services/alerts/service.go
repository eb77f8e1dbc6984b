// Package alerts stores per-user usage thresholds and emails users whose
// latest reading exceeds theirs.
package alerts

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/metrics"
	"github.com/wattwise/energy-monitor/internal/app/storage"
	"github.com/wattwise/energy-monitor/internal/errors"
	"github.com/wattwise/energy-monitor/internal/platform/mailer"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// ThresholdTTL is how long a threshold is retained after it was last set.
const ThresholdTTL = 365 * 24 * time.Hour

const alertSubject = "🚨 Energy Usage Alert!"

// Outcome is the result of evaluating one user.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeNoEmail     Outcome = "no_email"
	OutcomeNoThreshold Outcome = "no_threshold"
	OutcomeNoUsage     Outcome = "no_usage"
	OutcomeWithin      Outcome = "within_threshold"
)

// EmailResolver looks up the address of a user.
type EmailResolver interface {
	UserEmail(ctx context.Context, userID string) (string, error)
}

// Service manages thresholds and alert delivery.
type Service struct {
	profiles     storage.ProfileStore
	readings     storage.EnergyStore
	users        EmailResolver
	mail         mailer.Sender
	dashboardURL string
	log          *logger.Logger
	now          func() time.Time
}

// New constructs an alerts service. users and mail are only needed by
// Evaluate.
func New(profiles storage.ProfileStore, readings storage.EnergyStore, users EmailResolver, mail mailer.Sender, dashboardURL string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("alerts")
	}
	return &Service{
		profiles:     profiles,
		readings:     readings,
		users:        users,
		mail:         mail,
		dashboardURL: dashboardURL,
		log:          log,
		now:          time.Now,
	}
}

// ParseThreshold extracts the threshold field of a request body. It must be
// a JSON number greater than zero.
func ParseThreshold(body []byte) (float64, error) {
	if !gjson.ValidBytes(body) {
		return 0, errors.BadRequest("Invalid threshold value")
	}
	v := gjson.GetBytes(body, "threshold")
	if v.Type != gjson.Number || v.Float() <= 0 {
		return 0, errors.BadRequest("Invalid threshold value")
	}
	return v.Float(), nil
}

// SetThreshold stores the threshold of userID. Model fields of the profile
// are kept.
func (s *Service) SetThreshold(ctx context.Context, userID string, value float64) error {
	if value <= 0 {
		return errors.BadRequest("Invalid threshold value")
	}
	ttl := s.now().Add(ThresholdTTL).Unix()
	if err := s.profiles.PutThreshold(ctx, userID, value, ttl); err != nil {
		s.log.WithContext(ctx).WithError(err).Error("save threshold failed")
		return errors.Internal("Internal server error", err)
	}
	return nil
}

// GetThreshold returns the threshold of userID.
func (s *Service) GetThreshold(ctx context.Context, userID string) (float64, error) {
	p, err := s.profiles.GetProfile(ctx, userID)
	if stderrors.Is(err, storage.ErrNotFound) || (err == nil && p.Threshold == nil) {
		return 0, errors.NotFound("No threshold found")
	}
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("load threshold failed")
		return 0, errors.Internal("Internal server error", err)
	}
	return *p.Threshold, nil
}

// Evaluate emails userID when their latest reading exceeds their threshold.
// Lookup and delivery errors are returned so the triggering message is
// redelivered.
func (s *Service) Evaluate(ctx context.Context, userID string) (Outcome, error) {
	entry := s.log.WithContext(ctx).WithField("user_id", userID)

	email, err := s.users.UserEmail(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve email: %w", err)
	}
	if email == "" {
		entry.Info("no email found for user")
		return s.done(OutcomeNoEmail), nil
	}

	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load threshold: %w", err)
	}
	if err != nil || p.Threshold == nil || *p.Threshold == 0 {
		entry.Info("no threshold found for user")
		return s.done(OutcomeNoThreshold), nil
	}
	threshold := *p.Threshold

	latest, err := s.readings.LatestReading(ctx, userID)
	if stderrors.Is(err, storage.ErrNotFound) {
		entry.Info("no usage data found for user")
		return s.done(OutcomeNoUsage), nil
	}
	if err != nil {
		return "", fmt.Errorf("load latest reading: %w", err)
	}

	if latest.EnergyUsage <= threshold {
		entry.WithField("usage", latest.EnergyUsage).
			WithField("threshold", threshold).
			Info("latest usage within threshold")
		return s.done(OutcomeWithin), nil
	}

	msg := mailer.Email{
		To:      []string{email},
		Subject: alertSubject,
		Text:    s.alertText(latest, threshold),
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("send alert: %w", err)
	}
	entry.WithField("usage", latest.EnergyUsage).Info("usage alert sent")
	return s.done(OutcomeSent), nil
}

func (s *Service) done(o Outcome) Outcome {
	metrics.RecordAlert(string(o))
	return o
}

func (s *Service) alertText(r energy.Reading, threshold float64) string {
	recorded := r.Date
	if d, err := energy.ParseDate(r.Date); err == nil {
		recorded = d.Format("Jan 2, 2006")
	}
	return fmt.Sprintf("%s\n\nYour latest energy reading of %s kWh (recorded on %s) exceeds your alert threshold of %s kWh.\n\n💡 Visit %s to view your complete energy usage history and manage your alert settings.",
		alertSubject, formatNumber(r.EnergyUsage), recorded, formatNumber(threshold), s.dashboardURL)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// HandleMessage evaluates the user named in a usage event.
func (s *Service) HandleMessage(ctx context.Context, msg pubsub.Message) error {
	if !gjson.Valid(msg.Body) {
		return fmt.Errorf("malformed usage event: %q", msg.Body)
	}
	userID := gjson.Get(msg.Body, "userId").String()
	if userID == "" {
		return fmt.Errorf("usage event without userId: %q", msg.Body)
	}
	_, err := s.Evaluate(ctx, userID)
	return err
}
