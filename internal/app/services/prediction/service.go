// Package prediction forecasts a user's usage for a date with the model
// deployed for them.
package prediction

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/metrics"
	"github.com/wattwise/energy-monitor/internal/app/storage"
	"github.com/wattwise/energy-monitor/internal/errors"
	"github.com/wattwise/energy-monitor/internal/platform/inference"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

const (
	msgInvalidDate = "Valid date parameter is required (YYYY-MM-DD)"
	msgNoModel     = "No trained model found. Please upload at least 100 energy consumption records to train the prediction model."
	msgRetrain     = "Prediction model needs to be retrained. Please try again in a few minutes."
	msgUnavailable = "The prediction service is temporarily unavailable. Please try again in a few minutes."
	msgBadValue    = "Received invalid prediction value from the model"
	msgFailed      = "Unable to make prediction at this time. Please try again later."
)

// Result is a rounded forecast.
type Result struct {
	Date       string `json:"date"`
	Prediction int64  `json:"prediction"`
}

// Service answers prediction requests.
type Service struct {
	profiles storage.ProfileStore
	runtime  inference.Runtime
	log      *logger.Logger
}

// New constructs a prediction service. A nil runtime makes every prediction
// report the service as unavailable.
func New(profiles storage.ProfileStore, runtime inference.Runtime, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("prediction")
	}
	return &Service{profiles: profiles, runtime: runtime, log: log}
}

func retrain() error {
	return errors.NotFound(msgRetrain).WithDetails("requiresRetrain", true)
}

// Predict forecasts the usage of userID on date.
func (s *Service) Predict(ctx context.Context, userID, date string) (Result, error) {
	res, err := s.predict(ctx, userID, strings.TrimSpace(date))
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(errorCode(err)))
	}
	metrics.RecordPrediction(outcome)
	return res, err
}

func errorCode(err error) errors.Code {
	if se := errors.GetServiceError(err); se != nil {
		return se.Code
	}
	return errors.CodeInternal
}

func (s *Service) predict(ctx context.Context, userID, date string) (Result, error) {
	target, err := energy.ParseDate(date)
	if err != nil {
		return Result{}, errors.BadRequest(msgInvalidDate)
	}
	entry := s.log.WithContext(ctx).WithField("date", date)

	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		entry.WithError(err).Error("load profile failed")
		return Result{}, errors.Internal(msgFailed, err)
	}
	if err != nil || !p.HasModel() {
		return Result{}, errors.NotFound(msgNoModel).WithDetails("requiresData", true)
	}
	if s.runtime == nil {
		return Result{}, errors.Unavailable(msgUnavailable, nil)
	}

	status, err := s.runtime.EndpointStatus(ctx, p.ModelEndpoint)
	if err != nil || status == "" {
		entry.WithError(err).WithField("endpoint", p.ModelEndpoint).Warn("endpoint status unavailable")
		return Result{}, retrain()
	}
	if status != inference.StatusInService {
		return Result{}, errors.Unavailable(fmt.Sprintf("Prediction model is currently %s. Please try again in a few minutes.", status), nil).
			WithDetails("status", status)
	}

	start := target
	if p.TrainingStartDate != "" {
		if d, err := energy.ParseDate(p.TrainingStartDate); err == nil {
			start = d
		}
	}
	input := DaysBetween(start, target)

	out, err := s.runtime.Invoke(ctx, p.ModelEndpoint, "text/csv", []byte(input))
	switch {
	case stderrors.Is(err, inference.ErrValidation), stderrors.Is(err, inference.ErrEndpointNotFound):
		return Result{}, retrain()
	case stderrors.Is(err, inference.ErrUnavailable):
		return Result{}, errors.Unavailable(msgUnavailable, err)
	case err != nil:
		entry.WithError(err).Error("invoke endpoint failed")
		return Result{}, errors.Internal(msgFailed, err)
	}

	value, ok := ParseValue(out)
	if !ok {
		entry.WithField("raw", string(out)).Error("invalid prediction value")
		return Result{}, errors.Internal(msgBadValue, nil)
	}
	return Result{Date: date, Prediction: int64(math.Floor(value + 0.5))}, nil
}

// DaysBetween formats the number of days from start to end as the model
// input.
func DaysBetween(start, end time.Time) string {
	days := end.Sub(start).Hours() / 24
	return strconv.FormatFloat(days, 'f', -1, 64)
}

// ParseValue reads the leading number of a model response, which may carry
// trailing text such as a newline or further CSV columns.
func ParseValue(raw []byte) (float64, bool) {
	s := strings.TrimSpace(string(raw))
	end := 0
	for end < len(s) && strings.ContainsRune("+-.0123456789eE", rune(s[end])) {
		end++
	}
	for end > 0 {
		if v, err := strconv.ParseFloat(s[:end], 64); err == nil && !math.IsNaN(v) {
			return v, true
		}
		end--
	}
	return 0, false
}
