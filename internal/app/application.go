package app

import (
	"context"
	"fmt"
	"time"

	"github.com/wattwise/energy-monitor/internal/app/services/accounts"
	"github.com/wattwise/energy-monitor/internal/app/services/alerts"
	"github.com/wattwise/energy-monitor/internal/app/services/authorizer"
	"github.com/wattwise/energy-monitor/internal/app/services/energy"
	"github.com/wattwise/energy-monitor/internal/app/services/prediction"
	"github.com/wattwise/energy-monitor/internal/app/services/realtime"
	"github.com/wattwise/energy-monitor/internal/app/services/training"
	"github.com/wattwise/energy-monitor/internal/app/services/uploads"
	"github.com/wattwise/energy-monitor/internal/app/storage"
	"github.com/wattwise/energy-monitor/internal/app/storage/memory"
	"github.com/wattwise/energy-monitor/internal/app/system"
	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/platform/identity"
	"github.com/wattwise/energy-monitor/internal/platform/inference"
	"github.com/wattwise/energy-monitor/internal/platform/mailer"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
	"github.com/wattwise/energy-monitor/internal/platform/paramstore"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/internal/platform/pushapi"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Deps carries the backends chosen by configuration. Nil stores default to
// the in-memory implementation; other nil backends disable the features that
// need them.
type Deps struct {
	Readings    storage.EnergyStore
	Profiles    storage.ProfileStore
	Connections storage.ConnectionStore

	Objects    objectstore.Store
	Publisher  pubsub.Publisher
	Subscriber pubsub.Subscriber
	Identity   identity.Provider
	Mail       mailer.Sender
	Registrar  mailer.Registrar
	Runtime    inference.Runtime
	Deployer   inference.Deployer
	Params     paramstore.Store
	Pusher     pushapi.Pusher
	Validator  *auth.Validator

	DashboardURL   string
	UploadURLTTL   time.Duration
	Training       training.Config
	ExportSchedule string
	// Origins enables the in-process websocket hub when Pusher is nil.
	Origins []string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Validator  *auth.Validator
	Energy     *energy.Service
	Alerts     *alerts.Service
	Accounts   *accounts.Service
	Uploads    *uploads.Service
	Prediction *prediction.Service
	Training   *training.Service
	Realtime   *realtime.Service
	Authorizer *authorizer.Service
	// Hub is set when websockets are served in-process.
	Hub *realtime.Hub
	// Objects is the object store uploads are written to.
	Objects objectstore.Store
}

// New builds a fully initialised application from deps.
func New(deps Deps, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("token validator is required")
	}

	mem := memory.New()
	if deps.Readings == nil {
		deps.Readings = mem
	}
	if deps.Profiles == nil {
		deps.Profiles = mem
	}
	if deps.Connections == nil {
		deps.Connections = mem
	}
	if deps.Params == nil {
		deps.Params = paramstore.NewMemory()
	}
	if deps.Mail == nil {
		deps.Mail = mailer.NewLog(log.Named("mailer"))
	}
	if deps.Registrar == nil {
		if r, ok := deps.Mail.(mailer.Registrar); ok {
			deps.Registrar = r
		}
	}

	a := &Application{
		manager:   system.NewManager(),
		log:       log,
		Validator: deps.Validator,
		Objects:   deps.Objects,
	}

	a.Energy = energy.New(deps.Readings, deps.Publisher, log.Named("energy"))
	a.Accounts = accounts.New(deps.Identity, deps.Registrar, log.Named("accounts"))
	a.Alerts = alerts.New(deps.Profiles, deps.Readings, a.Accounts, deps.Mail, deps.DashboardURL, log.Named("alerts"))
	a.Prediction = prediction.New(deps.Profiles, deps.Runtime, log.Named("prediction"))
	a.Authorizer = authorizer.New(deps.Validator, log.Named("authorizer"))
	a.Realtime = realtime.New(deps.Connections, deps.Validator, deps.Pusher, log.Named("realtime"))

	if deps.Objects != nil {
		a.Uploads = uploads.New(deps.Objects, deps.Readings, deps.Publisher, deps.UploadURLTTL, log.Named("uploads"))
		a.Training = training.New(deps.Readings, deps.Profiles, deps.Objects, deps.Deployer, deps.Params, deps.Training, log.Named("training"))
	}

	if deps.Pusher == nil && deps.Origins != nil {
		a.Hub = realtime.NewHub(a.Realtime, deps.Validator, deps.Origins, log.Named("realtime-hub"))
		a.Realtime.SetPusher(a.Hub)
		if err := a.manager.Register(a.Hub); err != nil {
			return nil, err
		}
	}

	if deps.Subscriber != nil {
		subs := system.Func{
			ServiceName: "topic-subscribers",
			StartFunc: func(ctx context.Context) error {
				if err := deps.Subscriber.Subscribe(ctx, "alert-email", a.Alerts.HandleMessage); err != nil {
					return err
				}
				return deps.Subscriber.Subscribe(ctx, "ws-fanout", a.Realtime.HandleMessage)
			},
		}
		if err := a.manager.Register(subs); err != nil {
			return nil, err
		}
	}

	if deps.ExportSchedule != "" {
		if a.Training == nil {
			log.Warn("training export schedule set without an object store; scheduler disabled")
		} else if err := a.manager.Register(training.NewScheduler(a.Training, deps.ExportSchedule, log.Named("training-scheduler"))); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithField("services", a.manager.Services()).Info("starting application services")
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
