// Command energy-lambda runs one Lambda function of the energy monitor. The
// ENERGY_FUNCTION environment variable selects the trigger it serves.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wattwise/energy-monitor/internal/app/httpapi"
	"github.com/wattwise/energy-monitor/internal/app/lambdas"
	"github.com/wattwise/energy-monitor/internal/app/runtime"
	"github.com/wattwise/energy-monitor/internal/config"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

func main() {
	function := strings.TrimSpace(os.Getenv("ENERGY_FUNCTION"))
	boot := logger.NewDefault("energy-lambda").WithField("function", function)

	cfg, err := config.Load()
	if err != nil {
		boot.WithError(err).Fatal("load config")
	}
	log := logger.New(cfg.Logging).Named(function)

	rt, err := runtime.Build(context.Background(), cfg, log, runtime.Options{})
	if err != nil {
		boot.WithError(err).Fatal("build runtime")
	}

	handler, err := selectHandler(function, rt, cfg, log)
	if err != nil {
		boot.WithError(err).Fatal("select handler")
	}
	lambda.Start(handler)
}

func selectHandler(function string, rt *runtime.Runtime, cfg *config.Config, log *logger.Logger) (interface{}, error) {
	if function == "api" {
		// API Gateway strips the stage, so routes are served unprefixed.
		api, err := httpapi.NewHandler(rt.App, httpapi.Options{
			Origins:       cfg.Server.Origins(),
			AuthRateLimit: cfg.Server.AuthRateLimit,
			AuthRateBurst: cfg.Server.AuthRateBurst,
		}, log.Named("http"))
		if err != nil {
			return nil, err
		}
		return lambdas.New(rt.App, api, log).API, nil
	}

	h := lambdas.New(rt.App, nil, log)
	switch function {
	case "authorizer":
		return h.Authorizer, nil
	case "ingest":
		return h.Ingest, nil
	case "alert-email":
		return h.AlertEmail, nil
	case "ws-connection":
		return h.Connection, nil
	case "ws-fanout":
		return h.Fanout, nil
	case "training-export":
		return h.TrainingExport, nil
	case "training-deploy":
		return h.TrainingDeploy, nil
	default:
		return nil, fmt.Errorf("unknown ENERGY_FUNCTION %q", function)
	}
}
