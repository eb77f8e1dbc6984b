package main

import (
	"context"
	"testing"

	"github.com/wattwise/energy-monitor/internal/app/runtime"
	"github.com/wattwise/energy-monitor/internal/config"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

func TestSelectHandler(t *testing.T) {
	cfg := config.Default()
	rt, err := runtime.Build(context.Background(), cfg, logger.NewDiscard(), runtime.Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	for _, name := range []string{"api", "authorizer", "ingest", "alert-email", "ws-connection", "ws-fanout", "training-export", "training-deploy"} {
		h, err := selectHandler(name, rt, cfg, logger.NewDiscard())
		if err != nil || h == nil {
			t.Fatalf("%s: handler=%v err=%v", name, h, err)
		}
	}
	if _, err := selectHandler("billing", rt, cfg, logger.NewDiscard()); err == nil {
		t.Fatalf("expected error for unknown function")
	}
}
