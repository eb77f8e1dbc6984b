//go:build integration && postgres

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/wattwise/energy-monitor/internal/app"
	"github.com/wattwise/energy-monitor/internal/app/storage/postgres"
	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/platform/identity"
	"github.com/wattwise/energy-monitor/internal/platform/mailer"
	"github.com/wattwise/energy-monitor/internal/platform/migrations"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Runs the API against Postgres to check migrations and the core flows with
// persistence.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db.DB); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	log := logger.NewDiscard()
	mail := mailer.NewLog(log)
	store := postgres.New(db)
	application, err := app.New(app.Deps{
		Readings:    store,
		Profiles:    store,
		Connections: store,
		Identity:    identity.NewLocal(identity.LocalConfig{Secret: testSecret, Issuer: testIssuer}, mail),
		Mail:        mail,
		Validator:   auth.NewValidator(testIssuer, auth.WithKeySource(auth.StaticKey(testSecret))),
	}, log)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	h, err := NewHandler(application, Options{Prefix: testPrefix, AuthRateLimit: 100, AuthRateBurst: 100}, log)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	s := &testServer{handler: h, mail: mail}
	sess := signIn(t, s)

	date := time.Now().UTC().Format("2006-01-02")
	rec := s.do(sess.authorize(jsonRequest(http.MethodPost, testPrefix+"/energy/input", map[string]interface{}{"date": date, "usage": 4.25})))
	if rec.Code != http.StatusOK {
		t.Fatalf("energy input status: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/history?startDate="+date+"&endDate="+date, nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("history status: %d", rec.Code)
	}
	if data, _ := decodeBody(t, rec)["data"].([]interface{}); len(data) != 1 {
		t.Fatalf("expected 1 persisted reading, got %d", len(data))
	}
	rec = s.do(sess.authorize(jsonRequest(http.MethodPost, testPrefix+"/alerts", map[string]interface{}{"threshold": 10})))
	if rec.Code != http.StatusOK {
		t.Fatalf("set threshold status: %d", rec.Code)
	}
}
