// Package httpapi exposes the application over HTTP: the REST API used by
// the dashboard, the local upload sink and the websocket endpoint.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"

	app "github.com/wattwise/energy-monitor/internal/app"
	"github.com/wattwise/energy-monitor/internal/app/metrics"
	"github.com/wattwise/energy-monitor/internal/httputil"
	"github.com/wattwise/energy-monitor/internal/middleware"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Options tunes the router.
type Options struct {
	// Prefix is prepended to every API route, e.g. "/prod".
	Prefix        string
	Origins       []string
	AuthRateLimit float64
	AuthRateBurst int
	// TrustedProxies are the CIDRs allowed to set X-Forwarded-For for the
	// auth rate limiter.
	TrustedProxies []string
	// LocalUploads mounts PUT /uploads/{key} for presigned URLs that point
	// back at this server.
	LocalUploads  bool
	AuditPath     string
	AuditCapacity int
}

// Handler is the root HTTP handler. Close releases the audit sink.
type Handler struct {
	http.Handler
	audit   *auditLog
	sink    *zapAuditSink
	limiter *middleware.RateLimiter
}

// StartCleanup evicts idle per-client rate limiters until ctx is done.
func (h *Handler) StartCleanup(ctx context.Context, interval time.Duration) {
	h.limiter.StartCleanup(ctx, interval)
}

// Close flushes and closes the audit sink.
func (h *Handler) Close() error {
	return h.sink.Close()
}

// NewHandler builds the router for application.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) (*Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := newZapAuditSink(opts.AuditPath)
	if err != nil {
		return nil, err
	}
	var auditSinkIface auditSink
	if sink != nil {
		auditSinkIface = sink
	}
	audit := newAuditLog(opts.AuditCapacity, auditSinkIface)

	prefix := strings.TrimRight(opts.Prefix, "/")
	h := &handler{app: application, log: log, audit: audit, cookiePath: authCookiePath(prefix)}

	authMW := middleware.NewAuthMiddleware(application.Validator, log.Named("auth"), nil)
	limiter := middleware.NewRateLimiter(opts.AuthRateLimit, opts.AuthRateBurst, log.Named("ratelimit"))
	if err := limiter.TrustProxies(opts.TrustedProxies...); err != nil {
		_ = sink.Close()
		return nil, err
	}

	public := alice.New(limiter.Handler)
	protected := alice.New(authMW.Handler, middleware.RequireUserID, audit.middleware)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	r.Handle("/health", http.HandlerFunc(h.health)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	var api *mux.Router
	if prefix != "" {
		api = r.PathPrefix(prefix).Subrouter()
	} else {
		api = r.NewRoute().Subrouter()
	}

	authRoutes := map[string]http.HandlerFunc{
		"signup":          h.signUp,
		"verify":          h.verify,
		"login":           h.login,
		"refresh":         h.refresh,
		"logout":          h.logout,
		"forgot-password": h.forgotPassword,
		"password-reset":  h.resetPassword,
		"resend-code":     h.resendCode,
	}
	for name, fn := range authRoutes {
		api.Handle("/auth/"+name, public.ThenFunc(fn)).Methods(http.MethodPost)
	}

	api.Handle("/energy/input", protected.ThenFunc(h.energyInput)).Methods(http.MethodPost)
	api.Handle("/energy/history", protected.ThenFunc(h.energyHistory)).Methods(http.MethodGet)
	api.Handle("/energy/summary", protected.ThenFunc(h.energySummary)).Methods(http.MethodGet)
	api.Handle("/energy/download", protected.ThenFunc(h.energyDownload)).Methods(http.MethodGet)
	// Method dispatch happens in the handler so other verbs get a 405 body.
	api.Handle("/alerts", protected.ThenFunc(h.alerts))
	api.Handle("/prediction", protected.ThenFunc(h.prediction)).Methods(http.MethodGet)
	api.Handle("/presigned-url", protected.ThenFunc(h.presignedURL)).Methods(http.MethodGet)
	api.Handle("/audit", protected.ThenFunc(h.auditTrail)).Methods(http.MethodGet)
	if opts.LocalUploads {
		api.Handle("/uploads/{key:.+}", http.HandlerFunc(h.upload)).Methods(http.MethodPut)
	}
	if application.Hub != nil {
		api.Handle("/ws", application.Hub).Methods(http.MethodGet)
	}

	cors := middleware.NewCORSMiddleware(opts.Origins)
	root := alice.New(
		middleware.LoggingMiddleware(log),
		middleware.Recovery(log),
		metrics.InstrumentHandler,
		cors.Handler,
	).Then(r)

	return &Handler{Handler: root, audit: audit, sink: sink, limiter: limiter}, nil
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app        *app.Application
	log        *logger.Logger
	audit      *auditLog
	cookiePath string
}

func authCookiePath(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/auth"
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteMessage(w, http.StatusNotFound, "Not Found")
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if h.app.Hub != nil {
		body["websocketConnections"] = h.app.Hub.Connections()
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// auditTrail returns the caller's most recent audited requests.
func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	user := middleware.GetUserID(r)
	out := []auditEntry{}
	for _, e := range h.audit.listLimit(0) {
		if e.User == user {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}
