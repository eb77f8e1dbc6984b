// Package lambdas adapts AWS Lambda trigger payloads to the application
// services, so each function is a thin shell over the code energyd runs.
package lambdas

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	app "github.com/wattwise/energy-monitor/internal/app"
	"github.com/wattwise/energy-monitor/internal/app/services/training"
	"github.com/wattwise/energy-monitor/internal/app/services/uploads"
	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Handlers holds one method per Lambda trigger.
type Handlers struct {
	app *app.Application
	api http.Handler
	log *logger.Logger
}

// New returns the handlers for application. api is the HTTP router served by
// the API function and may be nil for the others.
func New(application *app.Application, api http.Handler, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.NewDefault("lambdas")
	}
	return &Handlers{app: application, api: api, log: log}
}

// API serves a REST API Gateway proxy event through the router.
func (h *Handlers) API(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if h.api == nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("no http handler configured")
	}
	r, err := toHTTPRequest(ctx, req)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	rw := newResponseBuffer()
	h.api.ServeHTTP(rw, r)

	resp := events.APIGatewayProxyResponse{
		StatusCode:        rw.status,
		MultiValueHeaders: map[string][]string(rw.header.Clone()),
		Body:              rw.body.String(),
	}
	return resp, nil
}

// responseBuffer collects a handler's response for the proxy integration.
type responseBuffer struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header), status: http.StatusOK}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.status = status
	b.wroteHeader = true
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

func toHTTPRequest(ctx context.Context, req events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		body = decoded
	}

	query := url.Values{}
	for k, vs := range req.MultiValueQueryStringParameters {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	for k, v := range req.QueryStringParameters {
		if _, ok := query[k]; !ok {
			query.Set(k, v)
		}
	}
	target := req.Path
	if target == "" {
		target = "/"
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	r, err := http.NewRequestWithContext(ctx, req.HTTPMethod, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range req.MultiValueHeaders {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	for k, v := range req.Headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	r.RemoteAddr = req.RequestContext.Identity.SourceIP
	r.ContentLength = int64(len(body))
	return r, nil
}

// Authorizer admits websocket connections carrying a valid id token in the
// auth query parameter.
func (h *Handlers) Authorizer(ctx context.Context, req events.APIGatewayV2CustomAuthorizerV2Request) (events.APIGatewayV2CustomAuthorizerSimpleResponse, error) {
	d := h.app.Authorizer.Authorize(ctx, req.QueryStringParameters["auth"])
	return events.APIGatewayV2CustomAuthorizerSimpleResponse{
		IsAuthorized: d.Authorized,
		Context:      d.Context,
	}, nil
}

// Ingest processes object-created notifications for uploaded files. Every
// record is attempted; the first failure is returned so the event is retried.
func (h *Handlers) Ingest(ctx context.Context, ev events.S3Event) error {
	if h.app.Uploads == nil {
		return fmt.Errorf("uploads are not configured")
	}
	var first error
	for _, rec := range ev.Records {
		key, err := uploads.DecodeEventKey(rec.S3.Object.Key)
		if err == nil {
			_, err = h.app.Uploads.Ingest(ctx, key)
		}
		if err != nil {
			h.log.WithContext(ctx).WithError(err).WithField("key", rec.S3.Object.Key).Error("ingest failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// AlertEmail evaluates thresholds for topic events. The first failure is
// returned so the topic redelivers.
func (h *Handlers) AlertEmail(ctx context.Context, ev events.SNSEvent) error {
	var first error
	for _, rec := range ev.Records {
		if err := h.app.Alerts.HandleMessage(ctx, snsMessage(rec.SNS)); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Fanout pushes topic events to the user's websocket connections.
func (h *Handlers) Fanout(ctx context.Context, ev events.SNSEvent) error {
	for _, rec := range ev.Records {
		if err := h.app.Realtime.HandleMessage(ctx, snsMessage(rec.SNS)); err != nil {
			h.log.WithContext(ctx).WithError(err).WithField("message_id", rec.SNS.MessageID).Warn("fan-out failed")
		}
	}
	return nil
}

// snsMessage converts an SNS entity, whose attributes arrive as
// {"Type": ..., "Value": ...} objects.
func snsMessage(e events.SNSEntity) pubsub.Message {
	msg := pubsub.Message{Body: e.Message}
	for name, raw := range e.MessageAttributes {
		var value string
		switch v := raw.(type) {
		case map[string]interface{}:
			value, _ = v["Value"].(string)
		case string:
			value = v
		}
		if value == "" {
			continue
		}
		if msg.Attributes == nil {
			msg.Attributes = make(map[string]string)
		}
		msg.Attributes[name] = value
	}
	return msg
}

// Connection handles the websocket $connect and $disconnect routes.
func (h *Handlers) Connection(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := req.RequestContext
	res := h.app.Realtime.HandleRoute(ctx, rc.RouteKey, rc.ConnectionID, req.Headers, authorizedIdentity(rc.Authorizer))
	return events.APIGatewayProxyResponse{
		StatusCode: res.StatusCode,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       res.Body,
	}, nil
}

// authorizedIdentity reads the context set by the Authorizer function.
func authorizedIdentity(raw interface{}) *auth.Identity {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	if inner, ok := m["lambda"].(map[string]interface{}); ok {
		m = inner
	}
	userID, _ := m["userId"].(string)
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	email, _ := m["email"].(string)
	return &auth.Identity{UserID: userID, Email: email}
}

// TrainingExport writes the training dataset and reports where.
func (h *Handlers) TrainingExport(ctx context.Context) (map[string]string, error) {
	if h.app.Training == nil {
		return nil, fmt.Errorf("training is not configured")
	}
	uri, err := h.app.Training.ExportDataset(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"s3Path": uri}, nil
}

// TrainingDeploy deploys the model of a finished training job.
func (h *Handlers) TrainingDeploy(ctx context.Context, req training.DeployRequest) error {
	if h.app.Training == nil {
		return fmt.Errorf("training is not configured")
	}
	_, err := h.app.Training.DeployModel(ctx, req)
	return err
}
