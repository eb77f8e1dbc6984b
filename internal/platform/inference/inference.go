// Package inference talks to hosted prediction endpoints: checking their
// status, invoking them and deploying trained models behind them.
package inference

import (
	"context"
	"errors"
)

var (
	// ErrEndpointNotFound reports that the named endpoint does not exist.
	ErrEndpointNotFound = errors.New("inference: endpoint not found")
	// ErrValidation reports that the endpoint rejected the request.
	ErrValidation = errors.New("inference: validation error")
	// ErrUnavailable reports a transient provider outage.
	ErrUnavailable = errors.New("inference: service unavailable")
)

// StatusInService is the status of an endpoint ready to serve.
const StatusInService = "InService"

// Runtime checks and invokes endpoints.
type Runtime interface {
	EndpointStatus(ctx context.Context, endpoint string) (string, error)
	Invoke(ctx context.Context, endpoint, contentType string, body []byte) ([]byte, error)
}

// EndpointConfig describes a single-variant endpoint configuration.
type EndpointConfig struct {
	Name          string
	ModelName     string
	InstanceType  string
	VariantName   string
	InitialWeight float32
	InstanceCount int32
}

// Deployer turns a finished training job into a serving endpoint.
type Deployer interface {
	// TrainingArtifacts returns the model artifact location of a training
	// job, or "" when it has none.
	TrainingArtifacts(ctx context.Context, jobName string) (string, error)
	CreateEndpointConfig(ctx context.Context, cfg EndpointConfig) error
	CreateEndpoint(ctx context.Context, name, configName string) error
}
