// Package pushapi delivers messages to connected websocket clients.
package pushapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

// ErrGone reports that the connection no longer exists.
var ErrGone = errors.New("pushapi: connection gone")

// Pusher sends data to one connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, data []byte) error
}

// ManagementAPI is the subset of the API Gateway management client used here.
type ManagementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Gateway pushes through the API Gateway websocket management endpoint.
type Gateway struct {
	client ManagementAPI
}

func NewGateway(client ManagementAPI) *Gateway {
	return &Gateway{client: client}
}

// NewGatewayClient builds a management client for the websocket stage
// endpoint, e.g. https://abc.execute-api.us-east-1.amazonaws.com/prod.
func NewGatewayClient(cfg aws.Config, endpoint string) *apigatewaymanagementapi.Client {
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

func (g *Gateway) Push(ctx context.Context, connectionID string, data []byte) error {
	_, err := g.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	if err == nil {
		return nil
	}
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return ErrGone
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusGone {
		return ErrGone
	}
	return fmt.Errorf("post to connection %s: %w", connectionID, err)
}
