package pushapi

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

type fakeManagement struct {
	err error
	in  *apigatewaymanagementapi.PostToConnectionInput
}

func (f *fakeManagement) PostToConnection(_ context.Context, in *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	f.in = in
	return &apigatewaymanagementapi.PostToConnectionOutput{}, f.err
}

func TestGatewayPush(t *testing.T) {
	api := &fakeManagement{}
	g := NewGateway(api)

	if err := g.Push(context.Background(), "c1", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if aws.ToString(api.in.ConnectionId) != "c1" || string(api.in.Data) != `{"x":1}` {
		t.Fatalf("unexpected input %+v", api.in)
	}

	api.err = &types.GoneException{}
	if err := g.Push(context.Background(), "c1", nil); !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}

	other := errors.New("throttled")
	api.err = other
	if err := g.Push(context.Background(), "c1", nil); !errors.Is(err, other) || errors.Is(err, ErrGone) {
		t.Fatalf("unexpected error %v", err)
	}
}
