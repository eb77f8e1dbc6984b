package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/wattwise/energy-monitor/pkg/logger"
)

type fakeSNS struct {
	in *sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSPublishCarriesAttributes(t *testing.T) {
	api := &fakeSNS{}
	topic := NewSNS(api, "arn:aws:sns:us-east-1:123:energy")

	err := topic.Publish(context.Background(), Message{Body: `{"userId":"u1"}`, Attributes: map[string]string{"userId": "u1", "date": "2024-01-01"}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if aws.ToString(api.in.TopicArn) != "arn:aws:sns:us-east-1:123:energy" || aws.ToString(api.in.Message) != `{"userId":"u1"}` {
		t.Fatalf("unexpected input %+v", api.in)
	}
	attr := api.in.MessageAttributes["date"]
	if aws.ToString(attr.DataType) != "String" || aws.ToString(attr.StringValue) != "2024-01-01" {
		t.Fatalf("unexpected attribute %+v", attr)
	}
}

func TestMemoryFanOut(t *testing.T) {
	m := NewMemory(logger.NewDiscard())
	ctx, cancel := context.WithCancel(context.Background())

	var got []string
	_ = m.Subscribe(ctx, "a", func(_ context.Context, msg Message) error {
		got = append(got, "a:"+msg.Attribute("userId"))
		return errors.New("ignored")
	})
	_ = m.Subscribe(context.Background(), "b", func(_ context.Context, msg Message) error {
		got = append(got, "b:"+msg.Attribute("userId"))
		return nil
	})

	if err := m.Publish(context.Background(), Message{Body: "{}", Attributes: map[string]string{"userId": "u1"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 2 || got[0] != "a:u1" || got[1] != "b:u1" {
		t.Fatalf("unexpected deliveries %v", got)
	}

	cancel()
	got = nil
	_ = m.Publish(context.Background(), Message{Body: "{}", Attributes: map[string]string{"userId": "u2"}})
	if len(got) != 1 || got[0] != "b:u2" {
		t.Fatalf("cancelled subscriber still receives: %v", got)
	}
}

func TestMessageAttributeNil(t *testing.T) {
	if (Message{}).Attribute("userId") != "" {
		t.Fatalf("expected empty attribute")
	}
}
