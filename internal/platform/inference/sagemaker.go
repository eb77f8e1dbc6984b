package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	rttypes "github.com/aws/aws-sdk-go-v2/service/sagemakerruntime/types"
	"github.com/aws/smithy-go"
)

// ControlAPI is the subset of the SageMaker control plane used here.
type ControlAPI interface {
	DescribeEndpoint(ctx context.Context, in *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
	DescribeTrainingJob(ctx context.Context, in *sagemaker.DescribeTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error)
	CreateEndpointConfig(ctx context.Context, in *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error)
	CreateEndpoint(ctx context.Context, in *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error)
}

// RuntimeAPI is the subset of the SageMaker runtime used here.
type RuntimeAPI interface {
	InvokeEndpoint(ctx context.Context, in *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// SageMaker implements Runtime and Deployer.
type SageMaker struct {
	control ControlAPI
	runtime RuntimeAPI
}

var _ Runtime = (*SageMaker)(nil)
var _ Deployer = (*SageMaker)(nil)

func NewSageMaker(control ControlAPI, runtime RuntimeAPI) *SageMaker {
	return &SageMaker{control: control, runtime: runtime}
}

func (s *SageMaker) EndpointStatus(ctx context.Context, endpoint string) (string, error) {
	out, err := s.control.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpoint)})
	if err != nil {
		return "", translate(err)
	}
	if out == nil || out.EndpointStatus == "" {
		return "", ErrEndpointNotFound
	}
	return string(out.EndpointStatus), nil
}

func (s *SageMaker) Invoke(ctx context.Context, endpoint, contentType string, body []byte) ([]byte, error) {
	out, err := s.runtime.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(endpoint),
		ContentType:  aws.String(contentType),
		Body:         body,
	})
	if err != nil {
		return nil, translate(err)
	}
	return out.Body, nil
}

func (s *SageMaker) TrainingArtifacts(ctx context.Context, jobName string) (string, error) {
	out, err := s.control.DescribeTrainingJob(ctx, &sagemaker.DescribeTrainingJobInput{TrainingJobName: aws.String(jobName)})
	if err != nil {
		return "", translate(err)
	}
	if out.ModelArtifacts == nil {
		return "", nil
	}
	return aws.ToString(out.ModelArtifacts.S3ModelArtifacts), nil
}

func (s *SageMaker) CreateEndpointConfig(ctx context.Context, cfg EndpointConfig) error {
	_, err := s.control.CreateEndpointConfig(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(cfg.Name),
		ProductionVariants: []smtypes.ProductionVariant{{
			VariantName:          aws.String(cfg.VariantName),
			ModelName:            aws.String(cfg.ModelName),
			InstanceType:         smtypes.ProductionVariantInstanceType(cfg.InstanceType),
			InitialVariantWeight: aws.Float32(cfg.InitialWeight),
			InitialInstanceCount: aws.Int32(cfg.InstanceCount),
		}},
	})
	if err != nil {
		return fmt.Errorf("create endpoint config %s: %w", cfg.Name, translate(err))
	}
	return nil
}

func (s *SageMaker) CreateEndpoint(ctx context.Context, name, configName string) error {
	_, err := s.control.CreateEndpoint(ctx, &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(name),
		EndpointConfigName: aws.String(configName),
	})
	if err != nil {
		return fmt.Errorf("create endpoint %s: %w", name, translate(err))
	}
	return nil
}

func translate(err error) error {
	var (
		validation  *rttypes.ValidationError
		unavailable *rttypes.ServiceUnavailable
		notFound    *smtypes.ResourceNotFound
		apiErr      smithy.APIError
	)
	switch {
	case errors.As(err, &validation):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.As(err, &unavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", ErrEndpointNotFound, err)
	case errors.As(err, &apiErr):
		// DescribeEndpoint reports a missing endpoint as a generic
		// ValidationException.
		if apiErr.ErrorCode() == "ValidationException" && strings.Contains(apiErr.ErrorMessage(), "Could not find") {
			return fmt.Errorf("%w: %v", ErrEndpointNotFound, err)
		}
		if apiErr.ErrorCode() == "ValidationException" {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if apiErr.ErrorCode() == "ServiceUnavailable" || apiErr.ErrorCode() == "ThrottlingException" {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
