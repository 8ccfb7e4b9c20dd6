package aws

import (
	"context"
	"fmt"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const defaultRegion = "us-east-1"

// Settings selects the region and, for LocalStack-style emulators, a shared
// base endpoint for every service client.
type Settings struct {
	Region   string
	Endpoint string
}

// SettingsFromEnv reads AWS_REGION and AWS_ENDPOINT_OVERRIDE.
func SettingsFromEnv() Settings {
	s := Settings{Region: os.Getenv("AWS_REGION"), Endpoint: os.Getenv("AWS_ENDPOINT_OVERRIDE")}
	if s.Region == "" {
		s.Region = defaultRegion
	}
	return s
}

// Clients holds the service clients used by the API and the worker.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// LoadSDKConfig resolves credentials through the default chain and applies s.
func LoadSDKConfig(ctx context.Context, s Settings) (sdkaws.Config, error) {
	if s.Region == "" {
		s.Region = defaultRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(s.Region)}
	if s.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(s.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("load aws config (region %s): %w", s.Region, err)
	}
	return cfg, nil
}

// Connect builds DynamoDB, SQS and CloudWatch clients sharing one SDK config.
func Connect(ctx context.Context, s Settings) (*Clients, error) {
	cfg, err := LoadSDKConfig(ctx, s)
	if err != nil {
		return nil, err
	}
	return &Clients{
		DynamoDB:   dynamodb.NewFromConfig(cfg),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
	}, nil
}
