package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"ingestledger/internal/config"
)

// AWSClients are the service clients the ledger talks to.
type AWSClients struct {
	SNS *sns.Client
	SQS *sqs.Client
	S3  *s3.Client
}

// NewAWSClients loads the default credential chain. A configured endpoint
// replaces every service endpoint, which is how localstack is reached.
func NewAWSClients(ctx context.Context, c config.AWS) (*AWSClients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if c.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(c.Endpoint)
	}
	return &AWSClients{
		SNS: sns.NewFromConfig(cfg),
		SQS: sqs.NewFromConfig(cfg),
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.UsePathStyle = c.Endpoint != ""
		}),
	}, nil
}
