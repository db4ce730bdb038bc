package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSProvider fetches secrets from AWS Secrets Manager.
type AWSProvider struct {
	client *secretsmanager.Client
}

// NewAWSProvider builds a provider from the default AWS config chain.
// An empty baseEndpoint uses the real service; set it for localstack.
func NewAWSProvider(ctx context.Context, region, baseEndpoint string) (*AWSProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: aws config: %w", ErrSecretUnavailable, err)
	}

	client := secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if baseEndpoint != "" {
			o.BaseEndpoint = aws.String(baseEndpoint)
		}
	})

	return &AWSProvider{client: client}, nil
}

// GetSecret fetches the current secret value by name.
func (p *AWSProvider) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSecretUnavailable, name, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("%w: %s: empty value", ErrSecretUnavailable, name)
	}
	return *out.SecretString, nil
}
