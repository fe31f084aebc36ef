package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// ManagerAPI is the subset of the Secrets Manager client used here
type ManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerResolver reads credentials from AWS Secrets Manager
type SecretsManagerResolver struct {
	api    ManagerAPI
	logger *zap.Logger
}

// NewSecretsManagerResolver loads the default AWS configuration
func NewSecretsManagerResolver(ctx context.Context, region string, logger *zap.Logger) (*SecretsManagerResolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSecretsManagerResolverWithAPI(secretsmanager.NewFromConfig(cfg), logger), nil
}

// NewSecretsManagerResolverWithAPI wraps an existing client
func NewSecretsManagerResolverWithAPI(api ManagerAPI, logger *zap.Logger) *SecretsManagerResolver {
	return &SecretsManagerResolver{api: api, logger: logger}
}

// Resolve fetches and decodes the secret. SecretString is preferred over SecretBinary.
func (r *SecretsManagerResolver) Resolve(ctx context.Context, id string) (Credential, error) {
	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			r.logger.Warn("Secret lookup failed",
				zap.String("secret_id", id),
				zap.String("code", apiErr.ErrorCode()),
			)
		}
		return Credential{}, fmt.Errorf("failed to get secret %s: %w", id, err)
	}

	var cred Credential
	if out.SecretString != nil {
		cred, err = Decode([]byte(*out.SecretString))
	} else {
		cred, err = DecodeBinary(out.SecretBinary)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("secret %s: %w", id, err)
	}

	r.logger.Debug("Resolved credential",
		zap.String("secret_id", id),
		zap.Stringer("kind", cred.Kind),
	)
	return cred, nil
}
