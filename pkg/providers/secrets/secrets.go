package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/samber/lo"
)

const (
	SSMPrefix            = "ssm:"
	SecretsManagerPrefix = "secretsmanager:"
)

var ErrEmptySecret = errors.New("secret resolved to an empty value")

type SDKSSMOps interface {
	GetParameter(context.Context, *ssm.GetParameterInput, ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SDKSecretsManagerOps interface {
	GetSecretValue(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver turns secret references into their values at deploy time.
// A reference is "ssm:/parameter/path" for SSM Parameter Store or "secretsmanager:<name or arn>" for Secrets Manager.
// Anything else is a literal and returned as is.
type Resolver struct {
	ssmAPI SDKSSMOps
	smAPI  SDKSecretsManagerOps
}

func NewResolver(ssmAPI SDKSSMOps, smAPI SDKSecretsManagerOps) Resolver {
	return Resolver{
		ssmAPI: ssmAPI,
		smAPI:  smAPI,
	}
}

// IsReference reports whether value points at a secret store instead of being the secret itself
func IsReference(value string) bool {
	return strings.HasPrefix(value, SSMPrefix) || strings.HasPrefix(value, SecretsManagerPrefix)
}

// Resolve returns the secret value for ref, or ref itself when it is a literal
func (r Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, SSMPrefix):
		name := strings.TrimPrefix(ref, SSMPrefix)
		out, err := r.ssmAPI.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return "", fmt.Errorf("failed to get ssm parameter %s: %w", name, err)
		}
		if out.Parameter == nil || lo.FromPtr(out.Parameter.Value) == "" {
			return "", fmt.Errorf("%w: ssm parameter %s", ErrEmptySecret, name)
		}
		return *out.Parameter.Value, nil
	case strings.HasPrefix(ref, SecretsManagerPrefix):
		id := strings.TrimPrefix(ref, SecretsManagerPrefix)
		out, err := r.smAPI.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(id),
		})
		if err != nil {
			return "", fmt.Errorf("failed to get secret %s: %w", id, err)
		}
		if lo.FromPtr(out.SecretString) == "" {
			return "", fmt.Errorf("%w: secret %s", ErrEmptySecret, id)
		}
		return *out.SecretString, nil
	default:
		return ref, nil
	}
}
