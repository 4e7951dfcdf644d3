package fake

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/samber/lo"
)

type SecretsManager struct {
	mu      sync.Mutex
	calls   *Calls
	secrets map[string]string
}

func NewSecretsManager(calls *Calls) *SecretsManager {
	return &SecretsManager{calls: calls, secrets: map[string]string{}}
}

func (f *SecretsManager) PutSecret(id, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[id] = value
}

func (f *SecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if err := f.calls.check("GetSecretValue"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := lo.FromPtr(in.SecretId)
	value, ok := f.secrets[id]
	if !ok {
		return nil, APIError("ResourceNotFoundException", "Secrets Manager can't find the specified secret %s.", id)
	}
	return &secretsmanager.GetSecretValueOutput{Name: aws.String(id), SecretString: aws.String(value)}, nil
}
