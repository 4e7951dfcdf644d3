package secrets_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/fake"
	"github.com/bwagner5/vllmhost/pkg/providers/secrets"
)

func TestResolve(t *testing.T) {
	calls := fake.NewCalls()
	ssmAPI := fake.NewSSM(calls)
	smAPI := fake.NewSecretsManager(calls)
	ssmAPI.PutParameter("/llm/hf-token", "hf_abc")
	ssmAPI.PutParameter("/llm/empty", "")
	smAPI.PutSecret("datadog/api-key", "dd123")
	resolver := secrets.NewResolver(ssmAPI, smAPI)

	for _, tc := range []struct {
		name  string
		ref   string
		want  string
		isErr error
		err   bool
	}{
		{name: "literal", ref: "meta-llama/Llama-3.1-8B-Instruct", want: "meta-llama/Llama-3.1-8B-Instruct"},
		{name: "empty literal", ref: "", want: ""},
		{name: "ssm parameter", ref: "ssm:/llm/hf-token", want: "hf_abc"},
		{name: "secrets manager", ref: "secretsmanager:datadog/api-key", want: "dd123"},
		{name: "missing ssm parameter", ref: "ssm:/llm/missing", err: true},
		{name: "missing secret", ref: "secretsmanager:missing", err: true},
		{name: "empty ssm parameter", ref: "ssm:/llm/empty", isErr: secrets.ErrEmptySecret},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolver.Resolve(context.Background(), tc.ref)
			switch {
			case tc.isErr != nil:
				assert.ErrorIs(t, err, tc.isErr)
			case tc.err:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestIsReference(t *testing.T) {
	assert.True(t, secrets.IsReference("ssm:/a"))
	assert.True(t, secrets.IsReference("secretsmanager:a"))
	assert.False(t, secrets.IsReference("datadoghq.com"))
}
