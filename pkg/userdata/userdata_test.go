package userdata_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/userdata"
)

func TestRender(t *testing.T) {
	script, err := userdata.Render(userdata.Values{
		DataDogAPIKey: "k1",
		DataDogSite:   "s1",
		HFToken:       "t1",
		Model:         "m1",
	})
	require.NoError(t, err)
	for _, expected := range []string{
		"DD_API_KEY=k1",
		"DD_SITE=s1",
		"HF_TOKEN=t1",
		"vllm serve m1",
		"/opt/miniconda",
		"python=3.11",
		"http://localhost:8000/health",
		"openmetrics_endpoint: http://localhost:8000/metrics",
		"/etc/datadog-agent/conf.d/vllm.d/conf.yaml",
		userdata.StatusPath,
	} {
		assert.Contains(t, script, expected)
	}
	assert.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
}

func TestRenderStepOrder(t *testing.T) {
	script, err := userdata.Render(userdata.Values{DataDogAPIKey: "k", DataDogSite: "s", HFToken: "t", Model: "m"})
	require.NoError(t, err)
	steps := []string{
		"step install-miniconda",
		"step create-env",
		"step install-vllm",
		"step launch-server",
		"step wait-ready",
		"step install-agent",
		"step configure-agent",
		"status complete succeeded",
	}
	last := -1
	for _, s := range steps {
		idx := strings.Index(script, s)
		require.Greater(t, idx, last, "%s is out of order", s)
		last = idx
	}
}

func TestRenderQuotesMetacharacters(t *testing.T) {
	script, err := userdata.Render(userdata.Values{
		DataDogAPIKey: "k1",
		DataDogSite:   "datadoghq.eu",
		HFToken:       "hf_$(reboot)",
		Model:         "meta-llama/Llama-3.1-8B-Instruct",
	})
	require.NoError(t, err)
	assert.NotContains(t, script, "HF_TOKEN=hf_$(reboot)\n")
	assert.Contains(t, script, "vllm serve meta-llama/Llama-3.1-8B-Instruct")
	assert.Contains(t, script, "DD_SITE=datadoghq.eu")
}

func TestRenderReadyTimeout(t *testing.T) {
	values := userdata.Values{DataDogAPIKey: "k", DataDogSite: "s", HFToken: "t", Model: "m"}
	for _, tc := range []struct {
		name         string
		timeout      time.Duration
		wantAttempts string
	}{
		{name: "default", wantAttempts: "$(seq 1 90)"},
		{name: "an hour", timeout: time.Hour, wantAttempts: "$(seq 1 360)"},
		{name: "rounds up to a whole attempt", timeout: 95 * time.Second, wantAttempts: "$(seq 1 10)"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := values
			v.ReadyTimeout = tc.timeout
			script, err := userdata.Render(v)
			require.NoError(t, err)
			assert.Contains(t, script, tc.wantAttempts)
			assert.Contains(t, script, "sleep 10")
		})
	}
	t.Run("negative", func(t *testing.T) {
		v := values
		v.ReadyTimeout = -time.Minute
		_, err := userdata.Render(v)
		assert.ErrorIs(t, err, userdata.ErrInvalidValue)
	})
}

func TestRenderMissingValues(t *testing.T) {
	for _, tc := range []struct {
		name    string
		values  userdata.Values
		missing []string
	}{
		{name: "all missing", values: userdata.Values{}, missing: []string{"datadog api key", "datadog site", "hugging face token", "model"}},
		{name: "model missing", values: userdata.Values{DataDogAPIKey: "k", DataDogSite: "s", HFToken: "t"}, missing: []string{"model"}},
		{name: "whitespace token", values: userdata.Values{DataDogAPIKey: "k", DataDogSite: "s", HFToken: "  ", Model: "m"}, missing: []string{"hugging face token"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := userdata.Render(tc.values)
			require.ErrorIs(t, err, userdata.ErrMissingValue)
			for _, m := range tc.missing {
				assert.ErrorContains(t, err, m)
			}
		})
	}
}

func TestValuesMap(t *testing.T) {
	values := userdata.Values{DataDogAPIKey: "ssm:/dd", DataDogSite: "s", HFToken: "t", Model: "m"}
	resolved, err := values.Map(context.Background(), func(_ context.Context, v string) (string, error) {
		return strings.ToUpper(v), nil
	})
	require.NoError(t, err)
	assert.Equal(t, userdata.Values{DataDogAPIKey: "SSM:/DD", DataDogSite: "S", HFToken: "T", Model: "M"}, resolved)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	content := "#!/bin/bash\necho hello   \n\n"
	path := filepath.Join(dir, "userdata.sh")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	for _, p := range []string{path, "file://" + path} {
		got, err := userdata.FromFile(p)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}

	empty := filepath.Join(dir, "empty.sh")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	got, err := userdata.FromFile(empty)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = userdata.FromFile(filepath.Join(dir, "missing.sh"))
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	values := userdata.Values{DataDogAPIKey: "ddkey123", DataDogSite: "s1", HFToken: "it's secret", Model: "m1"}
	script, err := userdata.Render(values)
	require.NoError(t, err)
	redacted := userdata.Redact(script, values.Secrets()...)
	assert.NotContains(t, redacted, "ddkey123")
	assert.NotContains(t, redacted, "secret")
	assert.Contains(t, redacted, "DD_SITE=s1")
	assert.Contains(t, redacted, "vllm serve m1")
}

func TestParseStatus(t *testing.T) {
	for _, tc := range []struct {
		name      string
		data      string
		expected  userdata.Status
		done      bool
		expectErr bool
	}{
		{
			name:     "running",
			data:     `{"step":"install-vllm","state":"running","updated":"2026-01-02T03:04:05Z","message":""}` + "\n",
			expected: userdata.Status{Step: "install-vllm", State: userdata.StateRunning, Updated: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		},
		{
			name:     "failed",
			data:     `{"step":"wait-ready","state":"failed","updated":"2026-01-02T03:04:05Z","message":"step exited non-zero"}`,
			expected: userdata.Status{Step: "wait-ready", State: userdata.StateFailed, Updated: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Message: "step exited non-zero"},
			done:     true,
		},
		{
			name:     "complete",
			data:     `{"step":"complete","state":"succeeded","updated":"2026-01-02T03:04:05Z","message":""}`,
			expected: userdata.Status{Step: userdata.StepComplete, State: userdata.StateSucceeded, Updated: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
			done:     true,
		},
		{name: "garbage", data: "cat: /var/lib/vllmhost/status.json: No such file", expectErr: true},
		{name: "unknown state", data: `{"step":"x","state":"exploded","updated":"2026-01-02T03:04:05Z"}`, expectErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status, err := userdata.ParseStatus([]byte(tc.data))
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, status)
			assert.Equal(t, tc.done, status.Done())
		})
	}
}
