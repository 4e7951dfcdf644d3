package userdata

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/kballard/go-shellquote"
)

const (
	// StatusPath is where the bootstrap script records its progress on the instance
	StatusPath = "/var/lib/vllmhost/status.json"

	CondaPrefix   = "/opt/miniconda"
	CondaEnv      = "vllm"
	PythonVersion = "3.11"
	ServerPort    = 8000

	// DefaultReadyTimeout is how long the script waits for the server to report healthy before it fails the step
	DefaultReadyTimeout = 15 * time.Minute
	readyInterval       = 10 * time.Second

	redacted = "********"
)

// Step states written to the status file
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// StepComplete is the final step recorded once every step succeeded
const StepComplete = "complete"

var (
	ErrMissingValue = errors.New("missing required bootstrap value")
	ErrInvalidValue = errors.New("invalid bootstrap value")

	//go:embed bootstrap.sh.tmpl
	bootstrapTemplate string

	bootstrap = template.Must(template.New("bootstrap").Funcs(template.FuncMap{
		"quote": func(s string) string { return shellquote.Join(s) },
	}).Parse(bootstrapTemplate))
)

// Values are interpolated into the bootstrap script
type Values struct {
	DataDogAPIKey string `yaml:"datadogAPIKey" json:"datadogAPIKey"`
	DataDogSite   string `yaml:"datadogSite" json:"datadogSite"`
	HFToken       string `yaml:"hfToken" json:"hfToken"`
	Model         string `yaml:"model" json:"model"`
	// ReadyTimeout bounds the wait for the server health check, which covers the model download. Zero means DefaultReadyTimeout.
	ReadyTimeout time.Duration `yaml:"readyTimeout,omitempty" json:"readyTimeout,omitempty"`
}

// Validate returns ErrMissingValue naming every empty value and ErrInvalidValue for a negative ready timeout
func (v Values) Validate() error {
	var errs []error
	for _, field := range []struct{ name, value string }{
		{"datadog api key", v.DataDogAPIKey},
		{"datadog site", v.DataDogSite},
		{"hugging face token", v.HFToken},
		{"model", v.Model},
	} {
		if strings.TrimSpace(field.value) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingValue, field.name))
		}
	}
	if v.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: ready timeout %s is negative", ErrInvalidValue, v.ReadyTimeout))
	}
	return errors.Join(errs...)
}

// Secrets returns the values that must never be printed
func (v Values) Secrets() []string {
	return []string{v.DataDogAPIKey, v.HFToken}
}

// Map applies fn to every value, e.g. to resolve secret references
func (v Values) Map(ctx context.Context, fn func(context.Context, string) (string, error)) (Values, error) {
	var err error
	for _, field := range []*string{&v.DataDogAPIKey, &v.DataDogSite, &v.HFToken, &v.Model} {
		if *field, err = fn(ctx, *field); err != nil {
			return Values{}, err
		}
	}
	return v, nil
}

type templateData struct {
	Values
	StatusPath    string
	CondaPrefix   string
	CondaEnv      string
	PythonVersion string
	Port          int
	ReadyAttempts int
	ReadyInterval int
}

// Render interpolates values into the bootstrap script.
// Values are shell quoted only when they need it, so plain values appear verbatim.
func Render(v Values) (string, error) {
	if err := v.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := bootstrap.Execute(&buf, templateData{
		Values:        v,
		StatusPath:    StatusPath,
		CondaPrefix:   CondaPrefix,
		CondaEnv:      CondaEnv,
		PythonVersion: PythonVersion,
		Port:          ServerPort,
		ReadyAttempts: v.readyAttempts(),
		ReadyInterval: int(readyInterval / time.Second),
	}); err != nil {
		return "", fmt.Errorf("failed to render bootstrap script: %w", err)
	}
	return buf.String(), nil
}

// readyAttempts is the number of health checks, readyInterval apart, that fit in the ready timeout
func (v Values) readyAttempts() int {
	timeout := v.ReadyTimeout
	if timeout == 0 {
		timeout = DefaultReadyTimeout
	}
	return int((timeout + readyInterval - 1) / readyInterval)
}

// FromFile returns the contents of path unmodified, even when empty. A file:// prefix is accepted.
func FromFile(path string) (string, error) {
	path = strings.TrimPrefix(path, "file://")
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read user data: %w", err)
	}
	return string(content), nil
}

// Redact replaces every non-empty secret in script
func Redact(script string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		if quoted := shellquote.Join(secret); quoted != secret {
			script = strings.ReplaceAll(script, quoted, redacted)
		}
		script = strings.ReplaceAll(script, secret, redacted)
	}
	return script
}

// Status is the progress record the bootstrap script writes to StatusPath
type Status struct {
	Step    string    `json:"step"`
	State   string    `json:"state"`
	Updated time.Time `json:"updated"`
	Message string    `json:"message,omitempty"`
}

// Done reports whether the script finished, successfully or not
func (s Status) Done() bool {
	return s.State == StateFailed || (s.Step == StepComplete && s.State == StateSucceeded)
}

func ParseStatus(data []byte) (Status, error) {
	var status Status
	if err := json.Unmarshal(bytes.TrimSpace(data), &status); err != nil {
		return Status{}, fmt.Errorf("failed to parse bootstrap status: %w", err)
	}
	switch status.State {
	case StateRunning, StateSucceeded, StateFailed:
	default:
		return Status{}, fmt.Errorf("unknown bootstrap state %q", status.State)
	}
	return status, nil
}
