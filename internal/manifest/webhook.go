package manifest

import (
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ExtensionHost/internal/errors"
)

// Signing algorithms supported for webhook bodies.
const (
	AlgHMACSHA256 = "HMAC-SHA256"
	AlgHMACSHA512 = "HMAC-SHA512"
)

// Backoff kinds.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

const (
	defaultMaxAttempts = 5
	maxMaxAttempts     = 20
)

// WebhookSpec declares how matching events are delivered to an external endpoint.
type WebhookSpec struct {
	APIVersion string     `yaml:"api_version" json:"api_version"`
	Name       string     `yaml:"name,omitempty" json:"name,omitempty"`
	On         []string   `yaml:"on" json:"on"`
	Delivery   Delivery   `yaml:"delivery" json:"delivery"`
	Transform  *Transform `yaml:"transform,omitempty" json:"transform,omitempty"`
	Retry      Retry      `yaml:"retry" json:"retry"`
}

// Delivery is the HTTP target of a webhook.
type Delivery struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Signing Signing           `yaml:"signing" json:"signing"`
}

// Signing configures the body signature. SecretRef names a key in the installation's secrets.
type Signing struct {
	Alg       string `yaml:"alg" json:"alg"`
	Secret    string `yaml:"secret,omitempty" json:"secret,omitempty"`
	SecretRef string `yaml:"secret_ref,omitempty" json:"secret_ref,omitempty"`
}

// Transform names a Lua function that reshapes the payload before signing.
type Transform struct {
	Entry    string   `yaml:"entry" json:"entry"`
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`
}

// Retry is the delivery retry policy.
type Retry struct {
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
	Backoff     string `yaml:"backoff" json:"backoff"`
}

// ParseWebhookSpec decodes and validates a standalone webhook spec file.
func ParseWebhookSpec(name string, data []byte) (*WebhookSpec, error) {
	var spec WebhookSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeManifestError, err, fmt.Sprintf("webhook spec %s is not valid YAML", name))
	}
	if spec.Name == "" {
		spec.Name = name
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the spec and fills defaults.
func (s *WebhookSpec) Validate() error {
	if s.APIVersion == "" {
		s.APIVersion = "v1"
	}
	if s.APIVersion != "v1" {
		return fieldError("webhooks.api_version", "unsupported version %q", s.APIVersion)
	}
	if len(s.On) == 0 {
		return fieldError("webhooks.on", "at least one event type is required")
	}
	s.On = dedupe(s.On)
	for _, ev := range s.On {
		if !eventPattern.MatchString(ev) {
			return fieldError("webhooks.on", "%q is not a valid event type", ev)
		}
	}

	target, err := url.Parse(s.Delivery.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return fieldError("webhooks.delivery.url", "%q must be an absolute http(s) URL", s.Delivery.URL)
	}

	switch strings.ToUpper(s.Delivery.Signing.Alg) {
	case "", AlgHMACSHA256:
		s.Delivery.Signing.Alg = AlgHMACSHA256
	case AlgHMACSHA512:
		s.Delivery.Signing.Alg = AlgHMACSHA512
	default:
		return fieldError("webhooks.delivery.signing.alg", "unsupported algorithm %q", s.Delivery.Signing.Alg)
	}
	if s.Delivery.Signing.Secret == "" && s.Delivery.Signing.SecretRef == "" {
		return fieldError("webhooks.delivery.signing", "secret or secret_ref is required")
	}

	if s.Transform != nil {
		if s.Transform.Entry == "" {
			return fieldError("webhooks.transform.entry", "is required when transform is set")
		}
		s.Transform.Requires = dedupe(s.Transform.Requires)
	}

	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = defaultMaxAttempts
	}
	if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > maxMaxAttempts {
		return fieldError("webhooks.retry.max_attempts", "must be between 1 and %d", maxMaxAttempts)
	}
	switch strings.ToLower(s.Retry.Backoff) {
	case "", BackoffExponential:
		s.Retry.Backoff = BackoffExponential
	case BackoffFixed:
		s.Retry.Backoff = BackoffFixed
	default:
		return fieldError("webhooks.retry.backoff", "unsupported backoff %q", s.Retry.Backoff)
	}
	return nil
}

// Matches reports whether the spec triggers on eventType.
func (s *WebhookSpec) Matches(eventType string) bool {
	for _, ev := range s.On {
		if ev == eventType {
			return true
		}
	}
	return false
}

// TransformFunction returns the Lua function name of the transform step.
// Entries may be written as "transforms.lua:shape" or just "shape".
func (t *Transform) TransformFunction() (file, fn string) {
	if i := strings.LastIndex(t.Entry, ":"); i >= 0 {
		return t.Entry[:i], t.Entry[i+1:]
	}
	return "", t.Entry
}
