// Package manifest parses and validates the declarative description shipped
// with every plugin package.
package manifest

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	xerrors "ExtensionHost/internal/errors"
)

// HostVersion is compared against a manifest's min_host_version constraint.
const HostVersion = "1.4.0"

// FileNames lists the accepted manifest locations at the archive root, in lookup order.
var FileNames = []string{"manifest.yaml", "manifest.yml", "plugin.yaml", "manifest.json"}

var (
	slugPattern  = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)
	eventPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)
	jobPattern   = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

	// ErrManifest is the sentinel for every manifest validation failure.
	ErrManifest = xerrors.New(xerrors.CodeManifestError, "")
)

// Manifest is the parsed form of manifest.yaml.
type Manifest struct {
	Slug           string         `yaml:"slug" json:"slug"`
	Name           string         `yaml:"name" json:"name"`
	Version        string         `yaml:"version" json:"version"`
	Entry          string         `yaml:"entry" json:"entry"`
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`
	Author         string         `yaml:"author,omitempty" json:"author,omitempty"`
	Permissions    []string       `yaml:"permissions" json:"permissions"`
	Routes         bool           `yaml:"routes" json:"routes"`
	Events         []string       `yaml:"events,omitempty" json:"events,omitempty"`
	Jobs           []Job          `yaml:"jobs,omitempty" json:"jobs,omitempty"`
	Webhooks       []WebhookRef   `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Config         map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	MinHostVersion string         `yaml:"min_host_version,omitempty" json:"min_host_version,omitempty"`
}

// Job declares a scheduled job by name.
type Job struct {
	Name     string `yaml:"name" json:"name"`
	Schedule string `yaml:"schedule" json:"schedule"`
}

// WebhookRef is either a path to a webhook spec file inside the archive or an inline spec.
type WebhookRef struct {
	Path   string       `json:"path,omitempty"`
	Inline *WebhookSpec `json:"inline,omitempty"`
}

// UnmarshalYAML accepts a scalar path or a mapping.
func (r *WebhookRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&r.Path)
	}
	var spec WebhookSpec
	if err := node.Decode(&spec); err != nil {
		return err
	}
	r.Inline = &spec
	return nil
}

// MarshalYAML mirrors UnmarshalYAML.
func (r WebhookRef) MarshalYAML() (any, error) {
	if r.Inline != nil {
		return r.Inline, nil
	}
	return r.Path, nil
}

// Parse decodes and validates raw manifest bytes. JSON manifests are accepted as YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeManifestError, err, "manifest is not valid YAML")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func fieldError(field, format string, args ...any) error {
	return xerrors.New(xerrors.CodeManifestError,
		fmt.Sprintf("%s: %s", field, fmt.Sprintf(format, args...)),
		xerrors.WithMetadata("field", field))
}

// Validate checks required fields and value formats. It normalizes entries in place.
func (m *Manifest) Validate() error {
	m.Slug = strings.TrimSpace(m.Slug)
	m.Entry = strings.TrimSpace(m.Entry)

	if m.Slug == "" {
		return fieldError("slug", "is required")
	}
	if !slugPattern.MatchString(m.Slug) {
		return fieldError("slug", "%q must match %s", m.Slug, slugPattern)
	}
	if m.Version == "" {
		return fieldError("version", "is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fieldError("version", "%q is not a valid semantic version", m.Version)
	}
	if m.Entry == "" {
		return fieldError("entry", "is required")
	}
	if err := checkRelativePath(m.Entry); err != nil {
		return fieldError("entry", "%v", err)
	}
	if path.Ext(m.Entry) != ".lua" {
		return fieldError("entry", "%q must be a .lua file", m.Entry)
	}
	if m.Name == "" {
		m.Name = m.Slug
	}

	m.Permissions = dedupe(m.Permissions)
	for _, p := range m.Permissions {
		if p == "" {
			return fieldError("permissions", "empty permission name")
		}
	}

	m.Events = dedupe(m.Events)
	for _, ev := range m.Events {
		if !eventPattern.MatchString(ev) {
			return fieldError("events", "%q is not a valid event type", ev)
		}
	}

	seenJobs := make(map[string]struct{}, len(m.Jobs))
	for _, job := range m.Jobs {
		if !jobPattern.MatchString(job.Name) {
			return fieldError("jobs", "%q is not a valid job name", job.Name)
		}
		if _, dup := seenJobs[job.Name]; dup {
			return fieldError("jobs", "duplicate job %q", job.Name)
		}
		seenJobs[job.Name] = struct{}{}
		if _, err := ParseSchedule(job.Schedule); err != nil {
			return fieldError("jobs", "job %q: invalid schedule %q: %v", job.Name, job.Schedule, err)
		}
	}

	for i, ref := range m.Webhooks {
		switch {
		case ref.Inline != nil:
			if err := ref.Inline.Validate(); err != nil {
				return err
			}
			if ref.Inline.Name == "" {
				ref.Inline.Name = fmt.Sprintf("webhook-%d", i+1)
			}
		case ref.Path != "":
			if err := checkRelativePath(ref.Path); err != nil {
				return fieldError("webhooks", "%v", err)
			}
		default:
			return fieldError("webhooks", "entry %d is empty", i)
		}
	}

	if m.MinHostVersion != "" {
		constraint, err := semver.NewConstraint(m.MinHostVersion)
		if err != nil {
			return fieldError("min_host_version", "%q is not a valid constraint", m.MinHostVersion)
		}
		if !constraint.Check(semver.MustParse(HostVersion)) {
			return fieldError("min_host_version", "host %s does not satisfy %s", HostVersion, m.MinHostVersion)
		}
	}
	return nil
}

// HasPermission reports whether perm is declared.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// DeclaresEvent reports whether the manifest subscribes to the event type.
func (m *Manifest) DeclaresEvent(eventType string) bool {
	for _, ev := range m.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

// ValidEventType reports whether s is a dotted lower-case event type.
func ValidEventType(s string) bool {
	return len(s) <= 128 && eventPattern.MatchString(s)
}

// JobByName returns the declared job.
func (m *Manifest) JobByName(name string) (Job, bool) {
	for _, job := range m.Jobs {
		if job.Name == name {
			return job, true
		}
	}
	return Job{}, false
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or an @descriptor such as "@every 1m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	return scheduleParser.Parse(expr)
}

// CompareVersions returns -1, 0 or 1 comparing two semantic versions.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

func checkRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return fmt.Errorf("path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the package", p)
	}
	return nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
