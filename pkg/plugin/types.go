package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Job is a scheduled entry point declared by a plugin.
type Job struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
}

// Plugin is the immutable identity of one package version. A new version is a new record.
type Plugin struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Entry       string    `json:"entry"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	Permissions []string  `json:"permissions"`
	Routes      bool      `json:"routes"`
	Events      []string  `json:"events,omitempty"`
	Jobs        []Job     `json:"jobs,omitempty"`
	Checksum    string    `json:"checksum"`
	Archive     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy of the record.
func (p *Plugin) Clone() *Plugin {
	if p == nil {
		return nil
	}
	dup := *p
	dup.Permissions = append([]string(nil), p.Permissions...)
	dup.Events = append([]string(nil), p.Events...)
	dup.Jobs = append([]Job(nil), p.Jobs...)
	dup.Archive = append([]byte(nil), p.Archive...)
	return &dup
}

// Checksum returns the hex sha256 of an archive.
func Checksum(archive []byte) string {
	sum := sha256.Sum256(archive)
	return hex.EncodeToString(sum[:])
}

// State is the lifecycle position of an installation.
type State string

const (
	StateDisabled State = "disabled"
	StateEnabled  State = "enabled"
)

// Installation binds a tenant to one Plugin version.
type Installation struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	PluginID         string         `json:"plugin_id"`
	Slug             string         `json:"slug"`
	InstalledVersion string         `json:"installed_version"`
	Enabled          bool           `json:"enabled"`
	Config           map[string]any `json:"config,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// State reports the lifecycle state derived from Enabled.
func (i *Installation) State() State {
	if i.Enabled {
		return StateEnabled
	}
	return StateDisabled
}

// Clone returns a copy of the installation with its own config map.
func (i *Installation) Clone() *Installation {
	if i == nil {
		return nil
	}
	dup := *i
	if i.Config != nil {
		dup.Config = make(map[string]any, len(i.Config))
		for k, v := range i.Config {
			dup.Config[k] = v
		}
	}
	return &dup
}

// Identity is who a sandboxed invocation runs as.
type Identity struct {
	TenantID       string `json:"tenant_id"`
	InstallationID string `json:"installation_id"`
	Slug           string `json:"slug"`
	Version        string `json:"version"`
	UserID         string `json:"user_id,omitempty"`
}
