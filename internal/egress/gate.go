// Package egress decides which outbound hosts plugin code may reach and
// performs the HTTP calls that pass that decision.
package egress

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/pkg/logger"
)

// ErrEgressBlocked is the sentinel for policy denials.
var ErrEgressBlocked = xerrors.New(xerrors.CodeEgressBlocked, "")

// Policy is a tenant's host allow-list and deny-list. Entries are exact hostnames or
// doublestar globs ("*.example.com", "api-?.vendor.io"). A "*" may span several labels.
// Entries containing a port ("hooks.internal:8443") match only that port.
type Policy struct {
	Allow []string `json:"allow" yaml:"allow"`
	Deny  []string `json:"deny" yaml:"deny"`
}

func (p Policy) clone() Policy {
	return Policy{Allow: append([]string(nil), p.Allow...), Deny: append([]string(nil), p.Deny...)}
}

// Validate rejects malformed patterns.
func (p Policy) Validate() error {
	for _, list := range [][]string{p.Allow, p.Deny} {
		for _, pattern := range list {
			if strings.TrimSpace(pattern) == "" || !doublestar.ValidatePattern(strings.ToLower(pattern)) {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid egress pattern %q", pattern))
			}
		}
	}
	return nil
}

// Gate evaluates outbound URLs. Reads are lock-free; SetPolicy swaps a copied map.
type Gate struct {
	globalDeny []string
	policies   atomic.Pointer[map[string]Policy]
	writeMu    sync.Mutex
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithMetrics records decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger overrides the gate logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// NewGate creates a gate. globalDeny applies to every tenant before its own lists.
func NewGate(globalDeny []string, policies map[string]Policy, opts ...Option) (*Gate, error) {
	g := &Gate{globalDeny: append([]string(nil), globalDeny...), log: logger.Named("egress")}
	for _, opt := range opts {
		opt(g)
	}
	if err := (Policy{Deny: g.globalDeny}).Validate(); err != nil {
		return nil, err
	}
	initial := make(map[string]Policy, len(policies))
	for tenant, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		initial[tenant] = p.clone()
	}
	g.policies.Store(&initial)
	return g, nil
}

// SetPolicy replaces a tenant's policy.
func (g *Gate) SetPolicy(tenantID string, p Policy) error {
	if tenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tenant id is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	current := *g.policies.Load()
	next := make(map[string]Policy, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[tenantID] = p.clone()
	g.policies.Store(&next)
	return nil
}

// Policy returns a copy of a tenant's policy.
func (g *Gate) Policy(tenantID string) Policy {
	return (*g.policies.Load())[tenantID].clone()
}

// Allow reports whether tenantID may call rawURL.
func (g *Gate) Allow(tenantID, rawURL string) bool {
	return g.Check(tenantID, rawURL) == nil
}

// Check returns nil when the URL is allowed and an EGRESS_BLOCKED error carrying the reason otherwise.
func (g *Gate) Check(tenantID, rawURL string) error {
	reason := g.evaluate(tenantID, rawURL)
	g.metrics.EgressDecision(reason == "")
	if reason == "" {
		return nil
	}
	g.log.Info("egress blocked",
		slog.String("tenant_id", tenantID),
		slog.String("url", redactURL(rawURL)),
		slog.String("reason", reason))
	return xerrors.New(xerrors.CodeEgressBlocked, reason,
		xerrors.WithMetadata("tenant_id", tenantID),
		xerrors.WithMetadata("reason", reason))
}

func (g *Gate) evaluate(tenantID, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "malformed url"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("scheme %q is not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "url has no host"
	}
	hostPort := host
	if port := u.Port(); port != "" {
		hostPort = host + ":" + port
	}

	if pattern, ok := firstMatch(g.globalDeny, host, hostPort); ok {
		return fmt.Sprintf("host %s matches global deny-list entry %q", host, pattern)
	}
	policy, ok := (*g.policies.Load())[tenantID]
	if !ok {
		return "no egress policy for tenant"
	}
	if pattern, ok := firstMatch(policy.Deny, host, hostPort); ok {
		return fmt.Sprintf("host %s matches deny-list entry %q", host, pattern)
	}
	if len(policy.Allow) == 0 {
		return "tenant allow-list is empty"
	}
	if _, ok := firstMatch(policy.Allow, host, hostPort); ok {
		return ""
	}
	return fmt.Sprintf("host %s is not in the allow-list", host)
}

func firstMatch(patterns []string, host, hostPort string) (string, bool) {
	for _, pattern := range patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		target := host
		if strings.Contains(p, ":") {
			target = hostPort
		}
		if p == target {
			return pattern, true
		}
		if matched, err := doublestar.Match(p, target); err == nil && matched {
			return pattern, true
		}
	}
	return "", false
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<malformed>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
