package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统返回的通用错误。
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTenantDenied     = errors.New("tenant is outside the token scope")
	ErrSubjectRevoked   = errors.New("token is disabled")
)

// 管理接口使用的权限名称。
const (
	PermPluginsRead  = "plugins.read"
	PermPluginsWrite = "plugins.write"
	PermSecretsWrite = "secrets.write"
	PermEgressWrite  = "egress.write"
	PermAll          = "*"
)

// Mode 枚举支持的认证模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 配置管理接口的认证方式。
type Config struct {
	Mode   Mode          `yaml:"mode"`
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig 描述一个运维令牌。Token 与 TokenHash 二选一，TokenHash 为 bcrypt 摘要。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	TokenHash   string   `yaml:"token_hash"`
	Tenants     []string `yaml:"tenants"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// Subject 是通过认证的调用方，随请求上下文传递给处理函数。
type Subject struct {
	Name        string
	Tenants     []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
	tenantsSet     map[string]struct{}
}

// normalise 构建权限与租户的查找集合。
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
	if s.tenantsSet == nil {
		s.tenantsSet = make(map[string]struct{}, len(s.Tenants))
		for _, tenant := range s.Tenants {
			s.tenantsSet[strings.TrimSpace(tenant)] = struct{}{}
		}
	}
}

// HasPermission 判断主体是否拥有指定权限，"*" 代表全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// AllowsTenant 判断主体是否可以管理指定租户。未配置租户范围等同于 "*"。
func (s *Subject) AllowsTenant(tenantID string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if len(s.tenantsSet) == 0 {
		return true
	}
	if _, ok := s.tenantsSet["*"]; ok {
		return true
	}
	_, ok := s.tenantsSet[tenantID]
	return ok
}

// Authorize 确认主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回主体的浅拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Tenants:     append([]string(nil), s.Tenants...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}
