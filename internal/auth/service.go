package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"ExtensionHost/pkg/logger"
)

const bearerPrefix = "bearer "

// credential 是配置中的一个令牌，plain 与 hash 只会设置其一。
type credential struct {
	plain   [sha256.Size]byte
	hash    []byte
	subject *Subject
}

// Service 校验管理接口的 Bearer 令牌。
type Service struct {
	mode  Mode
	creds []credential
	audit *slog.Logger

	// verified 缓存 bcrypt 校验通过的令牌摘要，避免每个请求都做一次 bcrypt。
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]*Subject
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, audit: logger.Audit(), verified: make(map[[sha256.Size]byte]*Subject)}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("auth.tokens must not be empty in token mode")
	}
	seen := make(map[string]struct{}, len(cfg.Tokens))
	for i, tc := range cfg.Tokens {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, fmt.Errorf("auth.tokens[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("auth.tokens[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		subject := (&Subject{Name: name, Tenants: tc.Tenants, Permissions: tc.Permissions, Disabled: tc.Disabled}).Clone()
		c := credential{subject: subject}
		switch {
		case tc.Token != "" && tc.TokenHash != "":
			return nil, fmt.Errorf("auth.tokens[%d]: token and token_hash are mutually exclusive", i)
		case tc.Token != "":
			c.plain = sha256.Sum256([]byte(tc.Token))
		case tc.TokenHash != "":
			if _, err := bcrypt.Cost([]byte(tc.TokenHash)); err != nil {
				return nil, fmt.Errorf("auth.tokens[%d]: invalid token_hash: %w", i, err)
			}
			c.hash = []byte(tc.TokenHash)
		default:
			return nil, fmt.Errorf("auth.tokens[%d]: token or token_hash is required", i)
		}
		s.creds = append(s.creds, c)
	}
	return s, nil
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(ctx context.Context, header string) (*Subject, error) {
	if !s.Enabled() {
		return nil, nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return nil, ErrInvalidToken
	}
	return s.Authenticate(ctx, strings.TrimSpace(header[len(bearerPrefix):]))
}

// Authenticate 校验原始令牌。
func (s *Service) Authenticate(_ context.Context, token string) (*Subject, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))

	s.mu.RLock()
	cached := s.verified[digest]
	s.mu.RUnlock()
	if cached != nil {
		return checkSubject(cached)
	}

	var match *Subject
	for i := range s.creds {
		c := &s.creds[i]
		if c.hash == nil {
			if subtle.ConstantTimeCompare(c.plain[:], digest[:]) == 1 && match == nil {
				match = c.subject
			}
			continue
		}
		if match == nil && bcrypt.CompareHashAndPassword(c.hash, []byte(token)) == nil {
			match = c.subject
			s.mu.Lock()
			s.verified[digest] = match
			s.mu.Unlock()
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return checkSubject(match)
}

func checkSubject(subject *Subject) (*Subject, error) {
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}
