package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	xerrors "ExtensionHost/internal/errors"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// Tenant 从请求中取出目标租户，为空时不做租户范围检查。
	Tenant func(*http.Request) string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			// 认证请求。
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status, code := http.StatusUnauthorized, xerrors.CodeUnauthenticated
				if errors.Is(err, ErrSubjectRevoked) {
					status, code = http.StatusForbidden, xerrors.CodePermissionDenied
				}
				s.deny(w, r, status, code, err, "")
				return
			}
			// 授权请求。
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				s.deny(w, r, http.StatusForbidden, xerrors.CodePermissionDenied, err, subject.Name)
				return
			}
			if cfg.Tenant != nil {
				if tenant := cfg.Tenant(r); tenant != "" && !subject.AllowsTenant(tenant) {
					s.deny(w, r, http.StatusForbidden, xerrors.CodePermissionDenied, ErrTenantDenied, subject.Name)
					return
				}
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"operator", subject.Name,
			)
		})
	}
}

// deny 输出与管理接口一致的错误结构，并写入审计日志。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, code xerrors.Code, err error, operator string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="exthost"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": string(code), "message": err.Error()},
	})
	s.audit.Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"operator", operator,
	)
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
