package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ExtensionHost/internal/auth"
	"ExtensionHost/internal/config"
	"ExtensionHost/internal/dispatch"
	"ExtensionHost/internal/egress"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/host"
	"ExtensionHost/internal/webhook"
	"ExtensionHost/pkg/plugin"
)

const defaultDeadLetterLimit = 100

// Server 负责暴露插件管理接口，并把插件声明的路由挂载到宿主路由之下。
type Server struct {
	cfg  config.ServerConfig
	host *host.Host
}

// NewServer 构造 API 服务实例。
func NewServer(h *host.Host) *Server {
	return &Server{cfg: h.Config.Server, host: h}
}

// Handler 返回完整的路由树。插件路由中间件位于最外层，未命中的请求回落到管理接口。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.host.Metrics.Middleware)
	r.Use(s.host.Dispatcher.Routes(s.cfg.RoutePrefix, dispatch.HeaderTenant(s.cfg.TenantHeader, s.cfg.UserHeader)))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.host.Metrics.Handler())

	r.Route("/api/v1/tenants/{tenant}", func(r chi.Router) {
		tenant := func(r *http.Request) string { return chi.URLParam(r, "tenant") }
		read := s.host.Auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {auth.PermPluginsRead}},
			Tenant:              tenant,
		})
		write := func(perm string) func(http.Handler) http.Handler {
			return s.host.Auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{
					http.MethodGet: {auth.PermPluginsRead},
					"*":            {perm},
				},
				Tenant: tenant,
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(write(auth.PermPluginsWrite))
			r.Get("/plugins", s.handleListPlugins)
			r.Post("/plugins", s.handleInstall)
			r.Get("/plugins/{slug}", s.handleGetPlugin)
			r.Put("/plugins/{slug}", s.handleUpgrade)
			r.Delete("/plugins/{slug}", s.handleUninstall)
			r.Post("/plugins/{slug}/enable", s.handleEnable)
			r.Post("/plugins/{slug}/disable", s.handleDisable)
			r.Post("/plugins/{slug}/jobs/{name}/run", s.handleRunJob)
		})
		r.Group(func(r chi.Router) {
			r.Use(write(auth.PermSecretsWrite))
			r.Get("/plugins/{slug}/secrets", s.handleListSecrets)
			r.Put("/plugins/{slug}/secrets/{key}", s.handleSetSecret)
			r.Delete("/plugins/{slug}/secrets/{key}", s.handleDeleteSecret)
		})
		r.Group(func(r chi.Router) {
			r.Use(write(auth.PermEgressWrite))
			r.Get("/egress", s.handleGetEgress)
			r.Put("/egress", s.handleSetEgress)
		})
		r.With(read).Get("/deadletters", s.handleDeadLetters)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor 优先使用请求头中的用户，缺省时回落到认证令牌的名称。
func (s *Server) actor(r *http.Request) string {
	if user := r.Header.Get(s.cfg.UserHeader); user != "" {
		return user
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Name
	}
	return ""
}

// readArchive 读取请求体中的插件包，超过上限时返回 LIMIT_EXCEEDED。
func (s *Server) readArchive(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxArchiveBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, xerrors.Newf(xerrors.CodeLimitExceeded, "archive exceeds %d bytes", s.cfg.MaxArchiveBytes)
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read archive")
	}
	if len(data) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "archive body is empty")
	}
	return data, nil
}

type installResponse struct {
	Installation *plugin.Installation `json:"installation"`
	Warnings     []string             `json:"warnings,omitempty"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	archive, err := s.readArchive(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	inst, warnings, err := s.host.Registry.Install(r.Context(), chi.URLParam(r, "tenant"), archive, s.actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, installResponse{Installation: inst, Warnings: warnings})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	archive, err := s.readArchive(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	inst, warnings, err := s.host.Registry.Upgrade(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "slug"), archive, s.actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installResponse{Installation: inst, Warnings: warnings})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	list, err := s.host.Registry.ListInstallations(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*plugin.Installation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	inst, p, err := s.host.Registry.Get(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installation": inst, "plugin": p})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	inst, err := s.host.Registry.Enable(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "slug"), s.actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	inst, err := s.host.Registry.Disable(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "slug"), s.actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Registry.Uninstall(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "slug"), s.actor(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunJob 立即执行一次插件任务，与定时触发共享同一把运行锁。
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.host.Scheduler.RunNow(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "slug"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success && res.Error != nil {
		status = xerrors.HTTPStatus(res.Error.Err())
	}
	writeJSON(w, status, res)
}

// installationID 解析租户下某插件当前的安装 ID，密钥按安装隔离。
func (s *Server) installationID(r *http.Request) (string, error) {
	inst, _, err := s.host.Registry.Get(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "slug"))
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	instID, err := s.installationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	keys, err := s.host.Secrets.List(r.Context(), chi.URLParam(r, "tenant"), instID)
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	instID, err := s.installationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 128<<10)).Decode(&body); err != nil || body.Value == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体需要包含 value 字段"))
		return
	}
	if err := s.host.Secrets.Set(r.Context(), chi.URLParam(r, "tenant"), instID, chi.URLParam(r, "key"), *body.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	instID, err := s.installationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.Secrets.Delete(r.Context(), chi.URLParam(r, "tenant"), instID, chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Egress.Policy(chi.URLParam(r, "tenant")))
}

// handleSetEgress 替换租户的出站策略，立即对后续调用生效。
func (s *Server) handleSetEgress(w http.ResponseWriter, r *http.Request) {
	var policy egress.Policy
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&policy); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	tenantID := chi.URLParam(r, "tenant")
	if err := s.host.Egress.SetPolicy(tenantID, policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Egress.Policy(tenantID))
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := s.host.Webhooks.DeadLetters().List(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []webhook.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, list)
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// writeError 根据错误码映射 HTTP 状态并输出统一的错误结构。
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, xerrors.HTTPStatus(err), map[string]errorBody{
		"error": {Code: xerrors.CodeOf(err), Message: xerrors.MessageOf(err)},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
