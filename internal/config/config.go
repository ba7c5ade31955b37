package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ExtensionHost/internal/auth"
	"ExtensionHost/pkg/logger"
)

// 环境变量名称。
const (
	EnvConfigPath  = "EXTHOST_CONFIG"
	EnvMasterKey   = "EXTHOST_MASTER_KEY"
	EnvMySQLDSN    = "EXTHOST_MYSQL_DSN"
	EnvRedisAddr   = "EXTHOST_REDIS_ADDR"
	EnvRabbitMQURL = "EXTHOST_RABBITMQ_URL"
	EnvAdminToken  = "EXTHOST_ADMIN_TOKEN"

	DefaultConfigPath = "configs/exthost.yaml"
)

// Config 描述了扩展宿主在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  logger.Config  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Egress   EgressConfig   `yaml:"egress"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Alerting AlertingConfig `yaml:"alerting"`
	Auth     auth.Config    `yaml:"auth"`
}

// ServerConfig 控制管理 API 与插件路由的监听参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	RoutePrefix     string        `yaml:"route_prefix"`
	TenantHeader    string        `yaml:"tenant_header"`
	UserHeader      string        `yaml:"user_header"`
	MaxArchiveBytes int64         `yaml:"max_archive_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 选择插件、安装、密钥与死信记录的存储后端。
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig 选择事件与 webhook 投递所使用的消息队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Memory   MemoryConfig   `yaml:"memory"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// MemoryConfig 控制内存队列缓冲区大小。
type MemoryConfig struct {
	Size int `yaml:"size"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Prefix   string `yaml:"prefix"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// SecretsConfig 保存密钥派生所需的主密钥。
type SecretsConfig struct {
	MasterKey string `yaml:"master_key"`
}

// SandboxConfig 约束单次插件调用的资源。
type SandboxConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	MaxEmits             int           `yaml:"max_emits"`
	MaxOutboundCalls     int           `yaml:"max_outbound_calls"`
	MaxConcurrent        int64         `yaml:"max_concurrent"`
	PerTenantConcurrent  int64         `yaml:"per_tenant_concurrent"`
	CallStackSize        int           `yaml:"call_stack_size"`
	RegistrySize         int           `yaml:"registry_size"`
	RegistryMaxSize      int           `yaml:"registry_max_size"`
	MaxResponseBytes     int64         `yaml:"max_response_bytes"`
	InvocationsPerSecond float64       `yaml:"invocations_per_second"`
	InvocationBurst      int           `yaml:"invocation_burst"`
	DeniedPermissions    []string      `yaml:"denied_permissions"`
	// Isolation 为 process 时每次调用在独立的工作进程中执行，inprocess 则在宿主进程内执行。
	Isolation      string   `yaml:"isolation"`
	MemoryLimitMB  int64    `yaml:"memory_limit_mb"`
	WorkerPoolSize int      `yaml:"worker_pool_size"`
	WorkerCommand  []string `yaml:"worker_command"`
}

// 沙箱隔离方式。
const (
	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"
)

// EgressConfig 描述出站访问策略。
type EgressConfig struct {
	GlobalDeny     []string                `yaml:"global_deny"`
	Tenants        map[string]EgressPolicy `yaml:"tenants"`
	RequestTimeout time.Duration           `yaml:"request_timeout"`
	MaxRedirects   int                     `yaml:"max_redirects"`
}

// EgressPolicy 为单个租户配置允许与拒绝列表。
type EgressPolicy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// WebhookConfig 控制投递引擎的重试与限流。
type WebhookConfig struct {
	Workers             int           `yaml:"workers"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	BaseBackoff         time.Duration `yaml:"base_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	DeliveriesPerSecond float64       `yaml:"deliveries_per_second"`
	DeliveryBurst       int           `yaml:"delivery_burst"`
}

// DispatchConfig 控制事件扇出。
type DispatchConfig struct {
	EventWorkers     int `yaml:"event_workers"`
	EventParallelism int `yaml:"event_parallelism"`
	MaxEventDepth    int `yaml:"max_event_depth"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	Webhooks []string      `yaml:"webhooks"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoadFromEnv 读取 EXTHOST_CONFIG 指向的配置文件；文件不存在时使用默认配置。
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.applyDefaults(".")
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
	}
	return Load(path)
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析内存中的 YAML 配置，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RoutePrefix == "" {
		c.Server.RoutePrefix = "/apps"
	}
	c.Server.RoutePrefix = "/" + strings.Trim(c.Server.RoutePrefix, "/")
	if c.Server.TenantHeader == "" {
		c.Server.TenantHeader = "X-Tenant-ID"
	}
	if c.Server.UserHeader == "" {
		c.Server.UserHeader = "X-User-ID"
	}
	if c.Server.MaxArchiveBytes <= 0 {
		c.Server.MaxArchiveBytes = 8 << 20
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 20
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}
	if c.Storage.MySQL.ConnMaxLifetime <= 0 {
		c.Storage.MySQL.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Memory.Size <= 0 {
		c.Queue.Memory.Size = 1024
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "exthost:"
	}
	if c.Queue.Redis.BlockWait <= 0 {
		c.Queue.Redis.BlockWait = 5 * time.Second
	}
	if c.Queue.RabbitMQ.Prefix == "" {
		c.Queue.RabbitMQ.Prefix = "exthost."
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = 16
	}

	s := &c.Sandbox
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Second
	}
	if s.MaxEmits <= 0 {
		s.MaxEmits = 16
	}
	if s.MaxOutboundCalls <= 0 {
		s.MaxOutboundCalls = 8
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 64
	}
	if s.PerTenantConcurrent <= 0 {
		s.PerTenantConcurrent = 8
	}
	if s.CallStackSize <= 0 {
		s.CallStackSize = 120
	}
	if s.RegistrySize <= 0 {
		s.RegistrySize = 1024
	}
	if s.RegistryMaxSize <= 0 {
		s.RegistryMaxSize = 64 * 1024
	}
	if s.MaxResponseBytes <= 0 {
		s.MaxResponseBytes = 1 << 20
	}
	if s.InvocationsPerSecond <= 0 {
		s.InvocationsPerSecond = 50
	}
	if s.InvocationBurst <= 0 {
		s.InvocationBurst = 100
	}
	if s.Isolation == "" {
		s.Isolation = IsolationProcess
	}
	if s.MemoryLimitMB <= 0 {
		s.MemoryLimitMB = 512
	}
	if s.WorkerPoolSize <= 0 {
		s.WorkerPoolSize = 4
	}

	if c.Egress.RequestTimeout <= 0 {
		c.Egress.RequestTimeout = 10 * time.Second
	}
	if c.Egress.MaxRedirects <= 0 {
		c.Egress.MaxRedirects = 5
	}

	w := &c.Webhook
	if w.Workers <= 0 {
		w.Workers = 4
	}
	if w.AttemptTimeout <= 0 {
		w.AttemptTimeout = 10 * time.Second
	}
	if w.BaseBackoff <= 0 {
		w.BaseBackoff = time.Second
	}
	if w.MaxBackoff <= 0 {
		w.MaxBackoff = 5 * time.Minute
	}
	if w.DeliveriesPerSecond <= 0 {
		w.DeliveriesPerSecond = 20
	}
	if w.DeliveryBurst <= 0 {
		w.DeliveryBurst = 40
	}

	if c.Dispatch.EventWorkers <= 0 {
		c.Dispatch.EventWorkers = 4
	}
	if c.Dispatch.EventParallelism <= 0 {
		c.Dispatch.EventParallelism = 16
	}
	if c.Dispatch.MaxEventDepth <= 0 {
		c.Dispatch.MaxEventDepth = 4
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}
}

// applyEnv 使用环境变量覆盖敏感或与部署相关的字段。
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMasterKey); v != "" {
		c.Secrets.MasterKey = v
	}
	if v := os.Getenv(EnvMySQLDSN); v != "" {
		c.Storage.MySQL.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Queue.Redis.Address = v
	}
	if v := os.Getenv(EnvRabbitMQURL); v != "" {
		c.Queue.RabbitMQ.URL = v
	}
	if v := os.Getenv(EnvAdminToken); v != "" {
		c.Auth.Mode = auth.ModeToken
		c.Auth.Tokens = append(c.Auth.Tokens, auth.TokenConfig{Name: "admin", Token: v, Permissions: []string{auth.PermAll}})
	}
}

// Validate 检查驱动选择与必填字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			return errors.New("storage.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}

	if c.Secrets.MasterKey == "" {
		return fmt.Errorf("secrets.master_key 不能为空，可通过 %s 设置", EnvMasterKey)
	}
	switch c.Auth.Mode {
	case auth.ModeDisabled:
	case auth.ModeToken:
		if len(c.Auth.Tokens) == 0 {
			return errors.New("auth.tokens 不能为空")
		}
	default:
		return fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode)
	}
	switch c.Sandbox.Isolation {
	case IsolationProcess, IsolationInProcess:
	default:
		return fmt.Errorf("不支持的沙箱隔离方式: %s", c.Sandbox.Isolation)
	}
	if c.Sandbox.PerTenantConcurrent > c.Sandbox.MaxConcurrent {
		return errors.New("sandbox.per_tenant_concurrent 不能大于 sandbox.max_concurrent")
	}
	return nil
}
