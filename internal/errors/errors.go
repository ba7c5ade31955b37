package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 表示扩展宿主内统一的错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 插件运行时的错误类别。
	CodeManifestError         Code = "MANIFEST_ERROR"
	CodeLoaderError           Code = "LOADER_ERROR"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeSandboxTimeout        Code = "SANDBOX_TIMEOUT"
	CodeSandboxPanic          Code = "SANDBOX_PANIC"
	CodeEgressBlocked         Code = "EGRESS_BLOCKED"
	CodeSecretNotFound        Code = "SECRET_NOT_FOUND"
	CodeWebhookDeliveryFailed Code = "WEBHOOK_DELIVERY_FAILED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeLimitExceeded         Code = "LIMIT_EXCEEDED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusGatewayTimeout},

		CodeManifestError:         {Message: "invalid plugin manifest", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeLoaderError:           {Message: "invalid plugin package", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodePermissionDenied:      {Message: "permission denied", Severity: SeverityWarning, HTTPStatus: http.StatusForbidden},
		CodeUnauthenticated:       {Message: "missing or invalid credentials", Severity: SeverityInfo, HTTPStatus: http.StatusUnauthorized},
		CodeSandboxTimeout:        {Message: "plugin handler timed out", Severity: SeverityWarning, HTTPStatus: http.StatusGatewayTimeout},
		CodeSandboxPanic:          {Message: "plugin handler failed", Severity: SeverityWarning, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeEgressBlocked:         {Message: "outbound request blocked by egress policy", Severity: SeverityWarning, HTTPStatus: http.StatusBadGateway},
		CodeSecretNotFound:        {Message: "secret not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeWebhookDeliveryFailed: {Message: "webhook delivery failed", Severity: SeverityWarning, Alert: true, HTTPStatus: http.StatusBadGateway},
		CodeRateLimited:           {Message: "rate limit exceeded", Severity: SeverityInfo, Retryable: true, HTTPStatus: http.StatusTooManyRequests},
		CodeLimitExceeded:         {Message: "invocation limit exceeded", Severity: SeverityInfo, HTTPStatus: http.StatusUnprocessableEntity},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是宿主内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 使用格式化字符串创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// MessageOf 返回统一错误的消息，普通错误返回 Error() 文本。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Message()
	}
	return err.Error()
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// HTTPStatus 将错误映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	status := AttributesOf(CodeOf(err)).HTTPStatus
	if status == 0 {
		return http.StatusInternalServerError
	}
	return status
}

// Is 是标准库 errors.Is 的别名，便于调用方只导入本包。
func Is(err, target error) bool { return stdErrors.Is(err, target) }

// As 是标准库 errors.As 的别名。
func As(err error, target any) bool { return stdErrors.As(err, target) }
