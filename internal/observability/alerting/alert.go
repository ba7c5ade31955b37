package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件，例如 webhook 进入死信或插件处理函数崩溃。
type Event struct {
	Code        xerrors.Code      `json:"code"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Plugin      string            `json:"plugin,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// FromError 根据统一错误构造告警事件。
func FromError(err error, tenantID, plugin, reference string) Event {
	code := xerrors.CodeOf(err)
	event := Event{
		Code:       code,
		Message:    xerrors.MessageOf(err),
		Severity:   xerrors.AttributesOf(code).Severity,
		TenantID:   tenantID,
		Plugin:     plugin,
		Reference:  reference,
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条告警日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := n.Logger
	if log == nil {
		log = logger.Audit()
	}
	log.Warn("alert raised",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("tenant_id", event.TenantID),
		slog.String("plugin", event.Plugin),
		slog.String("reference", event.Reference),
		slog.Int("attempts", event.Attempts),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier 以 JSON 形式把告警推送到聊天机器人等 HTTP 端点。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("reference", event.Reference))
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"text":  fmt.Sprintf("[%s] %s %s/%s: %s", event.Severity, event.Code, event.TenantID, event.Plugin, event.Message),
		"event": event,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}
	return nil
}
