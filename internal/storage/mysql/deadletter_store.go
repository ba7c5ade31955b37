package mysql

import (
	"context"
	"database/sql"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/webhook"
)

// DeadLetterStore 实现 webhook.DeadLetterStore。
type DeadLetterStore struct {
	db *DB
}

var _ webhook.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetters 返回死信存储。
func (d *DB) DeadLetters() *DeadLetterStore {
	return &DeadLetterStore{db: d}
}

const deadLetterColumns = `id, delivery_id, tenant_id, plugin, installation_id, webhook_id, event_id, event_type, url, attempts, last_status, last_error, payload, failed_at`

// Save 记录一次被放弃的投递。
func (s *DeadLetterStore) Save(ctx context.Context, dl webhook.DeadLetter) error {
	if dl.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "dead letter tenant_id is required")
	}
	const stmt = `INSERT INTO webhook_dead_letters (` + deadLetterColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.db.ExecContext(ctx, stmt,
		dl.ID, dl.DeliveryID, dl.TenantID, dl.Slug, dl.InstallationID, dl.WebhookID, dl.EventID, dl.EventType,
		dl.URL, dl.Attempts, dl.LastStatus, dl.LastError, dl.Payload, millis(dl.FailedAt),
	); err != nil {
		return storageError(err, "写入死信 %s 失败", dl.DeliveryID)
	}
	return nil
}

// List 按失败时间倒序返回租户的死信。
func (s *DeadLetterStore) List(ctx context.Context, tenantID string, limit int) ([]webhook.DeadLetter, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const query = `SELECT ` + deadLetterColumns + ` FROM webhook_dead_letters WHERE tenant_id = ? ORDER BY failed_at DESC, id DESC`
	if limit > 0 {
		rows, err = s.db.db.QueryContext(ctx, query+` LIMIT ?`, tenantID, limit)
	} else {
		rows, err = s.db.db.QueryContext(ctx, query, tenantID)
	}
	if err != nil {
		return nil, storageError(err, "查询死信失败")
	}
	defer rows.Close()

	out := []webhook.DeadLetter{}
	for rows.Next() {
		var (
			dl        webhook.DeadLetter
			lastError sql.NullString
			failedAt  int64
		)
		if err := rows.Scan(&dl.ID, &dl.DeliveryID, &dl.TenantID, &dl.Slug, &dl.InstallationID, &dl.WebhookID,
			&dl.EventID, &dl.EventType, &dl.URL, &dl.Attempts, &dl.LastStatus, &lastError, &dl.Payload, &failedAt); err != nil {
			return nil, storageError(err, "解析死信失败")
		}
		dl.LastError = lastError.String
		dl.FailedAt = fromMillis(failedAt)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历死信失败")
	}
	return out, nil
}
