package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ExtensionHost/internal/secrets"
)

// SecretStore 实现 secrets.Store，只保存密文。
type SecretStore struct {
	db *DB
}

var _ secrets.Store = (*SecretStore)(nil)

// Secrets 返回密钥存储。
func (d *DB) Secrets() *SecretStore {
	return &SecretStore{db: d}
}

// Put 写入或覆盖一条密文。
func (s *SecretStore) Put(ctx context.Context, rec secrets.Record) error {
	const stmt = `INSERT INTO plugin_secrets (tenant_id, installation_id, secret_key, sealed, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE sealed = VALUES(sealed), updated_at = VALUES(updated_at)`
	if _, err := s.db.db.ExecContext(ctx, stmt, rec.TenantID, rec.InstallationID, rec.Key, rec.Sealed, millis(rec.UpdatedAt)); err != nil {
		return storageError(err, "写入密钥 %s 失败", rec.Key)
	}
	return nil
}

// Get 读取一条密文，不存在时返回 secrets.ErrSecretNotFound。
func (s *SecretStore) Get(ctx context.Context, tenantID, installationID, key string) (secrets.Record, error) {
	const query = `SELECT sealed, updated_at FROM plugin_secrets WHERE tenant_id = ? AND installation_id = ? AND secret_key = ?`
	rec := secrets.Record{TenantID: tenantID, InstallationID: installationID, Key: key}
	var updatedAt int64
	err := s.db.db.QueryRowContext(ctx, query, tenantID, installationID, key).Scan(&rec.Sealed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return secrets.Record{}, fmt.Errorf("secret %q: %w", key, secrets.ErrSecretNotFound)
	}
	if err != nil {
		return secrets.Record{}, storageError(err, "读取密钥 %s 失败", key)
	}
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// List 按字母顺序列出安装下的密钥名。
func (s *SecretStore) List(ctx context.Context, tenantID, installationID string) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT secret_key FROM plugin_secrets WHERE tenant_id = ? AND installation_id = ? ORDER BY secret_key`,
		tenantID, installationID)
	if err != nil {
		return nil, storageError(err, "查询密钥列表失败")
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageError(err, "解析密钥列表失败")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历密钥列表失败")
	}
	return keys, nil
}

// Delete 删除一条密钥。
func (s *SecretStore) Delete(ctx context.Context, tenantID, installationID, key string) error {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM plugin_secrets WHERE tenant_id = ? AND installation_id = ? AND secret_key = ?`,
		tenantID, installationID, key)
	if err != nil {
		return storageError(err, "删除密钥 %s 失败", key)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("secret %q: %w", key, secrets.ErrSecretNotFound)
	}
	return nil
}

// DeleteAll 在卸载时清除安装的全部密钥。
func (s *SecretStore) DeleteAll(ctx context.Context, tenantID, installationID string) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM plugin_secrets WHERE tenant_id = ? AND installation_id = ?`,
		tenantID, installationID); err != nil {
		return storageError(err, "清除安装 %s 的密钥失败", installationID)
	}
	return nil
}
