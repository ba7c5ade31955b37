package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ExtensionHost/internal/datastore"
)

// DocumentStore 实现 datastore.Store，文档以 JSON 列保存，按租户与集合隔离。
type DocumentStore struct {
	db *DB
}

var _ datastore.Store = (*DocumentStore)(nil)

// Documents 返回插件文档存储。
func (d *DB) Documents() *DocumentStore {
	return &DocumentStore{db: d}
}

// Get 读取一个文档。
func (s *DocumentStore) Get(ctx context.Context, tenantID, collection, id string) (datastore.Document, error) {
	if err := datastore.ValidateRef(tenantID, collection, id); err != nil {
		return datastore.Document{}, err
	}
	const query = `SELECT data, updated_at FROM plugin_documents WHERE tenant_id = ? AND collection = ? AND doc_id = ?`
	var (
		raw       []byte
		updatedAt int64
	)
	err := s.db.db.QueryRowContext(ctx, query, tenantID, collection, id).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return datastore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, datastore.ErrDocumentNotFound)
	}
	if err != nil {
		return datastore.Document{}, storageError(err, "读取文档 %s/%s 失败", collection, id)
	}
	doc := datastore.Document{Collection: collection, ID: id, UpdatedAt: fromMillis(updatedAt)}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return datastore.Document{}, storageError(err, "解析文档 %s/%s 失败", collection, id)
	}
	return doc, nil
}

// Find 按 ID 顺序扫描集合并在内存中匹配过滤条件。
func (s *DocumentStore) Find(ctx context.Context, tenantID, collection string, filter map[string]any, limit int) ([]datastore.Document, error) {
	if err := datastore.ValidateRef(tenantID, collection, ""); err != nil {
		return nil, err
	}
	limit = datastore.NormalizeLimit(limit)
	rows, err := s.db.db.QueryContext(ctx, `SELECT doc_id, data, updated_at FROM plugin_documents
        WHERE tenant_id = ? AND collection = ? ORDER BY doc_id`, tenantID, collection)
	if err != nil {
		return nil, storageError(err, "查询集合 %s 失败", collection)
	}
	defer rows.Close()

	out := make([]datastore.Document, 0)
	for rows.Next() {
		var (
			doc       = datastore.Document{Collection: collection}
			raw       []byte
			updatedAt int64
		)
		if err := rows.Scan(&doc.ID, &raw, &updatedAt); err != nil {
			return nil, storageError(err, "解析文档失败")
		}
		if err := json.Unmarshal(raw, &doc.Data); err != nil {
			return nil, storageError(err, "解析文档 %s/%s 失败", collection, doc.ID)
		}
		if !datastore.Matches(doc.Data, filter) {
			continue
		}
		doc.UpdatedAt = fromMillis(updatedAt)
		out = append(out, doc)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历集合 %s 失败", collection)
	}
	return out, nil
}

// Put 写入或替换一个文档。
func (s *DocumentStore) Put(ctx context.Context, tenantID, collection, id string, data map[string]any) error {
	if err := datastore.ValidateRef(tenantID, collection, id); err != nil {
		return err
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return storageError(err, "序列化文档 %s/%s 失败", collection, id)
	}
	const stmt = `INSERT INTO plugin_documents (tenant_id, collection, doc_id, data, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`
	if _, err := s.db.db.ExecContext(ctx, stmt, tenantID, collection, id, raw, millis(s.db.now())); err != nil {
		return storageError(err, "写入文档 %s/%s 失败", collection, id)
	}
	return nil
}

// Delete 删除一个文档。
func (s *DocumentStore) Delete(ctx context.Context, tenantID, collection, id string) error {
	if err := datastore.ValidateRef(tenantID, collection, id); err != nil {
		return err
	}
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM plugin_documents WHERE tenant_id = ? AND collection = ? AND doc_id = ?`,
		tenantID, collection, id)
	if err != nil {
		return storageError(err, "删除文档 %s/%s 失败", collection, id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, datastore.ErrDocumentNotFound)
	}
	return nil
}
