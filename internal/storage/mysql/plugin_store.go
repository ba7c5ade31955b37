package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/registry"
	"ExtensionHost/pkg/plugin"
)

// PluginStore 实现 registry.Store。插件记录写入后不可修改，安装记录按 (tenant, slug) 覆盖写。
type PluginStore struct {
	db *DB
}

var _ registry.Store = (*PluginStore)(nil)

// Plugins 返回插件与安装记录存储。
func (d *DB) Plugins() *PluginStore {
	return &PluginStore{db: d}
}

const pluginColumns = `id, tenant_id, slug, name, version, entry, description, author, permissions, routes, events, jobs, checksum, archive, created_at`

// SavePlugin 写入一条插件版本记录。
func (s *PluginStore) SavePlugin(ctx context.Context, p *plugin.Plugin) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id is required")
	}
	perms, err := json.Marshal(nonNil(p.Permissions))
	if err != nil {
		return storageError(err, "序列化插件权限失败")
	}
	evs, err := json.Marshal(nonNil(p.Events))
	if err != nil {
		return storageError(err, "序列化插件事件失败")
	}
	jobs := p.Jobs
	if jobs == nil {
		jobs = []plugin.Job{}
	}
	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return storageError(err, "序列化插件任务失败")
	}

	const stmt = `INSERT INTO plugins (` + pluginColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.db.ExecContext(ctx, stmt,
		p.ID, p.TenantID, p.Slug, p.Name, p.Version, p.Entry, p.Description, p.Author,
		perms, boolInt(p.Routes), evs, jobsJSON, p.Checksum, p.Archive, millis(p.CreatedAt),
	)
	if isDuplicate(err) {
		return xerrors.New(registry.CodePluginConflict, fmt.Sprintf("plugin %s@%s already exists", p.Slug, p.Version))
	}
	if err != nil {
		return storageError(err, "写入插件记录 %s 失败", p.ID)
	}
	return nil
}

// GetPlugin 按记录 ID 查询插件。
func (s *PluginStore) GetPlugin(ctx context.Context, id string) (*plugin.Plugin, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE id = ?`, id)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(registry.CodePluginNotFound, fmt.Sprintf("plugin record %s not found", id))
	}
	return p, err
}

// FindPlugin 按租户、slug 与版本查询插件。
func (s *PluginStore) FindPlugin(ctx context.Context, tenantID, slug, version string) (*plugin.Plugin, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE tenant_id = ? AND slug = ? AND version = ?`,
		tenantID, slug, version)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(registry.CodePluginNotFound, fmt.Sprintf("plugin %s@%s not found", slug, version))
	}
	return p, err
}

func scanPlugin(row *sql.Row) (*plugin.Plugin, error) {
	var (
		p                plugin.Plugin
		description      sql.NullString
		perms, evs, jobs []byte
		routes           int
		createdAt        int64
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Slug, &p.Name, &p.Version, &p.Entry, &description, &p.Author,
		&perms, &routes, &evs, &jobs, &p.Checksum, &p.Archive, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析插件记录失败")
	}
	p.Description = description.String
	p.Routes = routes == 1
	p.CreatedAt = fromMillis(createdAt)
	if err := json.Unmarshal(perms, &p.Permissions); err != nil {
		return nil, storageError(err, "解析插件权限失败")
	}
	if err := json.Unmarshal(evs, &p.Events); err != nil {
		return nil, storageError(err, "解析插件事件失败")
	}
	if err := json.Unmarshal(jobs, &p.Jobs); err != nil {
		return nil, storageError(err, "解析插件任务失败")
	}
	return &p, nil
}

const installationColumns = `id, tenant_id, plugin_id, slug, installed_version, enabled, config, created_at, updated_at`

// SaveInstallation 以 (tenant, slug) 为键覆盖写安装记录，插件记录必须已存在。
func (s *PluginStore) SaveInstallation(ctx context.Context, inst *plugin.Installation) error {
	if inst == nil || inst.TenantID == "" || inst.Slug == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "installation tenant and slug are required")
	}
	var cfg []byte
	if inst.Config != nil {
		encoded, err := json.Marshal(inst.Config)
		if err != nil {
			return storageError(err, "序列化安装配置失败")
		}
		cfg = encoded
	}
	const stmt = `INSERT INTO installations (` + installationColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE id = VALUES(id), plugin_id = VALUES(plugin_id), installed_version = VALUES(installed_version),
        enabled = VALUES(enabled), config = VALUES(config), updated_at = VALUES(updated_at)`
	_, err := s.db.db.ExecContext(ctx, stmt,
		inst.ID, inst.TenantID, inst.PluginID, inst.Slug, inst.InstalledVersion, boolInt(inst.Enabled), cfg,
		millis(inst.CreatedAt), millis(inst.UpdatedAt),
	)
	if isMissingReference(err) {
		return xerrors.New(registry.CodePluginNotFound, fmt.Sprintf("plugin record %s not found", inst.PluginID))
	}
	if err != nil {
		return storageError(err, "写入安装记录 %s/%s 失败", inst.TenantID, inst.Slug)
	}
	return nil
}

// GetInstallation 查询租户下某个插件的安装记录。
func (s *PluginStore) GetInstallation(ctx context.Context, tenantID, slug string) (*plugin.Installation, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE tenant_id = ? AND slug = ?`,
		tenantID, slug)
	if err != nil {
		return nil, storageError(err, "查询安装记录失败")
	}
	list, err := scanInstallations(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, xerrors.New(registry.CodePluginNotFound, fmt.Sprintf("plugin %s is not installed for tenant %s", slug, tenantID))
	}
	return list[0], nil
}

// ListInstallations 按 slug 顺序列出租户的安装记录。
func (s *PluginStore) ListInstallations(ctx context.Context, tenantID string) ([]*plugin.Installation, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE tenant_id = ? ORDER BY slug`, tenantID)
	if err != nil {
		return nil, storageError(err, "查询安装列表失败")
	}
	return scanInstallations(rows)
}

// ListEnabled 列出所有租户中处于启用状态的安装，用于启动恢复。
func (s *PluginStore) ListEnabled(ctx context.Context) ([]*plugin.Installation, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE enabled = 1 ORDER BY tenant_id, slug`)
	if err != nil {
		return nil, storageError(err, "查询启用的安装失败")
	}
	return scanInstallations(rows)
}

// DeleteInstallation 删除安装记录，插件记录作为历史保留。
func (s *PluginStore) DeleteInstallation(ctx context.Context, tenantID, slug string) error {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM installations WHERE tenant_id = ? AND slug = ?`, tenantID, slug)
	if err != nil {
		return storageError(err, "删除安装记录失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return xerrors.New(registry.CodePluginNotFound, fmt.Sprintf("plugin %s is not installed for tenant %s", slug, tenantID))
	}
	return nil
}

func scanInstallations(rows *sql.Rows) ([]*plugin.Installation, error) {
	defer rows.Close()
	var out []*plugin.Installation
	for rows.Next() {
		var (
			inst                 plugin.Installation
			enabled              int
			cfg                  []byte
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&inst.ID, &inst.TenantID, &inst.PluginID, &inst.Slug, &inst.InstalledVersion,
			&enabled, &cfg, &createdAt, &updatedAt); err != nil {
			return nil, storageError(err, "解析安装记录失败")
		}
		inst.Enabled = enabled == 1
		inst.CreatedAt = fromMillis(createdAt)
		inst.UpdatedAt = fromMillis(updatedAt)
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &inst.Config); err != nil {
				return nil, storageError(err, "解析安装配置失败")
			}
		}
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历安装记录失败")
	}
	return out, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
