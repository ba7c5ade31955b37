package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"ExtensionHost/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectAppliedMigrations = `SELECT version, name, checksum FROM schema_migrations`
	insertAppliedMigration  = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// migrationFile 是一个嵌入的迁移脚本，checksum 为文件内容的 sha256。
type migrationFile struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// appliedMigration 是 schema_migrations 中的一行。
type appliedMigration struct {
	name     string
	checksum string
}

// runMigrations 先校验已应用迁移与嵌入脚本一致，再按版本顺序执行尚未应用的迁移。
// 已应用的脚本被修改，或数据库中存在本程序不认识的版本时拒绝启动，每个文件在独立事务中执行。
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return err
	}
	applied, err := loadAppliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	if err := verifyApplied(files, applied); err != nil {
		return err
	}

	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}
	}
	return nil
}

func loadAppliedMigrations(ctx context.Context, db *sql.DB) (map[string]appliedMigration, error) {
	rows, err := db.QueryContext(ctx, selectAppliedMigrations)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var version string
		var row appliedMigration
		if err := rows.Scan(&version, &row.name, &row.checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

// verifyApplied 比对数据库记录与嵌入脚本。
func verifyApplied(files []migrationFile, applied map[string]appliedMigration) error {
	known := make(map[string]migrationFile, len(files))
	for _, f := range files {
		known[f.version] = f
	}
	versions := make([]string, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	for _, version := range versions {
		row := applied[version]
		f, ok := known[version]
		if !ok {
			return fmt.Errorf("数据库包含未知的迁移版本 %s (%s)，可能由更新版本的宿主写入", version, row.name)
		}
		if row.checksum != f.checksum {
			return fmt.Errorf("迁移 %s 已应用但文件内容已变更: 记录 %s，当前 %s", f.name, row.checksum, f.checksum)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, migration migrationFile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}

	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", migration.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, insertAppliedMigration,
		migration.version, migration.name, migration.checksum, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// loadMigrationFiles 读取全部 .sql 脚本并按版本排序，版本号重复视为打包错误。
func loadMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []migrationFile
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}

		version := parseMigrationVersion(name)
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移文件 %s 与 %s 的版本号 %s 重复", name, other, version)
		}
		seen[version] = name
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// splitSQLStatements 按分号切分脚本，忽略以 -- 开头的注释行。
func splitSQLStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
