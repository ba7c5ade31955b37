package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"ExtensionHost/internal/config"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/secrets"
	"ExtensionHost/internal/webhook"
	"ExtensionHost/pkg/plugin"
)

func TestRunMigrationsAppliesEveryFileInOrder(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 4 || files[0].version != "0001" || files[3].version != "0004" {
		t.Fatalf("unexpected migration set: %+v", files)
	}

	ops := []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(selectAppliedMigrations, appliedRows(files[0])),
	}
	for _, m := range files[1:] {
		ops = append(ops, beginOp())
		for _, stmt := range m.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops, execOp(insertAppliedMigration, mockResult{rowsAffected: 1}), commitOp())
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	ops := []mockOperation{
		execOp("", mockResult{}),
		queryOp("", appliedRows()),
		beginOp(),
		{typ: opExec, query: files[0].statements[0], err: errors.New("boom")},
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err == nil || !strings.Contains(err.Error(), files[0].name) {
		t.Fatalf("expected failure naming %s, got %v", files[0].name, err)
	}
}

func TestRunMigrationsRefusesDriftedHistory(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	edited := files[1]
	edited.checksum = strings.Repeat("0", 64)
	unknown := migrationFile{version: "0099", name: "0099_from_the_future.sql", checksum: files[0].checksum}

	cases := map[string]struct {
		rows mockRowsData
		want string
	}{
		"edited":  {rows: appliedRows(files[0], edited), want: files[1].name},
		"unknown": {rows: appliedRows(files[0], unknown), want: "0099"},
	}
	for name, tc := range cases {
		db, drv := newMockDB(t, []mockOperation{
			execOp(createMigrationsTable, mockResult{}),
			queryOp(selectAppliedMigrations, tc.rows),
		})
		err := runMigrations(context.Background(), db)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %s, got %v", name, tc.want, err)
		}
		drv.assertConsumed(t)
		db.Close()
	}
}

func TestLoadMigrationFilesChecksumsAndDuplicates(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("-- second; not a statement\nCREATE TABLE b (id INT);")},
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);\nCREATE INDEX a_id ON a (id);")},
		"README.md":   {Data: []byte("ignored")},
		"0003_c.sql": {Data: []byte("   ")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].name != "0001_a.sql" || len(files[0].statements) != 2 || len(files[1].statements) != 1 {
		t.Fatalf("unexpected files %+v", files)
	}
	sum := sha256.Sum256(fsys["0001_a.sql"].Data)
	if files[0].checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch: %s", files[0].checksum)
	}

	fsys["0001_again.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE c (id INT);")}
	if _, err := loadMigrationFiles(fsys); err == nil || !strings.Contains(err.Error(), "0001") {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func appliedRows(files ...migrationFile) mockRowsData {
	rows := mockRowsData{columns: []string{"version", "name", "checksum"}}
	for _, f := range files {
		rows.values = append(rows.values, []driver.Value{f.version, f.name, f.checksum})
	}
	return rows
}

func TestSavePluginMapsDuplicateToConflict(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, err: &mysqldriver.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewWithDB(db).Plugins()
	err := store.SavePlugin(context.Background(), &plugin.Plugin{ID: "p1", TenantID: "acme", Slug: "greeter", Version: "1.0.0"})
	if !xerrors.Is(err, registry.ErrPluginConflict) {
		t.Fatalf("expected plugin conflict, got %v", err)
	}
}

func TestSaveInstallationRequiresPluginRecord(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, err: &mysqldriver.MySQLError{Number: errNoReferencedRow, Message: "foreign key"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := NewWithDB(db).Plugins().SaveInstallation(context.Background(), &plugin.Installation{
		ID: "i1", TenantID: "acme", PluginID: "missing", Slug: "greeter",
	})
	if !registry.NotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetPluginAndInstallation(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db, drv := newMockDB(t, []mockOperation{
		queryOp("", mockRowsData{
			columns: strings.Split(pluginColumns, ", "),
			values: [][]driver.Value{{
				"p1", "acme", "greeter", "Greeter", "1.0.0", "main.lua", nil, "ops",
				[]byte(`["db.read"]`), int64(1), []byte(`["auth.user.created"]`), []byte(`[{"name":"tick","schedule":"@hourly"}]`),
				"abc", []byte("zip"), created.UnixMilli(),
			}},
		}),
		queryOp("", mockRowsData{
			columns: strings.Split(installationColumns, ", "),
			values: [][]driver.Value{{
				"i1", "acme", "p1", "greeter", "1.0.0", int64(1), []byte(`{"greeting":"hi"}`), created.UnixMilli(), created.UnixMilli(),
			}},
		}),
		queryOp("", mockRowsData{columns: strings.Split(installationColumns, ", ")}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewWithDB(db).Plugins()
	ctx := context.Background()
	p, err := store.GetPlugin(ctx, "p1")
	if err != nil {
		t.Fatalf("get plugin: %v", err)
	}
	if !p.Routes || len(p.Permissions) != 1 || p.Jobs[0].Name != "tick" || !p.CreatedAt.Equal(created) {
		t.Fatalf("unexpected plugin: %+v", p)
	}
	inst, err := store.GetInstallation(ctx, "acme", "greeter")
	if err != nil {
		t.Fatalf("get installation: %v", err)
	}
	if !inst.Enabled || inst.Config["greeting"] != "hi" {
		t.Fatalf("unexpected installation: %+v", inst)
	}
	if _, err := store.GetInstallation(ctx, "acme", "other"); !registry.NotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSecretStoreNotFound(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp("", mockRowsData{columns: []string{"sealed", "updated_at"}}),
		execOp("", mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewWithDB(db).Secrets()
	ctx := context.Background()
	if _, err := store.Get(ctx, "acme", "i1", "TOKEN"); !errors.Is(err, secrets.ErrSecretNotFound) {
		t.Fatalf("expected secret not found, got %v", err)
	}
	if err := store.Delete(ctx, "acme", "i1", "TOKEN"); !errors.Is(err, secrets.ErrSecretNotFound) {
		t.Fatalf("expected secret not found on delete, got %v", err)
	}
}

func TestDeadLetterListUsesLimit(t *testing.T) {
	t.Parallel()

	failed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+deadLetterColumns+` FROM webhook_dead_letters WHERE tenant_id = ? ORDER BY failed_at DESC, id DESC LIMIT ?`, mockRowsData{
			columns: strings.Split(deadLetterColumns, ", "),
			values: [][]driver.Value{{
				"dl1", "d1", "acme", "notifier", "i1", "notifier/plain", "e1", "order.created", "https://hooks.example.com",
				int64(5), int64(500), "endpoint responded 500", []byte(`{}`), failed.UnixMilli(),
			}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	list, err := NewWithDB(db).DeadLetters().List(context.Background(), "acme", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := webhook.DeadLetter{ID: "dl1", Attempts: 5, LastStatus: 500, LastError: "endpoint responded 500"}
	if len(list) != 1 || list[0].ID != want.ID || list[0].Attempts != want.Attempts ||
		list[0].LastStatus != want.LastStatus || list[0].LastError != want.LastError || !list[0].FailedAt.Equal(failed) {
		t.Fatalf("unexpected dead letters: %+v", list)
	}
}

func TestDocumentStoreFindFiltersRows(t *testing.T) {
	t.Parallel()

	now := time.Now().UnixMilli()
	db, drv := newMockDB(t, []mockOperation{
		queryOp("", mockRowsData{
			columns: []string{"doc_id", "data", "updated_at"},
			values: [][]driver.Value{
				{"a", []byte(`{"status":"open","n":1}`), now},
				{"b", []byte(`{"status":"closed"}`), now},
				{"c", []byte(`{"status":"open","n":2}`), now},
			},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	docs, err := NewWithDB(db).Documents().Find(context.Background(), "acme", "tickets", map[string]any{"status": "open"}, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "c" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	t.Parallel()

	if _, err := openDatabase(context.Background(), configWithDSN("  ")); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := openDatabase(context.Background(), configWithDSN("not a dsn")); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func configWithDSN(dsn string) config.MySQLConfig {
	return config.MySQLConfig{DSN: dsn}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
