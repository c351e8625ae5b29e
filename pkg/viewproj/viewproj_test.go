package viewproj

import (
	"database/sql"
	"testing"

	"github.com/sqlsec/sqlsec/pkg/label"
	"github.com/sqlsec/sqlsec/pkg/secctx"
)

func newEngine() *Engine {
	return &Engine{
		Labels: label.NewCache(),
		Levels: nil,
		Ctx:    secctx.NewContextStack(),
	}
}

func openTestDB(t *testing.T, engine *Engine) *sql.DB {
	t.Helper()
	var db *sql.DB
	if err := Open(":memory:", engine, &db); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterTableAndRefreshView(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)

	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE docs_physical (id INTEGER PRIMARY KEY, title TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}

	adminLabelID, err := label.Define(db, engine.Labels, "role=admin")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}

	if err := RegisterTable(db, "docs", "docs_physical", "row_label", nil, &adminLabelID, false); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO docs_physical (id, title, row_label) VALUES (1, 'secret doc', ?)`, adminLabelID); err != nil {
		t.Fatalf("seeding physical row: %v", err)
	}

	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM docs`).Scan(&count); err != nil {
		t.Fatalf("querying view without admin role: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no visible rows without role=admin, got %d", count)
	}

	engine.Ctx.CurrentMut().SetAttr("role", "admin")
	if err := db.QueryRow(`SELECT COUNT(*) FROM docs`).Scan(&count); err != nil {
		t.Fatalf("querying view with admin role: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 visible row with role=admin, got %d", count)
	}
}

func TestRefreshViewsLoadsLevels(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)
	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE reports_physical (id INTEGER PRIMARY KEY, title TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}

	if err := label.DefineLevel(db, "clearance", "public", 0); err != nil {
		t.Fatalf("DefineLevel: %v", err)
	}
	if err := label.DefineLevel(db, "clearance", "secret", 1); err != nil {
		t.Fatalf("DefineLevel: %v", err)
	}

	secretLabelID, err := label.Define(db, engine.Labels, "clearance>=secret")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := RegisterTable(db, "reports", "reports_physical", "row_label", nil, &secretLabelID, false); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO reports_physical (id, title, row_label) VALUES (1, 'classified', ?)`, secretLabelID); err != nil {
		t.Fatalf("seeding physical row: %v", err)
	}

	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	if engine.Levels["clearance"] == nil {
		t.Fatalf("expected RefreshViews to populate engine.Levels from sec_levels")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM reports`).Scan(&count); err != nil {
		t.Fatalf("querying view without clearance: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no visible rows without clearance>=secret, got %d", count)
	}

	engine.Ctx.CurrentMut().SetAttr("clearance", "secret")
	if err := db.QueryRow(`SELECT COUNT(*) FROM reports`).Scan(&count); err != nil {
		t.Fatalf("querying view with clearance=secret: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 visible row with clearance=secret, got %d", count)
	}
}

func TestStaleViewsBlockWrites(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)

	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE items_physical (id INTEGER PRIMARY KEY, name TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}
	if err := RegisterTable(db, "items", "items_physical", "row_label", nil, nil, true); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}

	// Registering a second table bumps the generation without a
	// refresh, so the first table's trigger must now refuse writes.
	if _, err := db.Exec(`CREATE TABLE other_physical (id INTEGER PRIMARY KEY, row_label INTEGER)`); err != nil {
		t.Fatalf("creating second physical table: %v", err)
	}
	if err := RegisterTable(db, "other", "other_physical", "row_label", nil, nil, true); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	_, err := db.Exec(`INSERT INTO items (id, name) VALUES (1, 'widget')`)
	if err == nil {
		t.Fatalf("expected stale-view guard to block the insert")
	}
}

func TestRegisterTableValidatesPreconditions(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)
	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if err := RegisterTable(db, "ghost", "ghost_physical", "row_label", nil, nil, false); err == nil {
		t.Fatalf("expected ValidationError for a nonexistent physical table")
	}

	if _, err := db.Exec(`CREATE TABLE norowid_physical (id INTEGER, row_label INTEGER, PRIMARY KEY (id)) WITHOUT ROWID`); err != nil {
		t.Fatalf("creating without-rowid table: %v", err)
	}
	if err := RegisterTable(db, "norowid", "norowid_physical", "row_label", nil, nil, false); err == nil {
		t.Fatalf("expected ValidationError for a WITHOUT ROWID table")
	}

	if _, err := db.Exec(`CREATE TABLE nopk_physical (id INTEGER, row_label INTEGER)`); err != nil {
		t.Fatalf("creating no-pk table: %v", err)
	}
	if err := RegisterTable(db, "nopk", "nopk_physical", "row_label", nil, nil, false); err == nil {
		t.Fatalf("expected ValidationError for a table with no primary key")
	}

	if _, err := db.Exec(`CREATE TABLE missingcol_physical (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("creating table without a row-label column: %v", err)
	}
	if err := RegisterTable(db, "missingcol", "missingcol_physical", "row_label", nil, nil, false); err == nil {
		t.Fatalf("expected ValidationError for a missing row-label column")
	}
}

func TestRegisterTableSeedsColumns(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)
	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE people_physical (id INTEGER PRIMARY KEY, name TEXT, ssn TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}
	if err := RegisterTable(db, "people", "people_physical", "row_label", nil, nil, true); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	cols, err := loadSecColumns(db, "people")
	if err != nil {
		t.Fatalf("loadSecColumns: %v", err)
	}
	names := map[string]bool{}
	for _, c := range cols {
		names[c.ColumnName] = true
	}
	if !names["name"] || !names["ssn"] || !names["id"] || !names["row_label"] {
		t.Fatalf("expected sec_columns to be seeded with one row per physical column, got %v", cols)
	}
}

func TestAuthorizeDeniesPrivateAndMetadataWrites(t *testing.T) {
	if Authorize("__sec_internal", ActionRead) != Deny {
		t.Fatalf("expected private-prefixed tables to always be denied")
	}
	if Authorize("sec_tables", ActionWrite) != Deny {
		t.Fatalf("expected direct writes to metadata tables to be denied")
	}
	if Authorize("sec_tables", ActionRead) != Allow {
		t.Fatalf("expected reads of metadata tables to be allowed")
	}
	if Authorize("docs", ActionWrite) != Allow {
		t.Fatalf("expected ordinary tables to be allowed")
	}
}

func viewColumns(t *testing.T, db *sql.DB, view string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT * FROM ` + view + ` LIMIT 0`)
	if err != nil {
		t.Fatalf("querying %s columns: %v", view, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	return cols
}

func TestColumnLabelsFilterViewColumns(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)
	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE customers_physical (id INTEGER PRIMARY KEY, name TEXT, email TEXT, ssn TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}

	auditorLabelID, err := label.Define(db, engine.Labels, "(role=admin|role=auditor)")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	adminLabelID, err := label.Define(db, engine.Labels, "role=admin")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}

	if err := RegisterTable(db, "customers", "customers_physical", "row_label", nil, nil, true); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if err := RegisterColumn(db, "customers", "email", &auditorLabelID, nil); err != nil {
		t.Fatalf("RegisterColumn email: %v", err)
	}
	if err := RegisterColumn(db, "customers", "ssn", &adminLabelID, nil); err != nil {
		t.Fatalf("RegisterColumn ssn: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO customers_physical (id, name, email, ssn, row_label) VALUES (1, 'Alice', 'a@x', '123', NULL)`); err != nil {
		t.Fatalf("seeding physical row: %v", err)
	}

	assertColumns := func(want ...string) {
		t.Helper()
		got := viewColumns(t, db, "customers")
		if len(got) != len(want) {
			t.Fatalf("view columns = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("view columns = %v, want %v", got, want)
			}
		}
	}

	// Plain user: email and ssn are omitted from the view entirely.
	engine.Ctx.CurrentMut().SetAttr("role", "user")
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	assertColumns("id", "name", "row_label")
	var name string
	if err := db.QueryRow(`SELECT name FROM customers`).Scan(&name); err != nil {
		t.Fatalf("querying view as user: %v", err)
	}
	if name != "Alice" {
		t.Fatalf("expected Alice, got %q", name)
	}
	if err := db.QueryRow(`SELECT ssn FROM customers`).Scan(new(sql.NullString)); err == nil {
		t.Fatalf("expected selecting a non-visible column to fail")
	}

	// Auditor: email appears, ssn still omitted.
	engine.Ctx.CurrentMut().SetAttr("role", "auditor")
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	assertColumns("id", "name", "email", "row_label")
	var email string
	if err := db.QueryRow(`SELECT email FROM customers`).Scan(&email); err != nil {
		t.Fatalf("querying view as auditor: %v", err)
	}
	if email != "a@x" {
		t.Fatalf("expected a@x, got %q", email)
	}

	// Admin: every column visible.
	engine.Ctx.CurrentMut().SetAttr("role", "admin")
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	assertColumns("id", "name", "email", "ssn", "row_label")
	var ssn string
	if err := db.QueryRow(`SELECT ssn FROM customers`).Scan(&ssn); err != nil {
		t.Fatalf("querying view as admin: %v", err)
	}
	if ssn != "123" {
		t.Fatalf("expected 123, got %q", ssn)
	}
}

func TestViewDroppedWhenNoColumnsVisible(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)
	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE vault_physical (id INTEGER PRIMARY KEY, secret TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}
	adminLabelID, err := label.Define(db, engine.Labels, "role=admin")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := RegisterTable(db, "vault", "vault_physical", "row_label", nil, nil, true); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if err := RegisterColumn(db, "vault", "id", &adminLabelID, nil); err != nil {
		t.Fatalf("RegisterColumn id: %v", err)
	}
	if err := RegisterColumn(db, "vault", "secret", &adminLabelID, nil); err != nil {
		t.Fatalf("RegisterColumn secret: %v", err)
	}

	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	if _, err := db.Query(`SELECT * FROM vault LIMIT 0`); err == nil {
		t.Fatalf("expected the view to be dropped when no column is visible")
	}

	engine.Ctx.CurrentMut().SetAttr("role", "admin")
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	cols := viewColumns(t, db, "vault")
	if len(cols) != 3 {
		t.Fatalf("expected all columns for role=admin, got %v", cols)
	}
}

func TestInsertTriggerRowLabelPrecedence(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)
	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE docs_physical (id INTEGER PRIMARY KEY, title TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}
	adminLabelID, err := label.Define(db, engine.Labels, "role=admin")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := RegisterTable(db, "docs", "docs_physical", "row_label", nil, &adminLabelID, true); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	rowLabel := func(id int) sql.NullInt64 {
		t.Helper()
		var got sql.NullInt64
		if err := db.QueryRow(`SELECT row_label FROM docs_physical WHERE id = ?`, id).Scan(&got); err != nil {
			t.Fatalf("reading row label for id %d: %v", id, err)
		}
		return got
	}

	engine.Ctx.CurrentMut().SetAttr("role", "admin")
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}

	// An explicitly supplied row label wins over every default.
	if _, err := db.Exec(`INSERT INTO docs (id, title, row_label) VALUES (1, 'labeled', 1)`); err != nil {
		t.Fatalf("insert with explicit row label: %v", err)
	}
	if got := rowLabel(1); !got.Valid || got.Int64 != 1 {
		t.Fatalf("expected explicit row label 1, got %v", got)
	}

	// No supplied label: the table's insert label applies while visible.
	if _, err := db.Exec(`INSERT INTO docs (id, title) VALUES (2, 'defaulted')`); err != nil {
		t.Fatalf("insert without row label: %v", err)
	}
	if got := rowLabel(2); !got.Valid || got.Int64 != adminLabelID {
		t.Fatalf("expected insert label %d, got %v", adminLabelID, got)
	}

	// Insert label not visible and no table label: the sentinel
	// always-true label is the last fallback.
	engine.Ctx.Clear()
	engine.Ctx.CurrentMut().SetAttr("role", "user")
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO docs (id, title) VALUES (3, 'fallback')`); err != nil {
		t.Fatalf("insert as user: %v", err)
	}
	if got := rowLabel(3); !got.Valid || got.Int64 != 1 {
		t.Fatalf("expected sentinel label 1, got %v", got)
	}

	// A supplied label the context cannot see is rejected outright.
	if _, err := db.Exec(`INSERT INTO docs (id, title, row_label) VALUES (4, 'denied', ?)`, adminLabelID); err == nil {
		t.Fatalf("expected insert with a non-visible row label to abort")
	}
}

func TestStaleReadsBlockedBetweenMutationAndRefresh(t *testing.T) {
	engine := newEngine()
	db := openTestDB(t, engine)
	if err := Bootstrap(db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE notes_physical (id INTEGER PRIMARY KEY, body TEXT, row_label INTEGER)`); err != nil {
		t.Fatalf("creating physical table: %v", err)
	}
	if err := RegisterTable(db, "notes", "notes_physical", "row_label", nil, nil, true); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&count); err != nil {
		t.Fatalf("querying fresh view: %v", err)
	}

	// A metadata mutation bumps the generation; the view's freshness
	// predicate now filters every row until the next refresh.
	if _, err := db.Exec(`UPDATE sec_meta SET value = value + 1 WHERE key = 'generation'`); err != nil {
		t.Fatalf("bumping generation: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO notes_physical (id, body, row_label) VALUES (1, 'n', NULL)`); err != nil {
		t.Fatalf("seeding physical row: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&count); err != nil {
		t.Fatalf("querying stale view: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the stale view to expose no rows, got %d", count)
	}

	if err := RefreshViews(db, engine); err != nil {
		t.Fatalf("RefreshViews: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&count); err != nil {
		t.Fatalf("querying refreshed view: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after refresh, got %d", count)
	}
}
