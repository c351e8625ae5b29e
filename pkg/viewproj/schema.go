// Package viewproj implements the policy engine's view projector:
// metadata tables describing secured tables/columns/labels, generated
// guarded views with INSTEAD OF triggers enforcing row/column
// visibility, and the authorizer predicate protecting the metadata
// itself.
package viewproj

import (
	"database/sql"
	"fmt"
	"strings"
)

// ValidationError reports a failed table-registration precondition
// (missing physical table, missing row-label column, no primary key,
// without-rowid storage, or duplicate column names). Surfaced at
// registration time, never deferred to refresh.
type ValidationError struct {
	Table  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("viewproj: cannot register %q: %s", e.Table, e.Reason)
}

// Bootstrap creates the metadata tables if they do not already exist:
// sec_labels, sec_levels, sec_tables, sec_columns, sec_meta.
// Label id 1 is reserved for the sentinel 'true' expression the
// generated insert triggers fall back to when a table declares no
// label at all.
func Bootstrap(db *sql.DB) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS sec_labels (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		expr TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS sec_levels (
		attr_key TEXT NOT NULL,
		level    TEXT NOT NULL,
		rank     INTEGER NOT NULL,
		PRIMARY KEY (attr_key, level)
	);

	CREATE TABLE IF NOT EXISTS sec_tables (
		logical_name      TEXT PRIMARY KEY,
		physical_name     TEXT NOT NULL,
		row_label_col     TEXT NOT NULL,
		table_label_id    INTEGER REFERENCES sec_labels(id),
		insert_label_id   INTEGER REFERENCES sec_labels(id),
		allow_implicit_label INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sec_columns (
		logical_name      TEXT NOT NULL REFERENCES sec_tables(logical_name),
		column_name       TEXT NOT NULL,
		label_id          INTEGER REFERENCES sec_labels(id),
		update_label_id   INTEGER REFERENCES sec_labels(id),
		PRIMARY KEY (logical_name, column_name)
	);

	CREATE TABLE IF NOT EXISTS sec_meta (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO sec_labels (id, expr) VALUES (1, 'true');

	INSERT OR IGNORE INTO sec_meta (key, value) VALUES ('generation', 0);
	INSERT OR IGNORE INTO sec_meta (key, value) VALUES ('last_refresh_generation', 0);
	INSERT OR IGNORE INTO sec_meta (key, value) VALUES ('views_initialized', 0);
	`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("viewproj: bootstrapping metadata schema: %w", err)
	}
	return nil
}

// SecTable mirrors a row of sec_tables.
type SecTable struct {
	LogicalName        string
	PhysicalName        string
	RowLabelCol         string
	TableLabelID        *int64
	InsertLabelID       *int64
	AllowImplicitLabel  bool
}

// SecColumn mirrors a row of sec_columns.
type SecColumn struct {
	LogicalName     string
	ColumnName      string
	LabelID         *int64
	UpdateLabelID   *int64
}

// RegisterTable records logical as a secured view over physical,
// bumping the freshness generation so RefreshViews knows to
// regenerate. tableLabelID/insertLabelID may be nil for an unlabeled
// table. Precondition checks: physical must exist, must carry a primary key
// (not a without-rowid table), must contain rowLabelCol, and must have
// no duplicate column names modulo case.
func RegisterTable(db *sql.DB, logical, physical, rowLabelCol string, tableLabelID, insertLabelID *int64, allowImplicitLabel bool) error {
	cols, withoutRowid, err := tableShape(db, physical)
	if err != nil {
		return err
	}
	if cols == nil {
		return &ValidationError{Table: logical, Reason: fmt.Sprintf("physical table %q does not exist", physical)}
	}
	if withoutRowid {
		return &ValidationError{Table: logical, Reason: fmt.Sprintf("physical table %q uses WITHOUT ROWID storage", physical)}
	}
	pkCols, err := primaryKeyColumns(db, physical)
	if err != nil {
		return err
	}
	if len(pkCols) == 0 {
		return &ValidationError{Table: logical, Reason: fmt.Sprintf("physical table %q has no primary key", physical)}
	}
	if !containsFold(cols, rowLabelCol) {
		return &ValidationError{Table: logical, Reason: fmt.Sprintf("row-label column %q not found on %q", rowLabelCol, physical)}
	}
	if dup, ok := duplicateColumnFold(cols); ok {
		return &ValidationError{Table: logical, Reason: fmt.Sprintf("duplicate column name %q (case-insensitive) on %q", dup, physical)}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("viewproj: starting registration transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sec_tables (logical_name, physical_name, row_label_col, table_label_id, insert_label_id, allow_implicit_label)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(logical_name) DO UPDATE SET
			physical_name = excluded.physical_name,
			row_label_col = excluded.row_label_col,
			table_label_id = excluded.table_label_id,
			insert_label_id = excluded.insert_label_id,
			allow_implicit_label = excluded.allow_implicit_label
	`, logical, physical, rowLabelCol, tableLabelID, insertLabelID, allowImplicitLabel)
	if err != nil {
		return fmt.Errorf("viewproj: registering table %s: %w", logical, err)
	}

	for _, c := range cols {
		if _, err := tx.Exec(`
			INSERT INTO sec_columns (logical_name, column_name, label_id, update_label_id)
			VALUES (?, ?, NULL, NULL)
			ON CONFLICT(logical_name, column_name) DO NOTHING
		`, logical, c); err != nil {
			return fmt.Errorf("viewproj: seeding sec_columns for %s.%s: %w", logical, c, err)
		}
	}

	if _, err := tx.Exec(`UPDATE sec_meta SET value = value + 1 WHERE key = 'generation'`); err != nil {
		return fmt.Errorf("viewproj: bumping generation: %w", err)
	}

	return tx.Commit()
}

// tableShape returns physical's column names (nil if the table does
// not exist) and whether its CREATE TABLE statement declares WITHOUT
// ROWID storage.
func tableShape(db *sql.DB, physical string) (cols []string, withoutRowid bool, err error) {
	var createSQL sql.NullString
	row := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, physical)
	if err := row.Scan(&createSQL); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("viewproj: looking up table %q: %w", physical, err)
	}
	withoutRowid = strings.Contains(strings.ToUpper(createSQL.String), "WITHOUT ROWID")

	cols, err = physicalColumns(db, physical)
	if err != nil {
		return nil, false, err
	}
	return cols, withoutRowid, nil
}

func containsFold(cols []string, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

func duplicateColumnFold(cols []string) (string, bool) {
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		key := strings.ToLower(c)
		if _, ok := seen[key]; ok {
			return c, true
		}
		seen[key] = struct{}{}
	}
	return "", false
}

// RegisterColumn records a per-column label for logical.column,
// bumping the freshness generation.
func RegisterColumn(db *sql.DB, logical, column string, labelID, updateLabelID *int64) error {
	_, err := db.Exec(`
		INSERT INTO sec_columns (logical_name, column_name, label_id, update_label_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(logical_name, column_name) DO UPDATE SET
			label_id = excluded.label_id,
			update_label_id = excluded.update_label_id
	`, logical, column, labelID, updateLabelID)
	if err != nil {
		return fmt.Errorf("viewproj: registering column %s.%s: %w", logical, column, err)
	}
	_, err = db.Exec(`UPDATE sec_meta SET value = value + 1 WHERE key = 'generation'`)
	if err != nil {
		return fmt.Errorf("viewproj: bumping generation: %w", err)
	}
	return nil
}

func loadSecTables(db *sql.DB) ([]SecTable, error) {
	rows, err := db.Query(`SELECT logical_name, physical_name, row_label_col, table_label_id, insert_label_id, allow_implicit_label FROM sec_tables`)
	if err != nil {
		return nil, fmt.Errorf("viewproj: loading sec_tables: %w", err)
	}
	defer rows.Close()

	var out []SecTable
	for rows.Next() {
		var t SecTable
		var allowImplicit int
		if err := rows.Scan(&t.LogicalName, &t.PhysicalName, &t.RowLabelCol, &t.TableLabelID, &t.InsertLabelID, &allowImplicit); err != nil {
			return nil, fmt.Errorf("viewproj: scanning sec_tables row: %w", err)
		}
		t.AllowImplicitLabel = allowImplicit != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func loadSecColumns(db *sql.DB, logical string) ([]SecColumn, error) {
	rows, err := db.Query(`SELECT logical_name, column_name, label_id, update_label_id FROM sec_columns WHERE logical_name = ?`, logical)
	if err != nil {
		return nil, fmt.Errorf("viewproj: loading sec_columns for %s: %w", logical, err)
	}
	defer rows.Close()

	var out []SecColumn
	for rows.Next() {
		var c SecColumn
		if err := rows.Scan(&c.LogicalName, &c.ColumnName, &c.LabelID, &c.UpdateLabelID); err != nil {
			return nil, fmt.Errorf("viewproj: scanning sec_columns row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// primaryKeyColumns returns physical's primary key column names, in
// declaration order, via PRAGMA table_info.
func primaryKeyColumns(db *sql.DB, physical string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, physical))
	if err != nil {
		return nil, fmt.Errorf("viewproj: introspecting %s: %w", physical, err)
	}
	defer rows.Close()

	type col struct {
		name string
		pk   int
	}
	var cols []col
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("viewproj: scanning table_info for %s: %w", physical, err)
		}
		if pk > 0 {
			cols = append(cols, col{name: name, pk: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, len(cols))
	for _, c := range cols {
		out[c.pk-1] = c.name
	}
	return out, nil
}

// physicalColumns returns every column name of physical, in
// declaration order.
func physicalColumns(db *sql.DB, physical string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, physical))
	if err != nil {
		return nil, fmt.Errorf("viewproj: introspecting %s: %w", physical, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("viewproj: scanning table_info for %s: %w", physical, err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
