package viewproj

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/sqlsec/sqlsec/pkg/freshness"
	"github.com/sqlsec/sqlsec/pkg/label"
)

// RefreshViews regenerates every secured view and its write triggers,
// then marks the freshness tracker's generation as refreshed. Each
// table is processed independently inside one transaction. A table
// whose table label is not visible under the caller's evaluated
// context — or whose visible column list comes out empty — has its
// view dropped instead of recreated, so a caller without that table's
// minimum clearance simply loses access without erroring the whole
// refresh.
func RefreshViews(db *sql.DB, engine *Engine) error {
	// Explicit BEGIN/COMMIT on the (single, see Open) pooled
	// connection rather than db.Begin: the view DDL below is TEMP
	// (per-connection) and must land on the same connection the
	// transaction runs on, and the last_refresh_generation update must
	// commit atomically with it.
	if _, err := db.Exec(`BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("viewproj: starting refresh transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			db.Exec(`ROLLBACK`)
		}
	}()

	levels, err := label.LoadLevels(db)
	if err != nil {
		return err
	}
	engine.Levels = levels
	if err := engine.Labels.LoadAll(db); err != nil {
		return err
	}

	tables, err := loadSecTables(db)
	if err != nil {
		return err
	}

	for _, table := range tables {
		if err := refreshSingleView(db, table, engine); err != nil {
			return fmt.Errorf("viewproj: refreshing view %s: %w", table.LogicalName, err)
		}
	}

	if err := freshness.NewTracker(db).MarkRefreshed(); err != nil {
		return err
	}
	if _, err := db.Exec(`UPDATE sec_meta SET value = 1 WHERE key = 'views_initialized'`); err != nil {
		return fmt.Errorf("viewproj: marking views initialized: %w", err)
	}
	if _, err := db.Exec(`COMMIT`); err != nil {
		return fmt.Errorf("viewproj: committing refresh: %w", err)
	}
	committed = true
	return nil
}

func refreshSingleView(db *sql.DB, table SecTable, engine *Engine) error {
	ctx := engine.Ctx.Effective()

	if !engine.Labels.IsVisible(db, table.TableLabelID, ctx, engine.Levels) {
		return dropView(db, table.LogicalName)
	}

	cols, err := loadSecColumns(db, table.LogicalName)
	if err != nil {
		return err
	}
	readable := make(map[string]bool, len(cols))
	for _, c := range cols {
		readable[c.ColumnName] = engine.Labels.IsVisible(db, c.LabelID, ctx, engine.Levels)
	}

	if err := dropView(db, table.LogicalName); err != nil {
		return err
	}

	// The view exposes only the columns the current context can read,
	// in physical declaration order; a labeled column the context
	// cannot see is omitted outright. No visible columns means no view
	// at all. The row-label column itself always rides along (it is
	// the label id, not payload): the INSTEAD OF triggers read
	// NEW/OLD of it, and NEW/OLD inside a view trigger only carry the
	// view's own columns.
	physicalCols, err := physicalColumns(db, table.PhysicalName)
	if err != nil {
		return err
	}
	var visibleCols []string // the view's columns minus the row-label column
	var selectList []string
	for _, col := range physicalCols {
		if col == table.RowLabelCol {
			selectList = append(selectList, fmt.Sprintf("%q", col))
			continue
		}
		if vis, tracked := readable[col]; tracked && !vis {
			continue
		}
		selectList = append(selectList, fmt.Sprintf("%q", col))
		visibleCols = append(visibleCols, col)
	}
	if len(visibleCols) == 0 {
		return nil
	}

	ddl := fmt.Sprintf(`
		CREATE TEMP VIEW %[1]q AS
		SELECT %[2]s
		FROM %[3]q
		WHERE %[4]s AND sec_label_visible(%[5]q);
	`, table.LogicalName, strings.Join(selectList, ", "), table.PhysicalName, freshPredicate, table.RowLabelCol)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating view: %w", err)
	}

	return CreateWriteTriggers(db, table, visibleCols)
}

func dropView(db *sql.DB, logical string) error {
	_, err := db.Exec(fmt.Sprintf(`DROP VIEW IF EXISTS %q`, logical))
	if err != nil {
		return fmt.Errorf("dropping view %s: %w", logical, err)
	}
	return nil
}

