package viewproj

import (
	"database/sql"
	"fmt"
	"strings"
)

// CreateWriteTriggers (re)creates the INSTEAD OF INSERT/UPDATE/DELETE
// triggers for a secured view: a freshness check first, then the
// operation-specific policy guards, then the actual write against the
// physical table. visibleCols is the view's own column list (the
// row-label column plus any non-visible labeled columns already
// filtered out): NEW/OLD inside an INSTEAD OF trigger only carry the
// view's columns, so the triggers must reference exactly that set.
func CreateWriteTriggers(db *sql.DB, table SecTable, visibleCols []string) error {
	if err := createInsertTrigger(db, table, visibleCols); err != nil {
		return err
	}
	if err := createUpdateTrigger(db, table, visibleCols); err != nil {
		return err
	}
	return createDeleteTrigger(db, table)
}

func pkWhereOld(pkCols []string) string {
	parts := make([]string, len(pkCols))
	for i, c := range pkCols {
		parts[i] = fmt.Sprintf("%q = OLD.%q", c, c)
	}
	return strings.Join(parts, " AND ")
}

// freshPredicate is the pure-SQL freshness check shared by generated
// views and triggers: true only when no context mutation has happened
// since the last refresh. Pure SQL rather than a registered function —
// a Go callback would need its own database query mid-statement.
const freshPredicate = `(SELECT value FROM sec_meta WHERE key = 'generation') =
		(SELECT value FROM sec_meta WHERE key = 'last_refresh_generation')`

const refreshGuard = `
	SELECT CASE
		WHEN NOT (` + freshPredicate + `)
		THEN RAISE(ABORT, 'security views are stale: call refresh_views()')
	END;
`

func labelVisibleGuard(rowLabelCol string) string {
	return fmt.Sprintf(`
	SELECT CASE
		WHEN NEW.%[1]q IS NOT NULL
		 AND NOT sec_label_visible(NEW.%[1]q)
		THEN RAISE(ABORT, 'row label not visible')
	END;
	`, rowLabelCol)
}

func implicitLabelGuard(logical, rowLabelCol string) string {
	return fmt.Sprintf(`
	SELECT CASE
		WHEN NEW.%[2]q IS NULL
		 AND (SELECT allow_implicit_label FROM sec_tables WHERE logical_name = '%[1]s') = 0
		THEN RAISE(ABORT, 'implicit row label not allowed')
	END;
	`, logical, rowLabelCol)
}

func updateLabelGuard(rowLabelCol string) string {
	return fmt.Sprintf(`
	SELECT CASE
		WHEN NEW.%[1]q IS NOT OLD.%[1]q
		THEN RAISE(ABORT, 'cannot update row label column')
	END;
	`, rowLabelCol)
}

func updatePKGuard(pkCols []string) string {
	parts := make([]string, len(pkCols))
	for i, c := range pkCols {
		parts[i] = fmt.Sprintf("OLD.%q IS NOT NEW.%q", c, c)
	}
	return fmt.Sprintf(`
	SELECT CASE
		WHEN %s
		THEN RAISE(ABORT, 'cannot update primary key')
	END;
	`, strings.Join(parts, " OR "))
}

func createInsertTrigger(db *sql.DB, table SecTable, visibleCols []string) error {
	logical, physical, rowLabelCol := table.LogicalName, table.PhysicalName, table.RowLabelCol

	quotedCols := make([]string, len(visibleCols))
	newVals := make([]string, len(visibleCols))
	for i, c := range visibleCols {
		quotedCols[i] = fmt.Sprintf("%q", c)
		newVals[i] = fmt.Sprintf("NEW.%q", c)
	}

	// Row label precedence: the caller-supplied value (already vetted
	// by labelVisibleGuard), else the table's insert label when the
	// current context can see it, else the table label, else the
	// sentinel always-true label.
	fallbacks := []string{fmt.Sprintf("NEW.%q", rowLabelCol)}
	if table.InsertLabelID != nil {
		fallbacks = append(fallbacks, fmt.Sprintf("(SELECT %[1]d WHERE sec_label_visible(%[1]d))", *table.InsertLabelID))
	}
	if table.TableLabelID != nil {
		fallbacks = append(fallbacks, fmt.Sprintf("%d", *table.TableLabelID))
	}
	fallbacks = append(fallbacks, "1")
	rowLabelAssignment := "COALESCE(" + strings.Join(fallbacks, ", ") + ")"

	ddl := fmt.Sprintf(`
		DROP TRIGGER IF EXISTS %[1]q;
		CREATE TEMP TRIGGER %[1]q
		INSTEAD OF INSERT ON %[2]q
		BEGIN
			%[3]s
			%[4]s
			%[5]s

			INSERT INTO %[6]q (%[7]q, %[8]s)
			VALUES (%[9]s, %[10]s);
		END;
	`,
		logical+"_sec_ins", logical,
		refreshGuard, implicitLabelGuard(logical, rowLabelCol), labelVisibleGuard(rowLabelCol),
		physical, rowLabelCol, strings.Join(quotedCols, ", "),
		rowLabelAssignment, strings.Join(newVals, ", "),
	)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("viewproj: creating INSERT trigger for %s: %w", logical, err)
	}
	return nil
}

func createUpdateTrigger(db *sql.DB, table SecTable, visibleCols []string) error {
	logical, physical, rowLabelCol := table.LogicalName, table.PhysicalName, table.RowLabelCol

	pkCols, err := requirePKCols(db, physical)
	if err != nil {
		return err
	}

	setClauses := make([]string, len(visibleCols))
	for i, c := range visibleCols {
		setClauses[i] = fmt.Sprintf("%q = NEW.%q", c, c)
	}

	columnGuards, err := columnUpdatePolicyGuards(db, logical, visibleCols)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
		DROP TRIGGER IF EXISTS %[1]q;
		CREATE TEMP TRIGGER %[1]q
		INSTEAD OF UPDATE ON %[2]q
		BEGIN
			%[3]s
			%[4]s
			%[5]s
			%[6]s

			UPDATE %[7]q
			SET %[8]s
			WHERE %[9]s AND sec_label_visible(%[10]q);
		END;
	`,
		logical+"_sec_upd", logical,
		refreshGuard, updatePKGuard(pkCols), updateLabelGuard(rowLabelCol), columnGuards,
		physical, strings.Join(setClauses, ", "), pkWhereOld(pkCols), rowLabelCol,
	)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("viewproj: creating UPDATE trigger for %s: %w", logical, err)
	}
	return nil
}

func createDeleteTrigger(db *sql.DB, table SecTable) error {
	logical, physical, rowLabelCol := table.LogicalName, table.PhysicalName, table.RowLabelCol

	pkCols, err := requirePKCols(db, physical)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
		DROP TRIGGER IF EXISTS %[1]q;
		CREATE TEMP TRIGGER %[1]q
		INSTEAD OF DELETE ON %[2]q
		BEGIN
			%[3]s

			DELETE FROM %[4]q
			WHERE %[5]s AND sec_label_visible(%[6]q);
		END;
	`,
		logical+"_sec_del", logical,
		refreshGuard,
		physical, pkWhereOld(pkCols), rowLabelCol,
	)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("viewproj: creating DELETE trigger for %s: %w", logical, err)
	}
	return nil
}

func requirePKCols(db *sql.DB, physical string) ([]string, error) {
	pkCols, err := primaryKeyColumns(db, physical)
	if err != nil {
		return nil, err
	}
	if len(pkCols) == 0 {
		return nil, fmt.Errorf("viewproj: secured table %q must have a PRIMARY KEY", physical)
	}
	return pkCols, nil
}

// columnUpdatePolicyGuards emits one RAISE(ABORT) guard per column
// that carries an update_label_id the current context does not
// satisfy, denying the UPDATE statement if it actually changes that
// column's value. Only columns present in the view get a guard: a
// read-invisible column is not in the view at all, so its OLD/NEW
// references would not resolve (and it cannot be updated anyway).
func columnUpdatePolicyGuards(db *sql.DB, logical string, visibleCols []string) (string, error) {
	cols, err := loadSecColumns(db, logical)
	if err != nil {
		return "", err
	}
	inView := make(map[string]struct{}, len(visibleCols))
	for _, c := range visibleCols {
		inView[c] = struct{}{}
	}

	var guards []string
	for _, c := range cols {
		if c.UpdateLabelID == nil {
			continue
		}
		if _, ok := inView[c.ColumnName]; !ok {
			continue
		}
		visible, err := columnVisible(db, *c.UpdateLabelID)
		if err != nil {
			return "", err
		}
		if visible {
			continue
		}
		guards = append(guards, fmt.Sprintf(`
			SELECT CASE
				WHEN OLD.%[1]q IS NOT NEW.%[1]q
				THEN RAISE(ABORT, 'update denied on column %[1]s')
			END;
			`, c.ColumnName))
	}
	return strings.Join(guards, "\n"), nil
}

func columnVisible(db *sql.DB, labelID int64) (bool, error) {
	var visible bool
	row := db.QueryRow(`SELECT sec_label_visible(?)`, labelID)
	if err := row.Scan(&visible); err != nil {
		return false, fmt.Errorf("viewproj: evaluating column label %d: %w", labelID, err)
	}
	return visible, nil
}
