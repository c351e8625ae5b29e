package label

import (
	"database/sql"
	"fmt"
)

// DefineLevel upserts one attr/level/rank row into sec_levels, the
// persisted form of a LevelTable entry.
// Callers that need the updated ordering reflected in evaluation
// reload it with LoadLevels afterward.
func DefineLevel(db *sql.DB, attr, levelName string, rank int64) error {
	_, err := db.Exec(`
		INSERT INTO sec_levels (attr_key, level, rank) VALUES (?, ?, ?)
		ON CONFLICT(attr_key, level) DO UPDATE SET rank = excluded.rank
	`, attr, levelName, rank)
	if err != nil {
		return fmt.Errorf("label: defining level %s.%s: %w", attr, levelName, err)
	}
	return nil
}

// LoadLevels reads every sec_levels row into a LevelTable, ordering
// each attribute's levels by rank ascending so they match LevelTable's
// documented low-to-high convention. RefreshViews calls this before
// evaluating any label so ordered comparisons see the latest levels.
func LoadLevels(db *sql.DB) (LevelTable, error) {
	rows, err := db.Query(`SELECT attr_key, level FROM sec_levels ORDER BY attr_key, rank ASC`)
	if err != nil {
		return nil, fmt.Errorf("label: loading sec_levels: %w", err)
	}
	defer rows.Close()

	table := make(LevelTable)
	for rows.Next() {
		var attr, level string
		if err := rows.Scan(&attr, &level); err != nil {
			return nil, fmt.Errorf("label: scanning sec_levels row: %w", err)
		}
		table[attr] = append(table[attr], level)
	}
	return table, rows.Err()
}
