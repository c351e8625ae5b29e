package label

import (
	"database/sql"
	"fmt"
	"sync"
)

// Cache memoizes parsed labels by their sec_labels.id so repeated
// evaluation of the same label doesn't re-parse its expression on
// every row.
type Cache struct {
	mu     sync.Mutex
	labels map[int64]Label
}

// NewCache returns an empty label cache.
func NewCache() *Cache {
	return &Cache{labels: make(map[int64]Label)}
}

// EvaluateByID evaluates the label stored under labelID against ctx,
// loading and parsing it from the sec_labels table on a cache miss.
func (c *Cache) EvaluateByID(db *sql.DB, labelID int64, ctx EvalContext, levels LevelTable) (bool, error) {
	c.mu.Lock()
	if l, ok := c.labels[labelID]; ok {
		c.mu.Unlock()
		return l.Evaluate(ctx, levels), nil
	}
	c.mu.Unlock()

	var expr string
	err := db.QueryRow(`SELECT expr FROM sec_labels WHERE id = ?`, labelID).Scan(&expr)
	if err != nil {
		return false, fmt.Errorf("label: loading label %d: %w", labelID, err)
	}
	l, err := Parse(expr)
	if err != nil {
		return false, fmt.Errorf("label: parsing label %d: %w", labelID, err)
	}

	c.mu.Lock()
	c.labels[labelID] = l
	c.mu.Unlock()

	return l.Evaluate(ctx, levels), nil
}

// EvaluateCached evaluates labelID strictly from the cache. found is
// false when the label has never been loaded — callers running inside
// a SQL-function callback must treat that as not visible rather than
// querying the database, since the callback's connection is already
// mid-statement.
func (c *Cache) EvaluateCached(labelID int64, ctx EvalContext, levels LevelTable) (visible, found bool) {
	c.mu.Lock()
	l, ok := c.labels[labelID]
	c.mu.Unlock()
	if !ok {
		return false, false
	}
	return l.Evaluate(ctx, levels), true
}

// LoadAll parses every sec_labels row into the cache. The view
// projector calls this while rebuilding views so the SQL-function
// callbacks evaluating labels row by row never need to query the
// database mid-statement — on a connection already executing the
// outer SELECT, that nested query would block.
func (c *Cache) LoadAll(db *sql.DB) error {
	rows, err := db.Query(`SELECT id, expr FROM sec_labels`)
	if err != nil {
		return fmt.Errorf("label: loading sec_labels: %w", err)
	}
	defer rows.Close()

	parsed := make(map[int64]Label)
	for rows.Next() {
		var id int64
		var expr string
		if err := rows.Scan(&id, &expr); err != nil {
			return fmt.Errorf("label: scanning sec_labels row: %w", err)
		}
		l, err := Parse(expr)
		if err != nil {
			return fmt.Errorf("label: parsing label %d: %w", id, err)
		}
		parsed[id] = l
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	for id, l := range parsed {
		c.labels[id] = l
	}
	c.mu.Unlock()
	return nil
}

// Invalidate drops a cached label, forcing the next EvaluateByID call
// to reload it — used when a label's expression is redefined.
func (c *Cache) Invalidate(labelID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.labels, labelID)
}

// IsVisible reports whether a (possibly absent) label permits access:
// a nil labelID always permits access — unlabeled rows/columns carry
// no restriction.
func (c *Cache) IsVisible(db *sql.DB, labelID *int64, ctx EvalContext, levels LevelTable) bool {
	if labelID == nil {
		return true
	}
	ok, err := c.EvaluateByID(db, *labelID, ctx, levels)
	if err != nil {
		return false
	}
	return ok
}

// Define inserts expr into sec_labels (if not already present) and
// returns its id, caching the parsed label.
func Define(db *sql.DB, cache *Cache, expr string) (int64, error) {
	l, err := Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("label: parsing %q: %w", expr, err)
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO sec_labels (expr) VALUES (?)`, expr); err != nil {
		return 0, fmt.Errorf("label: defining %q: %w", expr, err)
	}

	var id int64
	if err := db.QueryRow(`SELECT id FROM sec_labels WHERE expr = ?`, expr).Scan(&id); err != nil {
		return 0, fmt.Errorf("label: loading id for %q: %w", expr, err)
	}

	cache.mu.Lock()
	cache.labels[id] = l
	cache.mu.Unlock()

	return id, nil
}
