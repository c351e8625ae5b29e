// Package freshness tracks the generation counter that detects when a
// security-relevant metadata change (a new table registration, label
// redefinition, or policy change) has made the generated views and
// triggers stale.
package freshness

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrStale indicates the generated views/triggers were built against
// an older context generation and must be regenerated via
// RefreshViews before any further read through a projected view.
var ErrStale = errors.New("freshness: views are stale; call refresh_views before reading")

// Tracker reads/writes the sec_meta generation counters.
type Tracker struct {
	db *sql.DB
}

// NewTracker wraps db, which must already have the sec_meta table
// (see pkg/viewproj's metadata bootstrap).
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Generation returns the current generation counter: bumped on every
// security-relevant change, whether to the metadata tables or to a
// connection's security context.
func (t *Tracker) Generation() (int64, error) {
	return t.readMeta("generation")
}

// LastRefreshGeneration returns the generation the views/triggers were
// last regenerated against.
func (t *Tracker) LastRefreshGeneration() (int64, error) {
	return t.readMeta("last_refresh_generation")
}

// IsStale reports whether the views/triggers need regenerating: true
// whenever Generation() != LastRefreshGeneration().
func (t *Tracker) IsStale() (bool, error) {
	gen, err := t.Generation()
	if err != nil {
		return false, err
	}
	last, err := t.LastRefreshGeneration()
	if err != nil {
		return false, err
	}
	return gen != last, nil
}

// Bump increments the generation counter, marking the views/triggers
// stale. pkg/ext calls it after every security-context mutation and
// label or level definition; RegisterTable and RegisterColumn
// increment the counter themselves in their own SQL.
func (t *Tracker) Bump() error {
	gen, err := t.Generation()
	if err != nil {
		return err
	}
	return t.writeMeta("generation", gen+1)
}

// MarkRefreshed sets last_refresh_generation to the current
// generation, called after RefreshViews successfully regenerates
// every view and trigger.
func (t *Tracker) MarkRefreshed() error {
	gen, err := t.Generation()
	if err != nil {
		return err
	}
	return t.writeMeta("last_refresh_generation", gen)
}

// AssertFresh returns ErrStale if the views/triggers need
// regenerating, backing the extension surface's assert_fresh()
// operation.
func (t *Tracker) AssertFresh() error {
	stale, err := t.IsStale()
	if err != nil {
		return err
	}
	if stale {
		return ErrStale
	}
	return nil
}

func (t *Tracker) readMeta(key string) (int64, error) {
	var value int64
	err := t.db.QueryRow(`SELECT value FROM sec_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("freshness: reading %s: %w", key, err)
	}
	return value, nil
}

func (t *Tracker) writeMeta(key string, value int64) error {
	_, err := t.db.Exec(`UPDATE sec_meta SET value = ? WHERE key = ?`, value, key)
	if err != nil {
		return fmt.Errorf("freshness: writing %s: %w", key, err)
	}
	return nil
}
