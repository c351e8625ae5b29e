package viewproj

import (
	"database/sql"
	"fmt"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/sqlsec/sqlsec/pkg/label"
	"github.com/sqlsec/sqlsec/pkg/secctx"
)

// Engine bundles the pieces the generated views/triggers call back
// into: the label cache and level table for sec_label_visible(), and
// the per-connection context stack the authorizer/guards read the
// effective security context from.
type Engine struct {
	Labels *label.Cache
	Levels label.LevelTable
	Ctx    *secctx.ContextStack
}

var (
	registerOnce sync.Once
	driverName   = "sqlite3_viewproj"
)

// Open registers (once per process) a sqlite3 driver variant that
// wires sec_label_visible as a SQL function bound to engine, then
// opens dsn through it. database/sql's driver registration is itself
// a process-wide singleton (sql.Register panics on a duplicate name),
// so registerOnce mirrors that constraint instead of fighting it.
//
// The freshness guard in generated views/triggers is pure SQL
// (subqueries against sec_meta), not a registered function: a Go
// callback issuing its own query would need a second connection while
// the first is mid-statement.
func Open(dsn string, engine *Engine, db **sql.DB) error {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("sec_label_visible", func(labelID any) (bool, error) {
					id, ok := asInt64(labelID)
					if !ok {
						return true, nil
					}
					// The engine is resolved lazily via the
					// package-level currentEngine below, since
					// RegisterFunc's closure is fixed at driver
					// registration time but the engine binding only
					// happens after sql.Open returns.
					return currentEngine().labelVisible(id)
				}, true)
			},
		})
	})

	opened, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("viewproj: opening database: %w", err)
	}
	// The generated views are TEMP (per-connection), and the context
	// stack is per-connection state: everything must flow through one
	// underlying sqlite connection or a pooled sibling would see none
	// of the projector's DDL (and a :memory: DSN would be a different
	// database entirely).
	opened.SetMaxOpenConns(1)
	setCurrentEngine(opened, engine)
	*db = opened
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// The mattn/go-sqlite3 ConnectHook closure has no handle back to the
// *sql.DB or *Engine that Open is about to return, so the single
// active (db, engine) pair is tracked here: one engine instance
// drives the generated triggers of one open database at a time.
var (
	activeMu     sync.RWMutex
	activeDB     *sql.DB
	activeEngine *Engine
)

func setCurrentEngine(db *sql.DB, engine *Engine) {
	activeMu.Lock()
	defer activeMu.Unlock()
	activeDB = db
	activeEngine = engine
}

type boundEngine struct {
	db     *sql.DB
	engine *Engine
}

func currentEngine() boundEngine {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return boundEngine{db: activeDB, engine: activeEngine}
}

// labelVisible evaluates strictly from the label cache: this runs
// inside a SQL-function callback whose connection is mid-statement,
// so a database lookup here is off the table. RefreshViews pre-warms
// the cache with every defined label, and Define caches on insert, so
// a miss means an id that does not exist — treated as not visible.
func (b boundEngine) labelVisible(labelID int64) (bool, error) {
	if b.engine == nil {
		return false, fmt.Errorf("viewproj: no active engine bound")
	}
	visible, _ := b.engine.Labels.EvaluateCached(labelID, b.engine.Ctx.Effective(), b.engine.Levels)
	return visible, nil
}
