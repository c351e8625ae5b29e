package ext

import (
	"database/sql"
	"fmt"

	"github.com/sqlsec/sqlsec/pkg/freshness"
	"github.com/sqlsec/sqlsec/pkg/label"
	"github.com/sqlsec/sqlsec/pkg/secctx"
	"github.com/sqlsec/sqlsec/pkg/viewproj"
)

// BindOps installs the named context/label/view operations into r,
// bridging the extension surface to secctx, label, freshness and
// viewproj for one connection. This is the Go-idiomatic substitute
// for a host engine's sqlite3_create_function_v2 registration: a
// front-end SQL dialect rewriter would translate its surface syntax
// into calls to r.Call with these exact names.
//
// engine.Ctx is repointed at mgr's stack for connID so that the
// sec_label_visible SQL function the view projector wires into db
// (see pkg/viewproj/register.go) observes the same mutations these
// operations make.
func BindOps(r *Registry, db *sql.DB, engine *viewproj.Engine, mgr *secctx.Manager, connID string) {
	stack := mgr.StackFor(connID)
	engine.Ctx = stack
	tracker := freshness.NewTracker(db)

	r.Register("set_attr", func(args ...any) (any, error) {
		key, value, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		stack.CurrentMut().SetAttr(key, value)
		return nil, tracker.Bump()
	})

	r.Register("clear_context", func(args ...any) (any, error) {
		stack.Clear()
		return nil, tracker.Bump()
	})

	r.Register("push_context", func(args ...any) (any, error) {
		switch len(args) {
		case 0:
			stack.Push()
		case 1:
			name, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("ext: push_context: name must be a string")
			}
			stack.PushNamed(name)
		default:
			return nil, fmt.Errorf("ext: push_context takes 0 or 1 arguments, got %d", len(args))
		}
		return nil, tracker.Bump()
	})

	r.Register("pop_context", func(args ...any) (any, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("ext: pop_context takes no arguments")
		}
		if _, ok := stack.Pop(); !ok {
			return nil, secctx.ErrCannotPopBase
		}
		return nil, tracker.Bump()
	})

	r.Register("define_label", func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("ext: define_label takes 1 argument, got %d", len(args))
		}
		expr, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("ext: define_label: expr must be a string")
		}
		id, err := label.Define(db, engine.Labels, expr)
		if err != nil {
			return nil, err
		}
		return id, tracker.Bump()
	})

	r.Register("define_level", func(args ...any) (any, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("ext: define_level takes 3 arguments, got %d", len(args))
		}
		attr, ok1 := args[0].(string)
		levelName, ok2 := args[1].(string)
		rank, ok3 := toInt64(args[2])
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("ext: define_level: expected (attr string, level string, rank integer)")
		}
		if err := label.DefineLevel(db, attr, levelName, rank); err != nil {
			return nil, err
		}
		levels, err := label.LoadLevels(db)
		if err != nil {
			return nil, err
		}
		engine.Levels = levels
		return nil, tracker.Bump()
	})

	r.Register("label_visible", func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("ext: label_visible takes 1 argument, got %d", len(args))
		}
		if args[0] == nil {
			return true, nil
		}
		id, ok := toInt64(args[0])
		if !ok {
			return nil, fmt.Errorf("ext: label_visible: label_id must be an integer or nil")
		}
		return engine.Labels.IsVisible(db, &id, engine.Ctx.Effective(), engine.Levels), nil
	})

	r.Register("assert_fresh", func(args ...any) (any, error) {
		if err := tracker.AssertFresh(); err != nil {
			return nil, err
		}
		return true, nil
	})

	r.Register("refresh_views", func(args ...any) (any, error) {
		return nil, viewproj.RefreshViews(db, engine)
	})

	r.Register("register_table", func(args ...any) (any, error) {
		if len(args) < 3 || len(args) > 6 {
			return nil, fmt.Errorf("ext: register_table takes 3 to 6 arguments, got %d", len(args))
		}
		logical, ok1 := args[0].(string)
		physical, ok2 := args[1].(string)
		rowLabelCol, ok3 := args[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("ext: register_table: logical, physical, row_label_col must be strings")
		}
		tableLabelID, err := optionalInt64(args, 3)
		if err != nil {
			return nil, err
		}
		insertLabelID, err := optionalInt64(args, 4)
		if err != nil {
			return nil, err
		}
		allowImplicitLabel := false
		if len(args) > 5 {
			b, ok := args[5].(bool)
			if !ok {
				return nil, fmt.Errorf("ext: register_table: allow_implicit_label must be a bool")
			}
			allowImplicitLabel = b
		}
		// RegisterTable bumps the freshness generation itself as part
		// of its registration transaction; no separate Bump here.
		return nil, viewproj.RegisterTable(db, logical, physical, rowLabelCol, tableLabelID, insertLabelID, allowImplicitLabel)
	})
}

func twoStrings(args []any) (string, string, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("ext: expected 2 arguments, got %d", len(args))
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return "", "", fmt.Errorf("ext: expected 2 string arguments")
	}
	return a, b, nil
}

func toInt64(v any) (int64, bool) {
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

func optionalInt64(args []any, index int) (*int64, error) {
	if index >= len(args) || args[index] == nil {
		return nil, nil
	}
	n, ok := toInt64(args[index])
	if !ok {
		return nil, fmt.Errorf("ext: argument %d must be an integer or nil", index)
	}
	return &n, nil
}
