package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/4xmen/hamgam/internal/remote"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// subtreeQuery selects the node at path and everything below it. Descendants of
// "p" sort strictly between "p/" and "p0" because '0' follows '/'.
func subtreeQuery(columns, path string) (string, []any) {
	if path == "" {
		return "SELECT " + columns + " FROM nodes ORDER BY path", nil
	}
	return "SELECT " + columns + " FROM nodes WHERE path = ? OR (path > ? AND path < ?) ORDER BY path",
		[]any{path, path + "/", path + "0"}
}

func loadLeaves(ctx context.Context, q queryer, path string) ([]leaf, error) {
	query, args := subtreeQuery("path, value", path)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var leaves []leaf
	for rows.Next() {
		var l leaf
		if err := rows.Scan(&l.path, &l.value); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

func getSubtree(ctx context.Context, q queryer, path string) (json.RawMessage, error) {
	leaves, err := loadLeaves(ctx, q, path)
	if err != nil {
		return nil, err
	}
	return assemble(path, leaves)
}

func deleteSubtree(ctx context.Context, e execer, path string) error {
	if path == "" {
		_, err := e.ExecContext(ctx, "DELETE FROM nodes")
		return err
	}
	_, err := e.ExecContext(ctx, "DELETE FROM nodes WHERE path = ? OR (path > ? AND path < ?)", path, path+"/", path+"0")
	return err
}

// setSubtree replaces the value at path, dropping any scalar stored at an ancestor.
func setSubtree(ctx context.Context, e execer, path string, raw []byte) error {
	leaves, err := flatten(path, raw)
	if err != nil {
		return err
	}

	if err := deleteSubtree(ctx, e, path); err != nil {
		return fmt.Errorf("failed to clear %q: %w", path, err)
	}
	if len(leaves) == 0 {
		return nil
	}

	for a := remote.Parent(path); a != ""; a = remote.Parent(a) {
		if _, err := e.ExecContext(ctx, "DELETE FROM nodes WHERE path = ?", a); err != nil {
			return fmt.Errorf("failed to clear ancestor %q: %w", a, err)
		}
	}

	for _, l := range leaves {
		if _, err := e.ExecContext(ctx,
			"INSERT OR REPLACE INTO nodes (path, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
			l.path, l.value,
		); err != nil {
			return fmt.Errorf("failed to write %q: %w", l.path, err)
		}
	}
	return nil
}

// mutate runs fn in a transaction and, after commit, notifies subscribers of the paths it returns.
func (db *DB) mutate(ctx context.Context, fn func(tx *sql.Tx) ([]string, error)) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return remote.ErrClosed
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback()

	changed, err := fn(tx)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	db.hub.publish(changed...)
	return nil
}

func (db *DB) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	p, err := remote.Clean(path)
	if err != nil {
		return remote.Snapshot{}, err
	}
	value, err := getSubtree(ctx, db.conn, p)
	if err != nil {
		return remote.Snapshot{}, err
	}
	return remote.Snapshot{Path: p, Value: value}, nil
}

func (db *DB) Set(ctx context.Context, path string, value json.RawMessage) error {
	p, err := remote.Clean(path)
	if err != nil {
		return err
	}
	return db.mutate(ctx, func(tx *sql.Tx) ([]string, error) {
		return []string{p}, setSubtree(ctx, tx, p, value)
	})
}

// Update replaces each child path named in fields within one transaction.
func (db *DB) Update(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	p, err := remote.Clean(path)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		child, err := remote.Clean(remote.Join(p, k))
		if err != nil {
			return err
		}
		if child == p {
			return fmt.Errorf("%w: empty field name", remote.ErrInvalidPath)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return db.mutate(ctx, func(tx *sql.Tx) ([]string, error) {
		changed := make([]string, 0, len(keys))
		for _, k := range keys {
			child := remote.Join(p, k)
			if err := setSubtree(ctx, tx, child, fields[k]); err != nil {
				return nil, err
			}
			changed = append(changed, child)
		}
		return changed, nil
	})
}

func (db *DB) Remove(ctx context.Context, path string) error {
	p, err := remote.Clean(path)
	if err != nil {
		return err
	}
	return db.mutate(ctx, func(tx *sql.Tx) ([]string, error) {
		return []string{p}, deleteSubtree(ctx, tx, p)
	})
}

// Transaction applies update atomically; no other write can interleave.
func (db *DB) Transaction(ctx context.Context, path string, update func(remote.Snapshot) (any, error)) error {
	p, err := remote.Clean(path)
	if err != nil {
		return err
	}
	return db.mutate(ctx, func(tx *sql.Tx) ([]string, error) {
		current, err := getSubtree(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		next, err := update(remote.Snapshot{Path: p, Value: current})
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction result: %w", err)
		}
		return []string{p}, setSubtree(ctx, tx, p, raw)
	})
}

// CompareAndSet writes value only if the current value equals expected. An empty
// expected value means the node must not exist. On conflict it returns false and
// the value found.
func (db *DB) CompareAndSet(ctx context.Context, path string, expected, value json.RawMessage) (bool, remote.Snapshot, error) {
	p, err := remote.Clean(path)
	if err != nil {
		return false, remote.Snapshot{}, err
	}
	want, err := canonical(expected)
	if err != nil {
		return false, remote.Snapshot{}, fmt.Errorf("invalid expected value: %w", err)
	}

	var (
		swapped bool
		found   json.RawMessage
	)
	err = db.mutate(ctx, func(tx *sql.Tx) ([]string, error) {
		current, err := getSubtree(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		have, err := canonical(current)
		if err != nil {
			return nil, err
		}
		if have != want {
			found = current
			return nil, nil
		}
		swapped = true
		found = value
		return []string{p}, setSubtree(ctx, tx, p, value)
	})
	if err != nil {
		return false, remote.Snapshot{}, err
	}
	return swapped, remote.Snapshot{Path: p, Value: found}, nil
}

// Query returns the children of path whose field equals the given value.
func (db *DB) Query(ctx context.Context, path, field string, equals json.RawMessage) ([]remote.Snapshot, error) {
	p, err := remote.Clean(path)
	if err != nil {
		return nil, err
	}
	if err := remote.ValidateKey(field); err != nil {
		return nil, fmt.Errorf("%w: field: %v", remote.ErrInvalidPath, err)
	}
	want, err := canonical(equals)
	if err != nil {
		return nil, fmt.Errorf("invalid query value: %w", err)
	}

	leaves, err := loadLeaves(ctx, db.conn, p)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if p != "" {
		prefix = p + "/"
	}

	byChild := make(map[string][]leaf)
	var order []string
	for _, l := range leaves {
		if !strings.HasPrefix(l.path, prefix) {
			continue
		}
		key, _, _ := strings.Cut(l.path[len(prefix):], "/")
		if _, ok := byChild[key]; !ok {
			order = append(order, key)
		}
		byChild[key] = append(byChild[key], l)
	}

	var out []remote.Snapshot
	for _, key := range order {
		childPath := prefix + key
		matched := false
		for _, l := range byChild[key] {
			if l.path != childPath+"/"+field {
				continue
			}
			have, err := canonical([]byte(l.value))
			if err != nil {
				return nil, err
			}
			matched = have == want
			break
		}
		if !matched {
			continue
		}
		value, err := assemble(childPath, byChild[key])
		if err != nil {
			return nil, err
		}
		out = append(out, remote.Snapshot{Path: childPath, Value: value})
	}
	return out, nil
}

// Keys lists the immediate child keys of path.
func (db *DB) Keys(ctx context.Context, path string) ([]string, error) {
	p, err := remote.Clean(path)
	if err != nil {
		return nil, err
	}
	query, args := subtreeQuery("path", p)
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if s != p {
			paths = append(paths, s)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return childKeys(p, paths), nil
}
