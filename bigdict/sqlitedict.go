package bigdict

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"registrysweepers/sqlite"
)

// SqliteDict — дисковый словарь поверх единственной таблицы SQLite.
// Значения хранятся как JSON в BLOB-колонке.
type SqliteDict[V any] struct {
	db *sqlite.Database
}

var _ BigDict[int] = (*SqliteDict[int])(nil)

// лимит SQLite на число параметров запроса — 999; по два на строку
const sqliteRowsPerStatement = 400

// NewSqliteDict открывает (или создаёт) словарь по указанному пути.
func NewSqliteDict[V any](path string) (*SqliteDict[V], error) {
	db, err := sqlite.Open(path, sqlite.SpillOptions())
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(context.Background(), `CREATE TABLE IF NOT EXISTS bigdict (key TEXT PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bigdict: create table: %w", err)
	}
	return &SqliteDict[V]{db: db}, nil
}

func (d *SqliteDict[V]) Put(ctx context.Context, key string, value V) error {
	return d.PutMany(ctx, []Item[V]{{Key: key, Value: value}})
}

func (d *SqliteDict[V]) PutMany(ctx context.Context, items []Item[V]) error {
	for start := 0; start < len(items); start += sqliteRowsPerStatement {
		end := start + sqliteRowsPerStatement
		if end > len(items) {
			end = len(items)
		}
		if err := d.putBatch(ctx, items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (d *SqliteDict[V]) putBatch(ctx context.Context, items []Item[V]) error {
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, 2*len(items))
	for _, item := range items {
		raw, err := encodeValue(item.Value)
		if err != nil {
			return err
		}
		placeholders = append(placeholders, "(?, ?)")
		args = append(args, item.Key, raw)
	}

	query := `INSERT INTO bigdict (key, value) VALUES ` + strings.Join(placeholders, ", ") +
		` ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("bigdict: put batch of %d: %w", len(items), err)
	}
	return nil
}

// PutManyReturningConflicts записывает элементы и возвращает прежние
// значения ключей, которые уже присутствовали в словаре (новое значение
// побеждает). Выполняется в одной транзакции.
func (d *SqliteDict[V]) PutManyReturningConflicts(ctx context.Context, items []Item[V]) ([]Item[V], error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bigdict: begin conflict-checking put: %w", err)
	}
	defer tx.Rollback()

	var conflicts []Item[V]
	for _, item := range items {
		var existing []byte
		err := tx.QueryRow(ctx, `SELECT value FROM bigdict WHERE key = ?`, item.Key).Scan(&existing)
		switch {
		case err == nil:
			value, err := decodeValue[V](existing)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, Item[V]{Key: item.Key, Value: value})
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, fmt.Errorf("bigdict: check key %q: %w", item.Key, err)
		}

		raw, err := encodeValue(item.Value)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO bigdict (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			item.Key, raw); err != nil {
			return nil, fmt.Errorf("bigdict: put key %q: %w", item.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bigdict: commit conflict-checking put: %w", err)
	}
	return conflicts, nil
}

func (d *SqliteDict[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	var raw []byte
	err := d.db.QueryRow(ctx, `SELECT value FROM bigdict WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("bigdict: get key %q: %w", key, err)
	}
	value, err := decodeValue[V](raw)
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}

func (d *SqliteDict[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	found := map[string]V{}
	for start := 0; start < len(keys); start += sqliteRowsPerStatement {
		end := start + sqliteRowsPerStatement
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		placeholders := strings.Repeat("?, ", len(batch)-1) + "?"
		args := make([]any, len(batch))
		for i, key := range batch {
			args[i] = key
		}
		rows, err := d.db.Query(ctx, `SELECT key, value FROM bigdict WHERE key IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("bigdict: get batch of %d: %w", len(batch), err)
		}
		for rows.Next() {
			var key string
			var raw []byte
			if err := rows.Scan(&key, &raw); err != nil {
				rows.Close()
				return nil, fmt.Errorf("bigdict: scan row: %w", err)
			}
			value, err := decodeValue[V](raw)
			if err != nil {
				rows.Close()
				return nil, err
			}
			found[key] = value
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("bigdict: iterate batch: %w", err)
		}
		rows.Close()
	}
	return found, nil
}

func (d *SqliteDict[V]) Pop(ctx context.Context, key string) (V, bool, error) {
	value, ok, err := d.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	if _, err := d.db.Exec(ctx, `DELETE FROM bigdict WHERE key = ?`, key); err != nil {
		return value, false, fmt.Errorf("bigdict: delete key %q: %w", key, err)
	}
	return value, true, nil
}

func (d *SqliteDict[V]) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := d.db.QueryRow(ctx, `SELECT 1 FROM bigdict WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bigdict: check key %q: %w", key, err)
	}
	return true, nil
}

func (d *SqliteDict[V]) Len(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRow(ctx, `SELECT COUNT(*) FROM bigdict`).Scan(&count); err != nil {
		return 0, fmt.Errorf("bigdict: count: %w", err)
	}
	return count, nil
}

func (d *SqliteDict[V]) Items(ctx context.Context) (<-chan Item[V], <-chan error) {
	items := make(chan Item[V])
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)

		rows, err := d.db.Query(ctx, `SELECT key, value FROM bigdict ORDER BY key`)
		if err != nil {
			errs <- fmt.Errorf("bigdict: iterate: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			var raw []byte
			if err := rows.Scan(&key, &raw); err != nil {
				errs <- fmt.Errorf("bigdict: scan row: %w", err)
				return
			}
			value, err := decodeValue[V](raw)
			if err != nil {
				errs <- err
				return
			}
			select {
			case items <- Item[V]{Key: key, Value: value}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errs <- fmt.Errorf("bigdict: iterate: %w", err)
		}
	}()
	return items, errs
}

func (d *SqliteDict[V]) Close() error {
	return d.db.Close()
}
