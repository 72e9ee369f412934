package bigdict

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerDict — дисковый словарь поверх LSM-хранилища Badger. Выгоднее
// SQLite при больших объёмах записи; содержимое так же одноразово,
// поэтому синхронная запись отключена.
type BadgerDict[V any] struct {
	db *badger.DB
}

var _ BigDict[int] = (*BadgerDict[int])(nil)

// NewBadgerDict открывает (или создаёт) словарь в указанном каталоге.
func NewBadgerDict[V any](dir string) (*BadgerDict[V], error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(false).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("bigdict: open badger store: %w", err)
	}
	return &BadgerDict[V]{db: db}, nil
}

func (d *BadgerDict[V]) Put(_ context.Context, key string, value V) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("bigdict: put key %q: %w", key, err)
	}
	return nil
}

func (d *BadgerDict[V]) PutMany(_ context.Context, items []Item[V]) error {
	batch := d.db.NewWriteBatch()
	defer batch.Cancel()

	for _, item := range items {
		raw, err := encodeValue(item.Value)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(item.Key), raw); err != nil {
			return fmt.Errorf("bigdict: batch key %q: %w", item.Key, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("bigdict: flush batch of %d: %w", len(items), err)
	}
	return nil
}

func (d *BadgerDict[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	var raw []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
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

func (d *BadgerDict[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	found := map[string]V{}
	err := d.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("bigdict: get key %q: %w", key, err)
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("bigdict: read key %q: %w", key, err)
			}
			value, err := decodeValue[V](raw)
			if err != nil {
				return err
			}
			found[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (d *BadgerDict[V]) Pop(ctx context.Context, key string) (V, bool, error) {
	value, ok, err := d.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return value, false, fmt.Errorf("bigdict: delete key %q: %w", key, err)
	}
	return value, true, nil
}

func (d *BadgerDict[V]) Has(_ context.Context, key string) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bigdict: check key %q: %w", key, err)
	}
	return true, nil
}

func (d *BadgerDict[V]) Len(_ context.Context) (int, error) {
	count := 0
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bigdict: count: %w", err)
	}
	return count, nil
}

func (d *BadgerDict[V]) Items(ctx context.Context) (<-chan Item[V], <-chan error) {
	items := make(chan Item[V])
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)

		err := d.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return fmt.Errorf("bigdict: read key %q: %w", item.Key(), err)
				}
				value, err := decodeValue[V](raw)
				if err != nil {
					return err
				}
				select {
				case items <- Item[V]{Key: string(item.Key()), Value: value}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			errs <- err
		}
	}()
	return items, errs
}

func (d *BadgerDict[V]) Close() error {
	return d.db.Close()
}
