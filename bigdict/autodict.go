package bigdict

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AutoDict начинает жить в памяти и при превышении порога целиком
// переезжает на диск. В отличие от SpillDict после миграции памятная
// часть не используется: словарь либо маленький и быстрый, либо большой
// и дисковый.
type AutoDict[V any] struct {
	threshold int
	dir       string

	active   BigDict[V]
	migrated bool
	spillDir string
}

var _ BigDict[int] = (*AutoDict[int])(nil)

// NewAutoDict создаёт словарь с порогом миграции; threshold <= 0 —
// DefaultSpillThreshold. dir — родительский каталог дискового файла,
// пустое значение — системный временный каталог.
func NewAutoDict[V any](threshold int, dir string) *AutoDict[V] {
	if threshold <= 0 {
		threshold = DefaultSpillThreshold
	}
	return &AutoDict[V]{threshold: threshold, dir: dir, active: NewMemDict[V]()}
}

func (d *AutoDict[V]) maybeMigrate(ctx context.Context) error {
	if d.migrated {
		return nil
	}
	length, err := d.active.Len(ctx)
	if err != nil || length < d.threshold {
		return err
	}

	parent := d.dir
	if parent == "" {
		parent = os.TempDir()
	}
	spillDir := filepath.Join(parent, "sweepers-auto-"+uuid.NewString())
	if err := os.MkdirAll(spillDir, 0o755); err != nil {
		return fmt.Errorf("bigdict: create migration directory: %w", err)
	}
	disk, err := NewSqliteDict[V](filepath.Join(spillDir, "auto.db"))
	if err != nil {
		os.RemoveAll(spillDir)
		return err
	}

	items, errs := d.active.Items(ctx)
	batch := make([]Item[V], 0, sqliteRowsPerStatement)
	for item := range items {
		batch = append(batch, item)
		if len(batch) >= sqliteRowsPerStatement {
			if err := disk.PutMany(ctx, batch); err != nil {
				disk.Close()
				return err
			}
			batch = batch[:0]
		}
	}
	if err := <-errs; err != nil {
		disk.Close()
		return err
	}
	if len(batch) > 0 {
		if err := disk.PutMany(ctx, batch); err != nil {
			disk.Close()
			return err
		}
	}

	slog.Info("dictionary exceeded memory threshold, migrated to disk", "entries", length, "dir", spillDir)
	d.active = disk
	d.migrated = true
	d.spillDir = spillDir
	return nil
}

func (d *AutoDict[V]) Put(ctx context.Context, key string, value V) error {
	if err := d.active.Put(ctx, key, value); err != nil {
		return err
	}
	return d.maybeMigrate(ctx)
}

func (d *AutoDict[V]) PutMany(ctx context.Context, items []Item[V]) error {
	if err := d.active.PutMany(ctx, items); err != nil {
		return err
	}
	return d.maybeMigrate(ctx)
}

func (d *AutoDict[V]) Get(ctx context.Context, key string) (V, bool, error) {
	return d.active.Get(ctx, key)
}

func (d *AutoDict[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	return d.active.GetMany(ctx, keys)
}

func (d *AutoDict[V]) Pop(ctx context.Context, key string) (V, bool, error) {
	return d.active.Pop(ctx, key)
}

func (d *AutoDict[V]) Has(ctx context.Context, key string) (bool, error) {
	return d.active.Has(ctx, key)
}

func (d *AutoDict[V]) Len(ctx context.Context) (int, error) {
	return d.active.Len(ctx)
}

func (d *AutoDict[V]) Items(ctx context.Context) (<-chan Item[V], <-chan error) {
	return d.active.Items(ctx)
}

func (d *AutoDict[V]) Close() error {
	err := d.active.Close()
	if d.spillDir != "" {
		if rmErr := os.RemoveAll(d.spillDir); rmErr != nil && err == nil {
			err = fmt.Errorf("bigdict: remove migration directory: %w", rmErr)
		}
		d.spillDir = ""
	}
	return err
}
