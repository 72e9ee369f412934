package bigdict

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Пороговые значения вытеснения по умолчанию.
const (
	DefaultSpillThreshold = 100000
	// доля памятной части, вытесняемая на диск при достижении порога
	defaultSpillProportion = 0.9
)

// SpillOptions — параметры SpillDict.
type SpillOptions[V any] struct {
	// Threshold — размер памятной части, при котором начинается
	// вытеснение; 0 — DefaultSpillThreshold.
	Threshold int
	// Proportion — доля вытесняемых записей; 0 — 0.9.
	Proportion float64
	// Backend — дисковая реализация; пустое значение — sqlite.
	Backend Backend
	// Merge объединяет памятное значение с уже вытесненным на диск.
	// nil — памятное значение замещает дисковое.
	Merge func(old, new V) V
	// Dir — родительский каталог для spill-файлов; пустое значение —
	// системный временный каталог.
	Dir string
}

// SpillDict держит свежие записи в памяти и вытесняет самые старые на
// диск при достижении порога. Ключ может одновременно присутствовать в
// обеих частях; чтение объединяет значения через Merge.
type SpillDict[V any] struct {
	opts SpillOptions[V]
	mem  *MemDict[V]
	disk BigDict[V]
	dir  string
}

var _ BigDict[int] = (*SpillDict[int])(nil)

// NewSpillDict ...
func NewSpillDict[V any](opts SpillOptions[V]) *SpillDict[V] {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultSpillThreshold
	}
	if opts.Proportion <= 0 || opts.Proportion > 1 {
		opts.Proportion = defaultSpillProportion
	}
	if opts.Backend == "" {
		opts.Backend = BackendSqlite
	}
	return &SpillDict[V]{opts: opts, mem: NewMemDict[V]()}
}

// ensureDisk лениво создаёт дисковую часть: прогоны, уложившиеся в
// порог, не трогают диск вовсе.
func (d *SpillDict[V]) ensureDisk() (BigDict[V], error) {
	if d.disk != nil {
		return d.disk, nil
	}

	parent := d.opts.Dir
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, "sweepers-spill-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bigdict: create spill directory: %w", err)
	}

	var disk BigDict[V]
	var err error
	switch d.opts.Backend {
	case BackendBadger:
		disk, err = NewBadgerDict[V](filepath.Join(dir, "spill.badger"))
	default:
		disk, err = NewSqliteDict[V](filepath.Join(dir, "spill.db"))
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	slog.Info("spilling to disk", "backend", string(d.opts.Backend), "dir", dir, "threshold", d.opts.Threshold)
	d.disk = disk
	d.dir = dir
	return disk, nil
}

func (d *SpillDict[V]) merge(old, new V) V {
	if d.opts.Merge == nil {
		return new
	}
	return d.opts.Merge(old, new)
}

// conflictWriter — дисковая часть, умеющая вернуть прежние значения
// перезаписанных ключей в одной транзакции.
type conflictWriter[V any] interface {
	PutManyReturningConflicts(ctx context.Context, items []Item[V]) ([]Item[V], error)
}

func (d *SpillDict[V]) Put(ctx context.Context, key string, value V) error {
	if existing, ok, _ := d.mem.Get(ctx, key); ok {
		value = d.merge(existing, value)
	}
	if err := d.mem.Put(ctx, key, value); err != nil {
		return err
	}
	return d.maybeSpill(ctx)
}

func (d *SpillDict[V]) PutMany(ctx context.Context, items []Item[V]) error {
	for _, item := range items {
		if err := d.Put(ctx, item.Key, item.Value); err != nil {
			return err
		}
	}
	return nil
}

func (d *SpillDict[V]) maybeSpill(ctx context.Context) error {
	memLen, _ := d.mem.Len(ctx)
	if memLen < d.opts.Threshold {
		return nil
	}

	disk, err := d.ensureDisk()
	if err != nil {
		return err
	}

	count := int(float64(memLen) * d.opts.Proportion)
	evicted := d.mem.OldestItems(count)

	keys := make([]string, len(evicted))
	for i, item := range evicted {
		keys[i] = item.Key
	}

	if err := d.spillItems(ctx, disk, evicted, keys); err != nil {
		return err
	}
	d.mem.Delete(keys...)
	slog.Debug("spilled oldest entries", "evicted", len(evicted), "retained", memLen-len(evicted))
	return nil
}

// spillItems пишет вытесненные записи на диск, объединяя их с прежними
// значениями. Дисковая часть с поддержкой conflictWriter обходится одной
// транзакцией вместо пары GetMany/PutMany.
func (d *SpillDict[V]) spillItems(ctx context.Context, disk BigDict[V], evicted []Item[V], keys []string) error {
	if cw, ok := disk.(conflictWriter[V]); ok {
		conflicts, err := cw.PutManyReturningConflicts(ctx, evicted)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 || d.opts.Merge == nil {
			return nil
		}
		byKey := make(map[string]V, len(evicted))
		for _, item := range evicted {
			byKey[item.Key] = item.Value
		}
		merged := make([]Item[V], len(conflicts))
		for i, old := range conflicts {
			merged[i] = Item[V]{Key: old.Key, Value: d.merge(old.Value, byKey[old.Key])}
		}
		return disk.PutMany(ctx, merged)
	}

	existing, err := disk.GetMany(ctx, keys)
	if err != nil {
		return err
	}
	for i, item := range evicted {
		if old, ok := existing[item.Key]; ok {
			evicted[i].Value = d.merge(old, item.Value)
		}
	}
	return disk.PutMany(ctx, evicted)
}

func (d *SpillDict[V]) Get(ctx context.Context, key string) (V, bool, error) {
	memValue, inMem, _ := d.mem.Get(ctx, key)
	if d.disk == nil {
		return memValue, inMem, nil
	}

	diskValue, onDisk, err := d.disk.Get(ctx, key)
	if err != nil {
		var zero V
		return zero, false, err
	}
	switch {
	case inMem && onDisk:
		return d.merge(diskValue, memValue), true, nil
	case inMem:
		return memValue, true, nil
	default:
		return diskValue, onDisk, nil
	}
}

func (d *SpillDict[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	found, err := d.mem.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	if d.disk == nil {
		return found, nil
	}
	onDisk, err := d.disk.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	for key, diskValue := range onDisk {
		if memValue, ok := found[key]; ok {
			found[key] = d.merge(diskValue, memValue)
		} else {
			found[key] = diskValue
		}
	}
	return found, nil
}

func (d *SpillDict[V]) Pop(ctx context.Context, key string) (V, bool, error) {
	value, ok, err := d.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	d.mem.Delete(key)
	if d.disk != nil {
		if _, _, err := d.disk.Pop(ctx, key); err != nil {
			return value, false, err
		}
	}
	return value, true, nil
}

func (d *SpillDict[V]) Has(ctx context.Context, key string) (bool, error) {
	if ok, _ := d.mem.Has(ctx, key); ok {
		return true, nil
	}
	if d.disk == nil {
		return false, nil
	}
	return d.disk.Has(ctx, key)
}

// Len возвращает мощность объединения памятной и дисковой частей.
func (d *SpillDict[V]) Len(ctx context.Context) (int, error) {
	memLen, _ := d.mem.Len(ctx)
	if d.disk == nil {
		return memLen, nil
	}

	diskLen, err := d.disk.Len(ctx)
	if err != nil {
		return 0, err
	}
	// ключи, присутствующие в обеих частях, считаются один раз
	shared := 0
	for _, item := range d.mem.OldestItems(memLen) {
		ok, err := d.disk.Has(ctx, item.Key)
		if err != nil {
			return 0, err
		}
		if ok {
			shared++
		}
	}
	return memLen + diskLen - shared, nil
}

func (d *SpillDict[V]) Items(ctx context.Context) (<-chan Item[V], <-chan error) {
	items := make(chan Item[V])
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)

		served := map[string]struct{}{}
		if d.disk != nil {
			diskItems, diskErrs := d.disk.Items(ctx)
			for item := range diskItems {
				if memValue, ok, _ := d.mem.Get(ctx, item.Key); ok {
					item.Value = d.merge(item.Value, memValue)
					served[item.Key] = struct{}{}
				}
				select {
				case items <- item:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if err := <-diskErrs; err != nil {
				errs <- err
				return
			}
		}

		memItems, memErrs := d.mem.Items(ctx)
		for item := range memItems {
			if _, done := served[item.Key]; done {
				continue
			}
			select {
			case items <- item:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := <-memErrs; err != nil {
			errs <- err
		}
	}()
	return items, errs
}

func (d *SpillDict[V]) Close() error {
	if d.disk == nil {
		return nil
	}
	return d.disk.Close()
}

// Destroy закрывает словарь и удаляет spill-файлы с диска.
func (d *SpillDict[V]) Destroy() error {
	if err := d.Close(); err != nil {
		return err
	}
	if d.dir == "" {
		return nil
	}
	if err := os.RemoveAll(d.dir); err != nil {
		return fmt.Errorf("bigdict: remove spill directory: %w", err)
	}
	d.disk = nil
	d.dir = ""
	return nil
}
