package bigdict

import "context"

// MemDict — словарь в памяти с сохранением порядка вставки. Порядок нужен
// SpillDict для вытеснения самых старых записей первыми.
type MemDict[V any] struct {
	values map[string]V
	// order содержит ключи в порядке первой вставки; удалённые ключи
	// остаются в срезе и отфильтровываются по values
	order []string
}

var _ BigDict[int] = (*MemDict[int])(nil)

// NewMemDict ...
func NewMemDict[V any]() *MemDict[V] {
	return &MemDict[V]{values: map[string]V{}}
}

func (d *MemDict[V]) Put(_ context.Context, key string, value V) error {
	if _, exists := d.values[key]; !exists {
		d.order = append(d.order, key)
	}
	d.values[key] = value
	return nil
}

func (d *MemDict[V]) PutMany(ctx context.Context, items []Item[V]) error {
	for _, item := range items {
		if err := d.Put(ctx, item.Key, item.Value); err != nil {
			return err
		}
	}
	return nil
}

func (d *MemDict[V]) Get(_ context.Context, key string) (V, bool, error) {
	value, ok := d.values[key]
	return value, ok, nil
}

func (d *MemDict[V]) GetMany(_ context.Context, keys []string) (map[string]V, error) {
	found := map[string]V{}
	for _, key := range keys {
		if value, ok := d.values[key]; ok {
			found[key] = value
		}
	}
	return found, nil
}

func (d *MemDict[V]) Pop(_ context.Context, key string) (V, bool, error) {
	value, ok := d.values[key]
	if ok {
		delete(d.values, key)
	}
	return value, ok, nil
}

func (d *MemDict[V]) Has(_ context.Context, key string) (bool, error) {
	_, ok := d.values[key]
	return ok, nil
}

func (d *MemDict[V]) Len(_ context.Context) (int, error) {
	return len(d.values), nil
}

func (d *MemDict[V]) Items(ctx context.Context) (<-chan Item[V], <-chan error) {
	items := make(chan Item[V])
	errs := make(chan error, 1)
	// снимок на момент вызова: обход не зависит от последующих вставок
	snapshot := d.snapshot()
	go func() {
		defer close(items)
		defer close(errs)
		for _, item := range snapshot {
			select {
			case items <- item:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return items, errs
}

func (d *MemDict[V]) snapshot() []Item[V] {
	return d.liveItems(len(d.values))
}

// OldestItems возвращает до n живых записей в порядке вставки.
func (d *MemDict[V]) OldestItems(n int) []Item[V] {
	return d.liveItems(n)
}

// liveItems обходит order, пропуская тумбстоуны и повторные вхождения
// ключа (ключ, удалённый и вставленный заново, встречается в order дважды).
func (d *MemDict[V]) liveItems(n int) []Item[V] {
	out := make([]Item[V], 0, n)
	seen := make(map[string]struct{}, n)
	for _, key := range d.order {
		if len(out) >= n {
			break
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if value, ok := d.values[key]; ok {
			seen[key] = struct{}{}
			out = append(out, Item[V]{Key: key, Value: value})
		}
	}
	return out
}

// Delete удаляет ключи без возврата значений.
func (d *MemDict[V]) Delete(keys ...string) {
	for _, key := range keys {
		delete(d.values, key)
	}
	// сжатие среза порядка, когда тумбстоуны начинают преобладать
	if len(d.order) > 2*len(d.values) {
		live := make([]string, 0, len(d.values))
		seen := make(map[string]struct{}, len(d.values))
		for _, key := range d.order {
			if _, dup := seen[key]; dup {
				continue
			}
			if _, ok := d.values[key]; ok {
				seen[key] = struct{}{}
				live = append(live, key)
			}
		}
		d.order = live
	}
}

func (d *MemDict[V]) Close() error { return nil }
