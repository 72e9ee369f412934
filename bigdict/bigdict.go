// Package bigdict — семейство key/value словарей для промежуточных данных
// свиперов, не помещающихся в память: чисто памятный словарь, дисковые
// словари поверх SQLite и Badger, словарь с вытеснением на диск и словарь
// с автоматической миграцией. Значения сериализуются в JSON.
package bigdict

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Item — пара ключ/значение при потоковом обходе словаря.
type Item[V any] struct {
	Key   string
	Value V
}

// BigDict — общий контракт словарей пакета. Обход Items отдаёт элементы
// по каналу; канал ошибок сообщает о досрочной остановке обхода.
type BigDict[V any] interface {
	Put(ctx context.Context, key string, value V) error
	PutMany(ctx context.Context, items []Item[V]) error
	Get(ctx context.Context, key string) (V, bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]V, error)
	Pop(ctx context.Context, key string) (V, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Len(ctx context.Context) (int, error)
	Items(ctx context.Context) (<-chan Item[V], <-chan error)
	Close() error
}

func encodeValue[V any](value V) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("bigdict: encode value: %w", err)
	}
	return raw, nil
}

func decodeValue[V any](raw []byte) (V, error) {
	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("bigdict: decode value: %w", err)
	}
	return value, nil
}

// Backend — дисковая реализация для SpillDict.
type Backend string

const (
	BackendSqlite Backend = "sqlite"
	BackendBadger Backend = "badger"
)

// BackendFromEnv читает SWEEPERS_SPILL_BACKEND; пустое значение — sqlite.
func BackendFromEnv() (Backend, error) {
	raw := os.Getenv("SWEEPERS_SPILL_BACKEND")
	switch Backend(raw) {
	case "", BackendSqlite:
		return BackendSqlite, nil
	case BackendBadger:
		return BackendBadger, nil
	default:
		return "", fmt.Errorf("bigdict: unsupported spill backend %q", raw)
	}
}
