package dsclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Fake — управляемая реализация Client для тестов свиперов. Поведение
// задаётся функциональными полями; незаданные методы возвращают ошибку.
// Bulk-запросы по умолчанию принимаются и сохраняются для проверок.
type Fake struct {
	PingFunc           func(ctx context.Context) error
	SearchFunc         func(ctx context.Context, index string, body any) (*SearchResult, error)
	ScrollBeginFunc    func(ctx context.Context, index string, body any, keepAlive time.Duration) (*SearchResult, error)
	ScrollContinueFunc func(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResult, error)
	ScrollClearFunc    func(ctx context.Context, scrollID string) error
	CountFunc          func(ctx context.Context, index string, query any) (int, error)
	BulkFunc           func(ctx context.Context, index string, ndjson []byte) (*BulkResult, error)
	GetMappingFunc     func(ctx context.Context, index string) (map[string]string, error)
	PutMappingFunc     func(ctx context.Context, index string, properties map[string]string) error
	IndexExistsFunc    func(ctx context.Context, name string) (bool, error)
	AliasExistsFunc    func(ctx context.Context, name string) (bool, error)
	ResolveAliasFunc   func(ctx context.Context, name string) ([]string, error)

	mu             sync.Mutex
	bulkActions    []BulkAction
	clearedScrolls []string
	putMappings    map[string]map[string]string
}

var _ Client = (*Fake)(nil)

// BulkAction — разобранная пара строк bulk-запроса.
type BulkAction struct {
	Index string
	ID    string
	// Doc — содержимое частичного обновления (nil для script-обновления).
	Doc map[string]any
	// Script — script-часть обновления (nil для doc-обновления).
	Script map[string]any
	// HasUpsert — присутствовал ли пустой upsert-документ.
	HasUpsert bool
}

func (f *Fake) Ping(ctx context.Context) error {
	if f.PingFunc != nil {
		return f.PingFunc(ctx)
	}
	return nil
}

func (f *Fake) Search(ctx context.Context, index string, body any) (*SearchResult, error) {
	if f.SearchFunc == nil {
		return nil, fmt.Errorf("dsclient: fake: Search not configured (index %q)", index)
	}
	return f.SearchFunc(ctx, index, body)
}

func (f *Fake) ScrollBegin(ctx context.Context, index string, body any, keepAlive time.Duration) (*SearchResult, error) {
	if f.ScrollBeginFunc == nil {
		return nil, fmt.Errorf("dsclient: fake: ScrollBegin not configured (index %q)", index)
	}
	return f.ScrollBeginFunc(ctx, index, body, keepAlive)
}

func (f *Fake) ScrollContinue(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResult, error) {
	if f.ScrollContinueFunc == nil {
		return nil, fmt.Errorf("dsclient: fake: ScrollContinue not configured")
	}
	return f.ScrollContinueFunc(ctx, scrollID, keepAlive)
}

func (f *Fake) ScrollClear(ctx context.Context, scrollID string) error {
	f.mu.Lock()
	f.clearedScrolls = append(f.clearedScrolls, scrollID)
	f.mu.Unlock()
	if f.ScrollClearFunc != nil {
		return f.ScrollClearFunc(ctx, scrollID)
	}
	return nil
}

// ClearedScrolls возвращает идентификаторы освобождённых курсоров.
func (f *Fake) ClearedScrolls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clearedScrolls...)
}

func (f *Fake) Count(ctx context.Context, index string, query any) (int, error) {
	if f.CountFunc == nil {
		return 0, fmt.Errorf("dsclient: fake: Count not configured (index %q)", index)
	}
	return f.CountFunc(ctx, index, query)
}

func (f *Fake) Bulk(ctx context.Context, index string, ndjson []byte) (*BulkResult, error) {
	actions, err := DecodeBulkActions(index, ndjson)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.bulkActions = append(f.bulkActions, actions...)
	f.mu.Unlock()

	if f.BulkFunc != nil {
		return f.BulkFunc(ctx, index, ndjson)
	}

	result := &BulkResult{}
	for _, action := range actions {
		result.Items = append(result.Items, map[string]BulkItemStatus{
			"update": {ID: action.ID, Status: 200},
		})
	}
	return result, nil
}

// BulkActions возвращает все принятые update-действия в порядке отправки.
func (f *Fake) BulkActions() []BulkAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BulkAction(nil), f.bulkActions...)
}

func (f *Fake) GetMapping(ctx context.Context, index string) (map[string]string, error) {
	if f.GetMappingFunc != nil {
		return f.GetMappingFunc(ctx, index)
	}
	return map[string]string{}, nil
}

func (f *Fake) PutMapping(ctx context.Context, index string, properties map[string]string) error {
	f.mu.Lock()
	if f.putMappings == nil {
		f.putMappings = map[string]map[string]string{}
	}
	if f.putMappings[index] == nil {
		f.putMappings[index] = map[string]string{}
	}
	for field, fieldType := range properties {
		f.putMappings[index][field] = fieldType
	}
	f.mu.Unlock()

	if f.PutMappingFunc != nil {
		return f.PutMappingFunc(ctx, index, properties)
	}
	return nil
}

// PutMappings возвращает накопленные put-mapping вызовы по индексам.
func (f *Fake) PutMappings(index string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for field, fieldType := range f.putMappings[index] {
		out[field] = fieldType
	}
	return out
}

func (f *Fake) IndexExists(ctx context.Context, name string) (bool, error) {
	if f.IndexExistsFunc != nil {
		return f.IndexExistsFunc(ctx, name)
	}
	return true, nil
}

func (f *Fake) AliasExists(ctx context.Context, name string) (bool, error) {
	if f.AliasExistsFunc != nil {
		return f.AliasExistsFunc(ctx, name)
	}
	return false, nil
}

func (f *Fake) ResolveAlias(ctx context.Context, name string) ([]string, error) {
	if f.ResolveAliasFunc != nil {
		return f.ResolveAliasFunc(ctx, name)
	}
	return nil, &QueryError{Op: "resolve alias", StatusCode: 404, Reason: "fake: no aliases configured"}
}

// DecodeBulkActions разбирает NDJSON-тело bulk-запроса в список действий.
func DecodeBulkActions(index string, ndjson []byte) ([]BulkAction, error) {
	var actions []BulkAction
	scanner := bufio.NewScanner(bytes.NewReader(ndjson))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var pending *BulkAction
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if pending == nil {
			var action struct {
				Update *struct {
					ID string `json:"_id"`
				} `json:"update"`
			}
			if err := json.Unmarshal(line, &action); err != nil || action.Update == nil {
				return nil, fmt.Errorf("dsclient: fake: malformed bulk action line %q", line)
			}
			pending = &BulkAction{Index: index, ID: action.Update.ID}
			continue
		}

		var payload struct {
			Doc    map[string]any  `json:"doc"`
			Script map[string]any  `json:"script"`
			Upsert *map[string]any `json:"upsert"`
		}
		if err := json.Unmarshal(line, &payload); err != nil {
			return nil, fmt.Errorf("dsclient: fake: malformed bulk payload line %q", line)
		}
		pending.Doc = payload.Doc
		pending.Script = payload.Script
		pending.HasUpsert = payload.Upsert != nil
		actions = append(actions, *pending)
		pending = nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dsclient: fake: scan bulk body: %w", err)
	}
	if pending != nil {
		return nil, fmt.Errorf("dsclient: fake: bulk action for id %q lacks a payload line", pending.ID)
	}
	return actions, nil
}
