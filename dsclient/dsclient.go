// Package dsclient — тонкая обёртка над HTTP-API поискового движка
// (OpenSearch). Скрывает транспорт, аутентификацию и классификацию ошибок
// за небольшим интерфейсом; свиперы не знают о деталях протокола.
package dsclient

import (
	"context"
	"encoding/json"
	"time"
)

// Hit — один документ из ответа поиска.
type Hit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
	// Sort — значения сортировки для search-after пагинации.
	Sort []any `json:"sort,omitempty"`
}

// SearchResult — разобранный ответ _search / _search/scroll.
type SearchResult struct {
	ScrollID string `json:"_scroll_id,omitempty"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations,omitempty"`
}

// BulkItemStatus — статус одного update-действия в ответе _bulk.
type BulkItemStatus struct {
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Error  *BulkItemError `json:"error,omitempty"`
}

// BulkItemError ...
type BulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkResult — разобранный ответ _bulk.
type BulkResult struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]BulkItemStatus `json:"items"`
}

// UpdateStatuses возвращает статусы update-действий в порядке отправки.
func (r *BulkResult) UpdateStatuses() []BulkItemStatus {
	statuses := make([]BulkItemStatus, 0, len(r.Items))
	for _, item := range r.Items {
		if status, ok := item["update"]; ok {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

// Client — интерфейс доступа к индексу документов. Реализация обязана быть
// безопасной для конкурентного использования (общий пул соединений).
type Client interface {
	// Ping проверяет доступность узла.
	Ping(ctx context.Context) error

	// Search выполняет _search с произвольным телом запроса.
	Search(ctx context.Context, index string, body any) (*SearchResult, error)

	// ScrollBegin открывает scroll-курсор с заданным TTL.
	ScrollBegin(ctx context.Context, index string, body any, keepAlive time.Duration) (*SearchResult, error)

	// ScrollContinue продлевает курсор и возвращает следующую страницу.
	ScrollContinue(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResult, error)

	// ScrollClear освобождает курсор на сервере.
	ScrollClear(ctx context.Context, scrollID string) error

	// Count возвращает количество документов, подходящих под запрос.
	Count(ctx context.Context, index string, query any) (int, error)

	// Bulk отправляет NDJSON-тело в _bulk.
	Bulk(ctx context.Context, index string, ndjson []byte) (*BulkResult, error)

	// GetMapping возвращает плоскую карту поле->тип для индекса.
	GetMapping(ctx context.Context, index string) (map[string]string, error)

	// PutMapping добавляет поля в маппинг индекса.
	PutMapping(ctx context.Context, index string, properties map[string]string) error

	// IndexExists сообщает о существовании индекса (не алиаса).
	IndexExists(ctx context.Context, name string) (bool, error)

	// AliasExists сообщает о существовании алиаса.
	AliasExists(ctx context.Context, name string) (bool, error)

	// ResolveAlias возвращает имена индексов, на которые указывает алиас.
	ResolveAlias(ctx context.Context, name string) ([]string, error)
}
