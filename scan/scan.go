// Package scan реализует потоковое чтение больших выборок из реестра:
// scroll-курсоры и search_after-пагинация поверх dsclient с повторами,
// журналированием прогресса и гарантированным освобождением курсоров.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"registrysweepers/dsclient"
)

// Значения по умолчанию для обоих итераторов.
const (
	DefaultPageSize       = 10000
	DefaultKeepAlive      = 10 * time.Minute
	DefaultRequestTimeout = 20 * time.Second
)

// шаг журналирования прогресса, в долях от общего числа документов
const progressStep = 0.05

// Options — параметры потокового чтения.
type Options struct {
	// Query — объект запроса (содержимое ключа "query").
	Query any
	// SourceFields ограничивает состав _source; пустой срез — весь документ.
	SourceFields []string
	// PageSize — размер страницы; 0 — DefaultPageSize.
	PageSize int
	// KeepAlive — время жизни scroll-курсора; 0 — DefaultKeepAlive.
	KeepAlive time.Duration
	// RequestTimeout — таймаут одного запроса; 0 — DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Sort — порядок для search_after; ключ "_id" добавляется автоматически.
	Sort []map[string]string
	// Retry — политика повторов; нулевое значение — DefaultRetryPolicy.
	Retry dsclient.RetryPolicy
}

func (o Options) pageSize() int {
	if o.PageSize > 0 {
		return o.PageSize
	}
	return DefaultPageSize
}

func (o Options) keepAlive() time.Duration {
	if o.KeepAlive > 0 {
		return o.KeepAlive
	}
	return DefaultKeepAlive
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (o Options) retryPolicy() dsclient.RetryPolicy {
	if o.Retry.MaxAttempts > 0 {
		return o.Retry
	}
	return dsclient.DefaultRetryPolicy()
}

func (o Options) body() map[string]any {
	body := map[string]any{
		"query": o.Query,
		"size":  o.pageSize(),
	}
	if len(o.SourceFields) > 0 {
		body["_source"] = map[string]any{"includes": o.SourceFields}
	}
	return body
}

// Scanner отдаёт документы по мере чтения страниц. Каналы закрываются по
// исчерпании выборки; ошибка (не более одной) означает досрочную остановку.
type Scanner struct {
	// Hits — поток документов.
	Hits <-chan dsclient.Hit
	// Errs — канал ошибки чтения.
	Errs <-chan error

	served atomic.Int64
	total  atomic.Int64
}

// Served возвращает число уже отданных документов.
func (s *Scanner) Served() int { return int(s.served.Load()) }

// Total возвращает размер выборки, известный после первой страницы.
func (s *Scanner) Total() int { return int(s.total.Load()) }

// progressReporter журналирует продвижение по выборке крупными шагами,
// чтобы не засорять журнал на многомиллионных прогонах.
type progressReporter struct {
	queryID  string
	index    string
	lastStep int
	started  time.Time
}

func newProgressReporter(queryID, index string) *progressReporter {
	return &progressReporter{queryID: queryID, index: index, started: time.Now()}
}

func (p *progressReporter) report(served, total int) {
	if total <= 0 {
		return
	}
	step := int(float64(served) / float64(total) / progressStep)
	if step <= p.lastStep && served < total {
		return
	}
	p.lastStep = step
	slog.Info("query progress",
		"query_id", p.queryID,
		"index", p.index,
		"served", served,
		"total", total,
		"elapsed", time.Since(p.started).Round(time.Second).String())
}

// Scroll начинает потоковое чтение через scroll-курсор. Курсор
// освобождается при любом завершении: исчерпании, ошибке или отмене
// контекста.
func Scroll(ctx context.Context, client dsclient.Client, index string, opts Options) *Scanner {
	hits := make(chan dsclient.Hit)
	errs := make(chan error, 1)
	scanner := &Scanner{Hits: hits, Errs: errs}

	queryID := uuid.NewString()
	slog.Debug("starting scroll query", "query_id", queryID, "index", index, "page_size", opts.pageSize())

	go func() {
		defer close(hits)
		defer close(errs)

		policy := opts.retryPolicy()
		keepAlive := opts.keepAlive()
		progress := newProgressReporter(queryID, index)

		page, err := dsclient.Retry(ctx, policy, func() (*dsclient.SearchResult, error) {
			reqCtx, cancel := context.WithTimeout(ctx, opts.requestTimeout())
			defer cancel()
			return client.ScrollBegin(reqCtx, index, opts.body(), keepAlive)
		})
		if err != nil {
			errs <- fmt.Errorf("scan: begin scroll %s against %s: %w", queryID, index, err)
			return
		}

		scrollID := page.ScrollID
		defer func() {
			if scrollID == "" {
				return
			}
			// освобождение курсора выполняется даже после отмены контекста
			clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.requestTimeout())
			defer cancel()
			if err := client.ScrollClear(clearCtx, scrollID); err != nil {
				slog.Warn("failed to clear scroll cursor", "query_id", queryID, "error", err)
			}
		}()

		scanner.total.Store(int64(page.Hits.Total.Value))

		for {
			if len(page.Hits.Hits) == 0 {
				if served := scanner.Served(); served < scanner.Total() {
					// пустая страница до исчерпания — признак истёкшего курсора
					errs <- fmt.Errorf("scan: scroll %s returned no hits after %d of %d documents", queryID, served, scanner.Total())
				}
				return
			}

			for _, hit := range page.Hits.Hits {
				select {
				case hits <- hit:
					scanner.served.Add(1)
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			progress.report(scanner.Served(), scanner.Total())

			if scanner.Served() >= scanner.Total() {
				return
			}

			scrollID = page.ScrollID
			page, err = dsclient.Retry(ctx, policy, func() (*dsclient.SearchResult, error) {
				reqCtx, cancel := context.WithTimeout(ctx, opts.requestTimeout())
				defer cancel()
				return client.ScrollContinue(reqCtx, scrollID, keepAlive)
			})
			if err != nil {
				errs <- fmt.Errorf("scan: continue scroll %s against %s: %w", queryID, index, err)
				return
			}
			if page.ScrollID != "" {
				scrollID = page.ScrollID
			}
		}
	}()

	return scanner
}

// SearchAfter начинает потоковое чтение через search_after-пагинацию.
// В отличие от scroll не держит состояние на стороне сервера; порядок
// задаётся opts.Sort, "_id" добавляется как разрешитель ничьих.
func SearchAfter(ctx context.Context, client dsclient.Client, index string, opts Options) *Scanner {
	hits := make(chan dsclient.Hit)
	errs := make(chan error, 1)
	scanner := &Scanner{Hits: hits, Errs: errs}

	queryID := uuid.NewString()
	slog.Debug("starting search_after query", "query_id", queryID, "index", index, "page_size", opts.pageSize())

	go func() {
		defer close(hits)
		defer close(errs)

		policy := opts.retryPolicy()
		pageSize := opts.pageSize()
		progress := newProgressReporter(queryID, index)

		sort := append([]map[string]string(nil), opts.Sort...)
		if !hasIDSort(sort) {
			sort = append(sort, map[string]string{"_id": "asc"})
		}

		var searchAfter []any
		first := true
		for {
			body := opts.body()
			body["sort"] = sort
			if searchAfter != nil {
				body["search_after"] = searchAfter
			}

			page, err := dsclient.Retry(ctx, policy, func() (*dsclient.SearchResult, error) {
				reqCtx, cancel := context.WithTimeout(ctx, opts.requestTimeout())
				defer cancel()
				return client.Search(reqCtx, index, body)
			})
			if err != nil {
				errs <- fmt.Errorf("scan: page query %s against %s: %w", queryID, index, err)
				return
			}
			if first {
				scanner.total.Store(int64(page.Hits.Total.Value))
				first = false
			}

			for _, hit := range page.Hits.Hits {
				select {
				case hits <- hit:
					scanner.served.Add(1)
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			progress.report(scanner.Served(), scanner.Total())

			// неполная страница означает конец выборки
			if len(page.Hits.Hits) < pageSize {
				return
			}
			last := page.Hits.Hits[len(page.Hits.Hits)-1]
			if len(last.Sort) == 0 {
				errs <- fmt.Errorf("scan: page query %s: hit %q carries no sort values", queryID, last.ID)
				return
			}
			searchAfter = last.Sort
		}
	}()

	return scanner
}

func hasIDSort(sort []map[string]string) bool {
	for _, clause := range sort {
		if _, ok := clause["_id"]; ok {
			return true
		}
	}
	return false
}

// CrossClusterIndexes разворачивает имя индекса в список "remote:index"
// для поиска по подключённым удалённым кластерам. Пустой список узлов
// возвращает имя как есть.
func CrossClusterIndexes(index string, remotes []string) string {
	if len(remotes) == 0 {
		return index
	}
	parts := make([]string, 0, len(remotes)+1)
	parts = append(parts, index)
	for _, remote := range remotes {
		parts = append(parts, remote+":"+index)
	}
	return strings.Join(parts, ",")
}

// UnmarshalSource разбирает _source документа в указанную структуру.
func UnmarshalSource[T any](hit dsclient.Hit) (T, error) {
	var out T
	if err := json.Unmarshal(hit.Source, &out); err != nil {
		return out, fmt.Errorf("scan: unmarshal source of %q: %w", hit.ID, err)
	}
	return out, nil
}
