// Package bulkupdate собирает частичные обновления документов в NDJSON-пакеты
// и отправляет их bulk-запросами с повторами и разбором поштучных ошибок.
package bulkupdate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"registrysweepers/dsclient"
)

// DefaultChunkSize — число обновлений в одном bulk-запросе.
const DefaultChunkSize = 5000

// Update — одно частичное обновление документа. Задаётся либо Content
// (doc-обновление), либо Script (script-обновление); одновременно оба
// поля недопустимы.
type Update struct {
	// ID — идентификатор документа (_id).
	ID string
	// Content — поля для слияния с документом.
	Content map[string]any
	// Script — painless-источник script-обновления.
	Script string
	// ScriptParams — параметры скрипта.
	ScriptParams map[string]any
	// Upsert — добавить пустой upsert-документ, чтобы обновление
	// несуществующего документа создало его вместо ошибки.
	Upsert bool
}

func (u Update) validate() error {
	if u.ID == "" {
		return fmt.Errorf("bulkupdate: update lacks a document id")
	}
	hasDoc := u.Content != nil
	hasScript := u.Script != ""
	if hasDoc == hasScript {
		return fmt.Errorf("bulkupdate: update for %q must carry exactly one of doc content or script", u.ID)
	}
	return nil
}

// appendNDJSON дописывает пару строк действия к телу bulk-запроса.
func (u Update) appendNDJSON(buf *bytes.Buffer) error {
	if err := u.validate(); err != nil {
		return err
	}

	action, err := json.Marshal(map[string]any{
		"update": map[string]any{"_id": u.ID},
	})
	if err != nil {
		return fmt.Errorf("bulkupdate: encode action for %q: %w", u.ID, err)
	}

	payload := map[string]any{}
	if u.Content != nil {
		payload["doc"] = u.Content
	} else {
		script := map[string]any{"source": u.Script, "lang": "painless"}
		if u.ScriptParams != nil {
			script["params"] = u.ScriptParams
		}
		payload["script"] = script
	}
	if u.Upsert {
		payload["upsert"] = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bulkupdate: encode payload for %q: %w", u.ID, err)
	}

	buf.Write(action)
	buf.WriteByte('\n')
	buf.Write(body)
	buf.WriteByte('\n')
	return nil
}

// Stats — итоги отправки серии обновлений.
type Stats struct {
	// Updates — число отправленных обновлений.
	Updates int
	// Chunks — число bulk-запросов.
	Chunks int
	// Skipped — обновления со статусом 404 document_missing_exception.
	Skipped int
	// Failed — обновления, отклонённые по иным причинам.
	Failed int
	// Elapsed — суммарное время отправки.
	Elapsed time.Duration
}

// отсутствие документа — ожидаемое состояние для части свиперов: документ
// мог быть удалён между чтением и записью
var warnErrorTypes = map[string]struct{}{
	"document_missing_exception": {},
}

// Writer копит обновления и отправляет их пакетами фиксированного размера.
// Не потокобезопасен; для конкурентной подачи см. Pipeline.
type Writer struct {
	client dsclient.Client
	index  string

	// ChunkSize — размер пакета; 0 — DefaultChunkSize.
	ChunkSize int
	// Retry — политика повторов пакета; нулевое значение — DefaultRetryPolicy.
	Retry dsclient.RetryPolicy
	// MaxFailed — порог фатальных отказов, после которого Flush возвращает
	// ошибку; 0 — без порога.
	MaxFailed int

	pending []Update
	stats   Stats
	started time.Time
}

// NewWriter ...
func NewWriter(client dsclient.Client, index string) *Writer {
	return &Writer{client: client, index: index, started: time.Now()}
}

func (w *Writer) chunkSize() int {
	if w.ChunkSize > 0 {
		return w.ChunkSize
	}
	return DefaultChunkSize
}

func (w *Writer) retryPolicy() dsclient.RetryPolicy {
	if w.Retry.MaxAttempts > 0 {
		return w.Retry
	}
	return dsclient.DefaultRetryPolicy()
}

// Add ставит обновление в очередь, отправляя пакет при достижении размера.
func (w *Writer) Add(ctx context.Context, update Update) error {
	if err := update.validate(); err != nil {
		return err
	}
	w.pending = append(w.pending, update)
	if len(w.pending) >= w.chunkSize() {
		return w.flushChunk(ctx)
	}
	return nil
}

// Flush отправляет остаток очереди и возвращает итоговую статистику.
func (w *Writer) Flush(ctx context.Context) (Stats, error) {
	if len(w.pending) > 0 {
		if err := w.flushChunk(ctx); err != nil {
			return w.stats, err
		}
	}
	w.stats.Elapsed = time.Since(w.started)
	if w.MaxFailed > 0 && w.stats.Failed >= w.MaxFailed {
		return w.stats, fmt.Errorf("bulkupdate: %d updates rejected by %s (threshold %d)", w.stats.Failed, w.index, w.MaxFailed)
	}
	return w.stats, nil
}

func (w *Writer) flushChunk(ctx context.Context) error {
	chunk := w.pending
	w.pending = nil

	var buf bytes.Buffer
	for _, update := range chunk {
		if err := update.appendNDJSON(&buf); err != nil {
			return err
		}
	}

	result, err := dsclient.Retry(ctx, w.retryPolicy(), func() (*dsclient.BulkResult, error) {
		return w.client.Bulk(ctx, w.index, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("bulkupdate: bulk write of %d updates to %s: %w", len(chunk), w.index, err)
	}

	w.stats.Updates += len(chunk)
	w.stats.Chunks++
	w.classifyItems(result)

	slog.Debug("flushed bulk chunk", "index", w.index, "updates", len(chunk), "total", w.stats.Updates)
	return nil
}

// classifyItems разбирает поштучные статусы ответа: отсутствующие документы
// журналируются как предупреждения, прочие отказы — как ошибки.
func (w *Writer) classifyItems(result *dsclient.BulkResult) {
	if result == nil || !result.Errors {
		return
	}
	for _, status := range result.UpdateStatuses() {
		if status.Error == nil {
			continue
		}
		if _, expected := warnErrorTypes[status.Error.Type]; expected {
			w.stats.Skipped++
			slog.Warn("update target missing",
				"index", w.index, "id", status.ID, "type", status.Error.Type)
			continue
		}
		w.stats.Failed++
		slog.Error("update rejected",
			"index", w.index, "id", status.ID,
			"type", status.Error.Type, "reason", status.Error.Reason)
	}
}

// Pipeline потребляет обновления из канала и пишет их через Writer,
// останавливаясь на первой ошибке отправки или ошибке источника.
// После ошибки отправки остаток канала дочитывается вхолостую, чтобы
// производитель не остался заблокированным на передаче.
func Pipeline(ctx context.Context, writer *Writer, updates <-chan Update, srcErrs <-chan error) (Stats, error) {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for update := range updates {
			if err := writer.Add(ctx, update); err != nil {
				go func() {
					for range updates {
					}
				}()
				return err
			}
		}
		return nil
	})
	group.Go(func() error {
		if srcErrs == nil {
			return nil
		}
		select {
		case err := <-srcErrs:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	if err := group.Wait(); err != nil {
		return writer.stats, err
	}
	return writer.Flush(ctx)
}

// SinkTo собирает обновления из канала в срез вместо отправки в индекс.
// Используется в тестах и при холостых прогонах свиперов.
func SinkTo(dst *[]Update, updates <-chan Update, srcErrs <-chan error) error {
	for update := range updates {
		*dst = append(*dst, update)
	}
	if srcErrs == nil {
		return nil
	}
	return <-srcErrs
}
