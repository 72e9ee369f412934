// Package provenance — свипер цепочек версий: для каждого LID выстраивает
// историю LIDVID по возрастанию версии и записывает каждому документу
// идентификатор непосредственного преемника (null для последней версии).
package provenance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"registrysweepers/bulkupdate"
	"registrysweepers/dsclient"
	"registrysweepers/pdsid"
	"registrysweepers/registry"
	"registrysweepers/scan"
	"registrysweepers/sweepers"
)

// Version — текущая версия свипера; повышение заставляет пересчитать
// преемников для всех документов при следующем прогоне.
const Version = 2

const name = "provenance"

// статусы архивации, при которых документ считается опубликованным
var publishedStatuses = []string{"archived", "certified"}

const (
	// размер страницы terms-агрегации целевых LID
	defaultLidPageSize = 5000
	// размер страницы выборки документов одного LID
	defaultDocPageSize = 2000
)

// Sweeper ...
type Sweeper struct {
	// LidPageSize и DocPageSize переопределяют размеры страниц; 0 —
	// значения по умолчанию.
	LidPageSize int
	DocPageSize int
}

var _ sweepers.Sweeper = (*Sweeper)(nil)

func New() *Sweeper { return &Sweeper{} }

func (s *Sweeper) Name() string { return name }

func (s *Sweeper) lidPageSize() int {
	if s.LidPageSize > 0 {
		return s.LidPageSize
	}
	return defaultLidPageSize
}

func (s *Sweeper) docPageSize() int {
	if s.DocPageSize > 0 {
		return s.DocPageSize
	}
	return defaultDocPageSize
}

// record — вычисленное состояние одного документа цепочки.
type record struct {
	lidvid pdsid.LidVid
	// successor == nil означает вершину цепочки (пишется явный null)
	successor *pdsid.LidVid
	// skipWrite — хранимое состояние уже совпадает с вычисленным
	skipWrite bool
}

// productDoc — поля документа, нужные для построения цепочки.
// superseded_by читается сырым JSON, чтобы отличать отсутствие поля от
// явного null.
type productDoc struct {
	LidVid         string          `json:"lidvid"`
	SupersededBy   json.RawMessage `json:"ops:Provenance/ops:superseded_by"`
	SweeperVersion *int            `json:"ops:Sweepers/provenance_version"`
}

func (s *Sweeper) Run(ctx context.Context, rc sweepers.RunContext) error {
	// при досрочном выходе останавливаем производителей потокового чтения,
	// чтобы их отложенное освобождение курсоров успело выполниться
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	index, err := rc.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}
	versionKey := sweepers.VersionMetadataKey(name)
	if err := registry.EnsureIndexMapping(ctx, rc.Client, index, versionKey, "integer"); err != nil {
		return err
	}

	writer := bulkupdate.NewWriter(rc.Client, index)

	processedLids := 0
	skipped := 0
	var exclude []string
	for {
		lids, err := s.targetLids(ctx, rc.Client, index, exclude)
		if err != nil {
			return err
		}
		if len(lids) == 0 {
			break
		}

		for _, lid := range lids {
			records, err := s.chainForLid(ctx, rc.Client, index, lid)
			if err != nil {
				return err
			}
			for _, r := range records {
				if r.skipWrite {
					skipped++
					continue
				}
				update := bulkupdate.Update{
					ID: r.lidvid.String(),
					Content: map[string]any{
						"ops:Provenance/ops:superseded_by": successorValue(r.successor),
						versionKey:                         Version,
					},
				}
				if err := writer.Add(ctx, update); err != nil {
					return err
				}
			}
		}

		processedLids += len(lids)
		exclude = append(exclude, lids...)
		if len(lids) < s.lidPageSize() {
			break
		}
	}

	if processedLids == 0 {
		slog.Info("all products up to date, nothing to sweep", "sweeper", name)
		return nil
	}

	stats, err := writer.Flush(ctx)
	if err != nil {
		return err
	}
	slog.Info("provenance sweep complete",
		"lids", processedLids,
		"updates", stats.Updates,
		"unchanged", skipped,
		"elapsed", sweepers.HumanElapsed(stats.Elapsed))
	return nil
}

func successorValue(successor *pdsid.LidVid) any {
	if successor == nil {
		return nil
	}
	return successor.String()
}

// eligibilityQuery выбирает опубликованные документы, ещё не отмеченные
// текущей версией свипера.
func eligibilityQuery() map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{"terms": map[string]any{
					"ops:Tracking_Meta/ops:archive_status": publishedStatuses,
				}},
			},
			"must_not": []any{
				map[string]any{"range": map[string]any{
					sweepers.VersionMetadataKey(name): map[string]any{"gte": Version},
				}},
			},
		},
	}
}

// targetLids возвращает очередную страницу LID, требующих пересчёта.
// Уже обработанные LID исключаются из агрегации, поэтому повторный вызов
// продвигается по множеству целей.
func (s *Sweeper) targetLids(ctx context.Context, client dsclient.Client, index string, exclude []string) ([]string, error) {
	query := eligibilityQuery()
	if len(exclude) > 0 {
		boolQuery := query["bool"].(map[string]any)
		boolQuery["must_not"] = append(boolQuery["must_not"].([]any),
			map[string]any{"terms": map[string]any{"lid": exclude}})
	}

	body := map[string]any{
		"query": query,
		"size":  0,
		"aggs": map[string]any{
			"lids": map[string]any{
				"terms": map[string]any{"field": "lid", "size": s.lidPageSize()},
			},
		},
	}

	result, err := dsclient.Retry(ctx, dsclient.DefaultRetryPolicy(), func() (*dsclient.SearchResult, error) {
		return client.Search(ctx, index, body)
	})
	if err != nil {
		return nil, fmt.Errorf("provenance: aggregate target lids: %w", err)
	}

	raw, ok := result.Aggregations["lids"]
	if !ok {
		return nil, fmt.Errorf("provenance: response carries no lid aggregation")
	}
	var agg struct {
		Buckets []struct {
			Key string `json:"key"`
		} `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("provenance: decode lid aggregation: %w", err)
	}

	lids := make([]string, 0, len(agg.Buckets))
	for _, bucket := range agg.Buckets {
		lids = append(lids, bucket.Key)
	}
	return lids, nil
}

// chainForLid читает все опубликованные документы LID, сортирует их по
// версии и связывает в цепочку преемников.
func (s *Sweeper) chainForLid(ctx context.Context, client dsclient.Client, index, lid string) ([]record, error) {
	scanner := scan.SearchAfter(ctx, client, index, scan.Options{
		Query: map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"lid": lid}},
					map[string]any{"terms": map[string]any{
						"ops:Tracking_Meta/ops:archive_status": publishedStatuses,
					}},
				},
			},
		},
		SourceFields: []string{"lidvid", "ops:Provenance/ops:superseded_by", sweepers.VersionMetadataKey(name)},
		PageSize:     s.docPageSize(),
	})

	var docs []productDoc
	for hit := range scanner.Hits {
		doc, err := scan.UnmarshalSource[productDoc](hit)
		if err != nil {
			slog.Warn("skipping malformed document", "sweeper", name, "id", hit.ID, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	if err := <-scanner.Errs; err != nil {
		return nil, err
	}

	records := make([]record, 0, len(docs))
	states := make(map[string]productDoc, len(docs))
	for _, doc := range docs {
		lidvid, err := pdsid.ParseLidVid(doc.LidVid)
		if err != nil {
			slog.Warn("skipping document with malformed lidvid", "sweeper", name, "lidvid", doc.LidVid, "error", err)
			continue
		}
		records = append(records, record{lidvid: lidvid})
		states[lidvid.String()] = doc
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].lidvid.Compare(records[j].lidvid) < 0
	})
	for i := range records {
		if i < len(records)-1 {
			successor := records[i+1].lidvid
			records[i].successor = &successor
		}
	}
	for i := range records {
		doc := states[records[i].lidvid.String()]
		records[i].skipWrite = storedStateCurrent(doc, records[i].successor)
	}
	return records, nil
}

// storedStateCurrent — хранимый преемник совпадает с вычисленным и отметка
// версии актуальна; такой документ можно не переписывать.
func storedStateCurrent(doc productDoc, successor *pdsid.LidVid) bool {
	if doc.SweeperVersion == nil || *doc.SweeperVersion != Version {
		return false
	}
	if successor == nil {
		// вершине цепочки нужен явный null, отсутствие поля не считается
		return bytes.Equal(bytes.TrimSpace(doc.SupersededBy), []byte("null"))
	}
	var stored string
	if err := json.Unmarshal(doc.SupersededBy, &stored); err != nil {
		return false
	}
	return stored == successor.String()
}
