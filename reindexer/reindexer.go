// Package reindexer — свипер доуточнения маппинга: свойства документов,
// отсутствующие в маппинге индекса, добавляются с типом из словаря данных
// registry-dd. Свойство, неизвестное словарю, сознательно получает
// консервативный тип keyword; такие случаи журналируются для операторов.
package reindexer

import (
	"context"
	"encoding/json"
	"log/slog"

	"registrysweepers/bulkupdate"
	"registrysweepers/dsclient"
	"registrysweepers/registry"
	"registrysweepers/scan"
	"registrysweepers/sweepers"
)

// Version — текущая версия свипера.
const Version = 1

const name = "reindexer"

// тип по умолчанию для свойств, которых нет в словаре данных
const fallbackFieldType = "keyword"

// Sweeper ...
type Sweeper struct {
	// PageSize — размер страницы выборки; 0 — значение по умолчанию.
	PageSize int
}

var _ sweepers.Sweeper = (*Sweeper)(nil)

func New() *Sweeper { return &Sweeper{} }

func (s *Sweeper) Name() string { return name }

func (s *Sweeper) Run(ctx context.Context, rc sweepers.RunContext) error {
	// при досрочном выходе останавливаем производителей потокового чтения,
	// чтобы их отложенное освобождение курсоров успело выполниться
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	index, err := rc.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}
	ddIndex, err := rc.IndexName(registry.IndexRegistryDD)
	if err != nil {
		return err
	}
	versionKey := sweepers.VersionMetadataKey(name)
	if err := registry.EnsureIndexMapping(ctx, rc.Client, index, versionKey, "integer"); err != nil {
		return err
	}

	ddTypes, err := s.loadDataDictionary(ctx, rc.Client, ddIndex)
	if err != nil {
		return err
	}
	existing, err := rc.Client.GetMapping(ctx, index)
	if err != nil {
		return err
	}

	scanner := scan.Scroll(ctx, rc.Client, index, scan.Options{
		Query: map[string]any{
			"bool": map[string]any{
				"must_not": []any{
					map[string]any{"range": map[string]any{
						versionKey: map[string]any{"gte": Version},
					}},
				},
			},
		},
		PageSize: s.PageSize,
	})

	writer := bulkupdate.NewWriter(rc.Client, index)
	missing := map[string]string{}
	for hit := range scanner.Hits {
		var source map[string]json.RawMessage
		if err := json.Unmarshal(hit.Source, &source); err != nil {
			slog.Warn("skipping malformed document", "sweeper", name, "id", hit.ID, "error", err)
			continue
		}

		for field := range source {
			if _, mapped := existing[field]; mapped {
				continue
			}
			if _, pending := missing[field]; pending {
				continue
			}
			fieldType, known := ddTypes[field]
			if !known {
				fieldType = fallbackFieldType
				slog.Warn("property missing from data dictionary, defaulting to keyword",
					"sweeper", name, "field", field)
			}
			missing[field] = fieldType
		}

		if err := writer.Add(ctx, bulkupdate.Update{
			ID:      hit.ID,
			Content: map[string]any{versionKey: Version},
		}); err != nil {
			return err
		}
	}
	if err := <-scanner.Errs; err != nil {
		return err
	}

	if len(missing) > 0 {
		if err := rc.Client.PutMapping(ctx, index, missing); err != nil {
			return err
		}
		slog.Info("extended index mapping", "sweeper", name, "fields", len(missing))
	}

	stats, err := writer.Flush(ctx)
	if err != nil {
		return err
	}
	slog.Info("reindexer sweep complete",
		"new_fields", len(missing),
		"updates", stats.Updates,
		"elapsed", sweepers.HumanElapsed(stats.Elapsed))
	return nil
}

// ddDoc — запись словаря данных.
type ddDoc struct {
	FieldName string `json:"es_field_name"`
	DataType  string `json:"es_data_type"`
}

// loadDataDictionary строит отображение имени свойства в тип по индексу
// registry-dd.
func (s *Sweeper) loadDataDictionary(ctx context.Context, client dsclient.Client, ddIndex string) (map[string]string, error) {
	scanner := scan.Scroll(ctx, client, ddIndex, scan.Options{
		Query:        map[string]any{"match_all": map[string]any{}},
		SourceFields: []string{"es_field_name", "es_data_type"},
		PageSize:     s.PageSize,
	})

	types := map[string]string{}
	for hit := range scanner.Hits {
		doc, err := scan.UnmarshalSource[ddDoc](hit)
		if err != nil {
			slog.Warn("skipping malformed data dictionary entry", "sweeper", name, "id", hit.ID, "error", err)
			continue
		}
		if doc.FieldName == "" || doc.DataType == "" {
			continue
		}
		types[doc.FieldName] = doc.DataType
	}
	if err := <-scanner.Errs; err != nil {
		return nil, err
	}
	slog.Debug("loaded data dictionary", "sweeper", name, "entries", len(types))
	return types, nil
}
