// Package repairkit — свипер починки формы данных: поля, которые обязаны
// быть массивами, но записаны скалярной строкой старыми версиями загрузчика,
// оборачиваются в одноэлементный массив. Каждый осмотренный документ
// получает штамп версии, даже если чинить было нечего.
package repairkit

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"registrysweepers/bulkupdate"
	"registrysweepers/registry"
	"registrysweepers/scan"
	"registrysweepers/sweepers"
)

// Version — текущая версия свипера.
const Version = 1

const name = "repairkit"

// префиксы полей, для которых массив — обязательная форма
var arrayFieldPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^ops:Data_File_Info/`),
	regexp.MustCompile(`^ops:Label_File_Info/`),
}

// поля, которые чинить нельзя, даже если имя подходит под префикс
var excludedProperties = map[string]struct{}{
	"ops:Provenance/ops:superseded_by": {},
}

// managedPrefix — поля других свиперов не трогаем
const managedPrefix = "ops:Provenance/"

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
	versionKey := sweepers.VersionMetadataKey(name)
	if err := registry.EnsureIndexMapping(ctx, rc.Client, index, versionKey, "integer"); err != nil {
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
	repairedDocs := 0
	inspected := 0
	updates := make(chan bulkupdate.Update)
	go func() {
		defer close(updates)
		for hit := range scanner.Hits {
			var source map[string]json.RawMessage
			if err := json.Unmarshal(hit.Source, &source); err != nil {
				slog.Warn("skipping malformed document", "sweeper", name, "id", hit.ID, "error", err)
				continue
			}
			inspected++

			content := RepairFields(source)
			if len(content) > 0 {
				repairedDocs++
				slog.Debug("repaired scalar array fields", "sweeper", name, "id", hit.ID, "fields", len(content))
			}
			content[versionKey] = Version

			select {
			case updates <- bulkupdate.Update{ID: hit.ID, Content: content}:
			case <-ctx.Done():
				return
			}
		}
	}()

	stats, err := bulkupdate.Pipeline(ctx, writer, updates, scanner.Errs)
	if err != nil {
		return err
	}
	slog.Info("repairkit sweep complete",
		"inspected", inspected,
		"repaired", repairedDocs,
		"updates", stats.Updates,
		"elapsed", sweepers.HumanElapsed(stats.Elapsed))
	return nil
}

// RepairFields возвращает исправленные поля документа: скалярные строки
// в массивных полях превращаются в одноэлементные массивы. Пустой результат
// означает, что документ здоров.
func RepairFields(source map[string]json.RawMessage) map[string]any {
	content := map[string]any{}
	for field, raw := range source {
		if !needsArrayForm(field) {
			continue
		}
		var scalar string
		if err := json.Unmarshal(raw, &scalar); err != nil {
			continue // уже массив либо не строка
		}
		content[field] = []string{scalar}
	}
	return content
}

func needsArrayForm(field string) bool {
	if strings.HasPrefix(field, managedPrefix) {
		return false
	}
	if _, excluded := excludedProperties[field]; excluded {
		return false
	}
	for _, prefix := range arrayFieldPrefixes {
		if prefix.MatchString(field) {
			return true
		}
	}
	return false
}
