// Package ancestry — свипер родословной: для каждого бандла, коллекции и
// продукта вычисляет множества родительских коллекций и бандлов и публикует
// их в метаданных документа. Членство продуктов читается из registry-refs;
// накопление промежуточных записей идёт через spill-словарь, частичные
// обновления досылаются отложенным проходом.
package ancestry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"registrysweepers/bigdict"
	"registrysweepers/bulkupdate"
	"registrysweepers/dsclient"
	"registrysweepers/pdsid"
	"registrysweepers/registry"
	"registrysweepers/scan"
	"registrysweepers/sweepers"
)

// Version — текущая версия свипера.
const Version = 2

const name = "ancestry"

var publishedStatuses = []string{"archived", "certified"}

// Переменные окружения, подстраивающие прогон под объём данных.
const (
	envQueryPageSize      = "ANCESTRY_NONAGGREGATE_QUERY_PAGE_SIZE"
	envDiskDumpThreshold  = "ANCESTRY_NONAGGREGATE_DISK_DUMP_THRESHOLD"
	defaultQueryPageSize  = 2000
	defaultDumpThreshold  = 500000
	legacyLookupCacheSize = 4096
)

// Sweeper ...
type Sweeper struct {
	// PageSize — размер страницы выборок; 0 — значение по умолчанию.
	PageSize int
	// SpillThreshold — порог вытеснения spill-словаря; 0 — по умолчанию.
	SpillThreshold int
	// SpillBackend — дисковая реализация spill-словаря.
	SpillBackend bigdict.Backend
	// SpillDir — каталог spill-файлов; пустое значение — временный каталог.
	SpillDir string
}

var _ sweepers.Sweeper = (*Sweeper)(nil)

func New() *Sweeper { return &Sweeper{} }

// FromEnv настраивает свипер из переменных окружения.
func FromEnv() (*Sweeper, error) {
	s := New()
	if raw := os.Getenv(envQueryPageSize); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			return nil, fmt.Errorf("ancestry: invalid %s value %q", envQueryPageSize, raw)
		}
		s.PageSize = value
	}
	if raw := os.Getenv(envDiskDumpThreshold); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			return nil, fmt.Errorf("ancestry: invalid %s value %q", envDiskDumpThreshold, raw)
		}
		s.SpillThreshold = value
	}
	backend, err := bigdict.BackendFromEnv()
	if err != nil {
		return nil, err
	}
	s.SpillBackend = backend
	return s, nil
}

func (s *Sweeper) Name() string { return name }

func (s *Sweeper) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return defaultQueryPageSize
}

func (s *Sweeper) spillThreshold() int {
	if s.SpillThreshold > 0 {
		return s.SpillThreshold
	}
	return defaultDumpThreshold
}

// stringList принимает и одиночную строку, и массив строк: реестр хранит
// одни и те же поля в обеих формах в зависимости от инструмента загрузки.
type stringList []string

func (s *stringList) UnmarshalJSON(raw []byte) error {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		*s = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return err
	}
	*s = stringList(many)
	return nil
}

// aggregateDoc — поля документа бандла или коллекции.
type aggregateDoc struct {
	LidVid               string     `json:"lidvid"`
	RefLidvidCollection  stringList `json:"ref_lidvid_collection"`
	RefLidCollection     stringList `json:"ref_lid_collection"`
	AlternateIDs         stringList `json:"alternate_ids"`
	StoredCollections    stringList `json:"ops:Provenance/ops:parent_collection_identifier"`
	StoredBundles        stringList `json:"ops:Provenance/ops:parent_bundle_identifier"`
	StoredAncestorRefs   stringList `json:"ops:Provenance/ops:ancestor_refs"`
	StoredSweeperVersion *int       `json:"ops:Sweepers/ancestry_version"`
}

// refsDoc — документ членства из registry-refs.
type refsDoc struct {
	CollectionLidVid string     `json:"collection_lidvid"`
	ProductLidVid    stringList `json:"product_lidvid"`
}

type run struct {
	sweeper       *Sweeper
	client        dsclient.Client
	registryIndex string
	refsIndex     string
	versionKey    string
	writer        *bulkupdate.Writer

	// записи коллекций по первичному LIDVID
	collections map[string]*Record
	// LID коллекции → все её записи (для LID-ссылок бандлов)
	collectionsByLid map[string][]*Record
	// кеш разворачивания legacy LID-членов в опубликованные LIDVID
	legacyCache *lru.Cache[string, []string]
	// идентификаторы обработанных refs-документов, штампуются в конце
	processedRefsDocs []string

	spill *bigdict.SpillDict[SpillValue]
}

func (s *Sweeper) Run(ctx context.Context, rc sweepers.RunContext) error {
	// при досрочном выходе останавливаем производителей потокового чтения,
	// чтобы их отложенное освобождение курсоров успело выполниться
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registryIndex, err := rc.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}
	refsIndex, err := rc.IndexName(registry.IndexRegistryRefs)
	if err != nil {
		return err
	}

	versionKey := sweepers.VersionMetadataKey(name)
	for _, index := range []string{registryIndex, refsIndex} {
		if err := registry.EnsureIndexMapping(ctx, rc.Client, index, versionKey, "integer"); err != nil {
			return err
		}
	}

	legacyCache, err := lru.New[string, []string](legacyLookupCacheSize)
	if err != nil {
		return fmt.Errorf("ancestry: construct legacy lookup cache: %w", err)
	}

	r := &run{
		sweeper:          s,
		client:           rc.Client,
		registryIndex:    registryIndex,
		refsIndex:        refsIndex,
		versionKey:       versionKey,
		writer:           bulkupdate.NewWriter(rc.Client, registryIndex),
		collections:      map[string]*Record{},
		collectionsByLid: map[string][]*Record{},
		legacyCache:      legacyCache,
		spill: bigdict.NewSpillDict(bigdict.SpillOptions[SpillValue]{
			Threshold: s.spillThreshold(),
			Backend:   s.SpillBackend,
			Merge:     MergeSpillValues,
			Dir:       s.SpillDir,
		}),
	}
	defer func() {
		if err := r.spill.Destroy(); err != nil {
			slog.Warn("failed to remove spill store", "sweeper", name, "error", err)
		}
	}()

	bundles, err := r.sweepBundles(ctx)
	if err != nil {
		return err
	}
	if err := r.sweepCollections(ctx, bundles); err != nil {
		return err
	}
	if err := r.sweepProducts(ctx); err != nil {
		return err
	}
	if err := r.deferredPass(ctx); err != nil {
		return err
	}

	stats, err := r.writer.Flush(ctx)
	if err != nil {
		return err
	}
	if err := r.stampRefsDocs(ctx); err != nil {
		return err
	}

	slog.Info("ancestry sweep complete",
		"collections", len(r.collections),
		"refs_docs", len(r.processedRefsDocs),
		"updates", stats.Updates,
		"elapsed", sweepers.HumanElapsed(stats.Elapsed))
	return nil
}

func publishedQuery(class string) map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{"terms": map[string]any{
					"ops:Tracking_Meta/ops:archive_status": publishedStatuses,
				}},
				map[string]any{"term": map[string]any{"product_class": class}},
			},
		},
	}
}

var aggregateSourceFields = []string{
	"lidvid", "ref_lidvid_collection", "ref_lid_collection", "alternate_ids",
	"ops:Provenance/ops:parent_collection_identifier",
	"ops:Provenance/ops:parent_bundle_identifier",
	AncestorRefsField,
	"ops:Sweepers/ancestry_version",
}

// bundleRefs — накопленные ссылки бандлов на коллекции.
type bundleRefs struct {
	// LIDVID коллекции → бандлы, ссылающиеся на эту конкретную версию
	byLidvid map[string][]pdsid.LidVid
	// LID коллекции → бандлы, ссылающиеся на все её версии
	byLid map[string][]pdsid.LidVid
}

// sweepBundles — этап 1: собирает ссылки бандлов на коллекции и публикует
// записи самих бандлов (у бандлов предков нет, пишется только штамп).
func (r *run) sweepBundles(ctx context.Context) (*bundleRefs, error) {
	refs := &bundleRefs{byLidvid: map[string][]pdsid.LidVid{}, byLid: map[string][]pdsid.LidVid{}}

	scanner := scan.Scroll(ctx, r.client, r.registryIndex, scan.Options{
		Query:        publishedQuery("bundle"),
		SourceFields: aggregateSourceFields,
		PageSize:     r.sweeper.pageSize(),
	})
	for hit := range scanner.Hits {
		doc, err := scan.UnmarshalSource[aggregateDoc](hit)
		if err != nil {
			slog.Warn("skipping malformed bundle document", "sweeper", name, "id", hit.ID, "error", err)
			continue
		}
		lidvid, err := pdsid.ParseLidVid(doc.LidVid)
		if err != nil {
			slog.Warn("skipping bundle with malformed lidvid", "sweeper", name, "lidvid", doc.LidVid, "error", err)
			continue
		}

		for _, raw := range append(doc.RefLidvidCollection, doc.AlternateIDs...) {
			if target, err := pdsid.ParseLidVid(raw); err == nil {
				refs.byLidvid[target.String()] = append(refs.byLidvid[target.String()], lidvid)
			}
		}
		for _, raw := range doc.RefLidCollection {
			if target, err := pdsid.ParseLid(raw); err == nil {
				refs.byLid[target.String()] = append(refs.byLid[target.String()], lidvid)
			}
		}
		for _, raw := range doc.AlternateIDs {
			if strings.Contains(raw, "::") {
				continue // LIDVID-форма уже учтена выше
			}
			if target, err := pdsid.ParseLid(raw); err == nil {
				refs.byLid[target.String()] = append(refs.byLid[target.String()], lidvid)
			}
		}

		if err := r.emitAggregateRecord(ctx, NewRecord(lidvid), doc); err != nil {
			return nil, err
		}
	}
	if err := <-scanner.Errs; err != nil {
		return nil, err
	}
	return refs, nil
}

// sweepCollections — этап 2: сопоставляет коллекции ссылкам бандлов и
// публикует записи коллекций. Альтернативные идентификаторы коллекции
// участвуют в сопоставлении наравне с основными.
func (r *run) sweepCollections(ctx context.Context, refs *bundleRefs) error {
	scanner := scan.Scroll(ctx, r.client, r.registryIndex, scan.Options{
		Query:        publishedQuery("collection"),
		SourceFields: aggregateSourceFields,
		PageSize:     r.sweeper.pageSize(),
	})
	for hit := range scanner.Hits {
		doc, err := scan.UnmarshalSource[aggregateDoc](hit)
		if err != nil {
			slog.Warn("skipping malformed collection document", "sweeper", name, "id", hit.ID, "error", err)
			continue
		}
		lidvid, err := pdsid.ParseLidVid(doc.LidVid)
		if err != nil {
			slog.Warn("skipping collection with malformed lidvid", "sweeper", name, "lidvid", doc.LidVid, "error", err)
			continue
		}

		record := NewRecord(lidvid)

		lidvidAliases := []string{lidvid.String()}
		lidAliases := []string{lidvid.Lid.String()}
		for _, raw := range doc.AlternateIDs {
			if strings.Contains(raw, "::") {
				if alias, err := pdsid.ParseLidVid(raw); err == nil {
					lidvidAliases = append(lidvidAliases, alias.String())
				}
			} else if alias, err := pdsid.ParseLid(raw); err == nil {
				lidAliases = append(lidAliases, alias.String())
			}
		}
		for _, alias := range lidvidAliases {
			for _, bundle := range refs.byLidvid[alias] {
				record.AddParentBundle(bundle)
			}
		}
		for _, alias := range lidAliases {
			for _, bundle := range refs.byLid[alias] {
				record.AddParentBundle(bundle)
			}
		}

		if !record.HasParents() {
			slog.Warn("collection is not referenced by any bundle", "sweeper", name, "lidvid", lidvid.String())
		}

		r.collections[lidvid.String()] = record
		lid := lidvid.Lid.String()
		r.collectionsByLid[lid] = append(r.collectionsByLid[lid], record)

		if err := r.emitAggregateRecord(ctx, record, doc); err != nil {
			return err
		}
	}
	return <-scanner.Errs
}

// emitAggregateRecord публикует запись бандла или коллекции: частичный
// документ с родителями и штампом плюс script-обновление множества предков.
// Документ в актуальном состоянии пропускается целиком.
func (r *run) emitAggregateRecord(ctx context.Context, record *Record, doc aggregateDoc) error {
	collections := record.ResolveParentCollectionLidvids()
	bundles := record.ResolveParentBundleLidvids()
	refs := record.AncestorRefs()

	if storedAggregateCurrent(doc, collections, bundles, refs) {
		return nil
	}

	if err := r.writer.Add(ctx, bulkupdate.Update{
		ID: record.LidVid.String(),
		Content: map[string]any{
			"ops:Provenance/ops:parent_collection_identifier": collections,
			"ops:Provenance/ops:parent_bundle_identifier":     bundles,
			r.versionKey: Version,
		},
	}); err != nil {
		return err
	}
	return r.writer.Add(ctx, bulkupdate.Update{
		ID:           record.LidVid.String(),
		Script:       dedupScript,
		ScriptParams: map[string]any{"new_items": refs},
	})
}

func storedAggregateCurrent(doc aggregateDoc, collections, bundles, refs []string) bool {
	if doc.StoredSweeperVersion == nil || *doc.StoredSweeperVersion != Version {
		return false
	}
	return setsEqual(doc.StoredCollections, collections) &&
		setsEqual(doc.StoredBundles, bundles) &&
		containsAll(doc.StoredAncestorRefs, refs)
}

func setsEqual(stored stringList, computed []string) bool {
	if len(stored) != len(computed) {
		return false
	}
	return containsAll(stored, computed)
}

func containsAll(stored stringList, wanted []string) bool {
	set := make(map[string]struct{}, len(stored))
	for _, item := range stored {
		set[item] = struct{}{}
	}
	for _, item := range wanted {
		if _, ok := set[item]; !ok {
			return false
		}
	}
	return true
}

// sweepProducts — этап 3: потоково читает необработанные refs-документы,
// рассылает частичные script-обновления членам коллекций и накапливает их
// полные записи в spill-словаре.
func (r *run) sweepProducts(ctx context.Context) error {
	query := map[string]any{
		"bool": map[string]any{
			"must_not": []any{
				map[string]any{"range": map[string]any{
					r.versionKey: map[string]any{"gte": Version},
				}},
			},
		},
	}
	scanner := scan.Scroll(ctx, r.client, r.refsIndex, scan.Options{
		Query:        query,
		SourceFields: []string{"collection_lidvid", "product_lidvid"},
		PageSize:     r.sweeper.pageSize(),
	})
	for hit := range scanner.Hits {
		if isSecondaryBatch(hit.ID) {
			continue
		}
		doc, err := scan.UnmarshalSource[refsDoc](hit)
		if err != nil {
			slog.Warn("skipping malformed refs document", "sweeper", name, "id", hit.ID, "error", err)
			continue
		}

		collection, ok := r.collections[doc.CollectionLidVid]
		if !ok {
			slog.Warn("refs document names unknown collection",
				"sweeper", name, "id", hit.ID, "collection", doc.CollectionLidVid)
			continue
		}

		if err := r.processMembers(ctx, collection, doc.ProductLidVid); err != nil {
			return err
		}
		r.processedRefsDocs = append(r.processedRefsDocs, hit.ID)
	}
	return <-scanner.Errs
}

// isSecondaryBatch — batch-сегмент идентификатора refs-документа начинается
// с "S": членство вторичных коллекций не даёт родословной.
func isSecondaryBatch(id string) bool {
	segment := id
	if i := strings.LastIndex(id, "::"); i >= 0 {
		segment = id[i+2:]
	}
	return strings.HasPrefix(segment, "S")
}

func (r *run) processMembers(ctx context.Context, collection *Record, members []string) error {
	contribution := SpillValue{
		ParentCollections: []string{collection.LidVid.String()},
		ParentBundles:     collection.ResolveParentBundleLidvids(),
	}
	newItems := contribution.AncestorRefs()

	for _, member := range members {
		lidvids, err := r.resolveMember(ctx, member)
		if err != nil {
			return err
		}
		for _, lidvid := range lidvids {
			// частичное обновление безопасно: серверный скрипт склеивает
			// множества, а штамп версии ставит только финальный проход
			if err := r.writer.Add(ctx, bulkupdate.Update{
				ID:           lidvid,
				Script:       dedupScript,
				ScriptParams: map[string]any{"new_items": newItems},
			}); err != nil {
				return err
			}
			if err := r.spill.Put(ctx, lidvid, contribution); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveMember разворачивает член коллекции в список LIDVID. Полный
// LIDVID возвращается как есть; legacy-форма (только LID) разворачивается
// во все опубликованные версии этого LID.
func (r *run) resolveMember(ctx context.Context, member string) ([]string, error) {
	if strings.Contains(member, "::") {
		lidvid, err := pdsid.ParseLidVid(member)
		if err != nil {
			slog.Warn("skipping malformed member reference", "sweeper", name, "member", member, "error", err)
			return nil, nil
		}
		if class := lidvid.Lid.Class(); class != pdsid.ClassBasicProduct {
			slog.Error("refs document lists an aggregate product as a member",
				"sweeper", name, "member", member, "class", class.String())
			return nil, nil
		}
		return []string{lidvid.String()}, nil
	}

	lid, err := pdsid.ParseLid(member)
	if err != nil {
		slog.Warn("skipping malformed member reference", "sweeper", name, "member", member, "error", err)
		return nil, nil
	}
	if class := lid.Class(); class != pdsid.ClassBasicProduct {
		slog.Error("refs document lists an aggregate product as a member",
			"sweeper", name, "member", member, "class", class.String())
		return nil, nil
	}

	if cached, ok := r.legacyCache.Get(lid.String()); ok {
		return cached, nil
	}

	scanner := scan.SearchAfter(ctx, r.client, r.registryIndex, scan.Options{
		Query: map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"lid": lid.String()}},
					map[string]any{"terms": map[string]any{
						"ops:Tracking_Meta/ops:archive_status": publishedStatuses,
					}},
				},
			},
		},
		SourceFields: []string{"lidvid"},
		PageSize:     r.sweeper.pageSize(),
	})
	var lidvids []string
	for hit := range scanner.Hits {
		doc, err := scan.UnmarshalSource[struct {
			LidVid string `json:"lidvid"`
		}](hit)
		if err != nil {
			slog.Warn("skipping malformed document", "sweeper", name, "id", hit.ID, "error", err)
			continue
		}
		lidvids = append(lidvids, doc.LidVid)
	}
	if err := <-scanner.Errs; err != nil {
		return nil, err
	}

	r.legacyCache.Add(lid.String(), lidvids)
	return lidvids, nil
}

// deferredPass — отложенный проход: сливает spill-словарь и публикует
// каждому продукту финальную запись с полным множеством родителей и
// штампом версии.
func (r *run) deferredPass(ctx context.Context) error {
	items, errs := r.spill.Items(ctx)
	for item := range items {
		if err := r.writer.Add(ctx, bulkupdate.Update{
			ID: item.Key,
			Content: map[string]any{
				"ops:Provenance/ops:parent_collection_identifier": item.Value.ParentCollections,
				"ops:Provenance/ops:parent_bundle_identifier":     item.Value.ParentBundles,
				r.versionKey: Version,
			},
		}); err != nil {
			return err
		}
		if err := r.writer.Add(ctx, bulkupdate.Update{
			ID:           item.Key,
			Script:       dedupScript,
			ScriptParams: map[string]any{"new_items": item.Value.AncestorRefs()},
		}); err != nil {
			return err
		}
	}
	return <-errs
}

// stampRefsDocs отмечает обработанные refs-документы текущей версией,
// чтобы следующий прогон их не перечитывал. Выполняется только после
// успешной записи всех обновлений продуктов.
func (r *run) stampRefsDocs(ctx context.Context) error {
	if len(r.processedRefsDocs) == 0 {
		return nil
	}
	writer := bulkupdate.NewWriter(r.client, r.refsIndex)
	for _, id := range r.processedRefsDocs {
		if err := writer.Add(ctx, bulkupdate.Update{
			ID:      id,
			Content: map[string]any{r.versionKey: Version},
		}); err != nil {
			return err
		}
	}
	_, err := writer.Flush(ctx)
	return err
}
