package ancestry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrysweepers/dsclient"
	"registrysweepers/sweepers"
)

// fixture моделирует реестр: документы бандлов и коллекций, refs-документы
// членства и опубликованные версии LID для legacy-ссылок.
type fixture struct {
	bundles     []string
	collections []string
	refsDocs    []refsFixture
	// LID → опубликованные LIDVID (для legacy-членов)
	versionsByLid map[string][]string
}

type refsFixture struct {
	id     string
	source string
}

func (f *fixture) fake(t *testing.T) *dsclient.Fake {
	t.Helper()
	singlePage := func(sources []string, ids []string) *dsclient.SearchResult {
		result := &dsclient.SearchResult{ScrollID: "cursor"}
		result.Hits.Total.Value = len(sources)
		for i, source := range sources {
			id := ""
			if ids != nil {
				id = ids[i]
			}
			result.Hits.Hits = append(result.Hits.Hits, dsclient.Hit{ID: id, Source: json.RawMessage(source)})
		}
		return result
	}

	return &dsclient.Fake{
		ScrollBeginFunc: func(ctx context.Context, index string, body any, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			decoded := decodeBody(t, body)
			if index == "registry-refs" {
				sources := make([]string, len(f.refsDocs))
				ids := make([]string, len(f.refsDocs))
				for i, doc := range f.refsDocs {
					sources[i] = doc.source
					ids[i] = doc.id
				}
				return singlePage(sources, ids), nil
			}

			switch productClass(t, decoded) {
			case "bundle":
				return singlePage(f.bundles, nil), nil
			case "collection":
				return singlePage(f.collections, nil), nil
			default:
				return nil, fmt.Errorf("unexpected scroll query: %v", decoded)
			}
		},
		SearchFunc: func(ctx context.Context, index string, body any) (*dsclient.SearchResult, error) {
			decoded := decodeBody(t, body)
			lid := termLid(t, decoded)
			sources := []string{}
			for _, lidvid := range f.versionsByLid[lid] {
				sources = append(sources, fmt.Sprintf(`{"lidvid": %q}`, lidvid))
			}
			return singlePage(sources, nil), nil
		},
	}
}

func decodeBody(t *testing.T, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return decoded
}

func productClass(t *testing.T, body map[string]any) string {
	t.Helper()
	must := body["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	for _, clause := range must {
		if term, ok := clause.(map[string]any)["term"]; ok {
			if class, ok := term.(map[string]any)["product_class"]; ok {
				return class.(string)
			}
		}
	}
	return ""
}

func termLid(t *testing.T, body map[string]any) string {
	t.Helper()
	must := body["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	return must[0].(map[string]any)["term"].(map[string]any)["lid"].(string)
}

func runSweeper(t *testing.T, f *fixture) *dsclient.Fake {
	t.Helper()
	fake := f.fake(t)
	sweeper := New()
	sweeper.SpillDir = t.TempDir()
	err := sweeper.Run(context.Background(), sweepers.RunContext{Client: fake})
	require.NoError(t, err)
	return fake
}

// финальное doc-обновление документа (частичные обновления — script-действия)
func finalDoc(fake *dsclient.Fake, id string) map[string]any {
	for _, action := range fake.BulkActions() {
		if action.ID == id && action.Doc != nil {
			return action.Doc
		}
	}
	return nil
}

func asStrings(t *testing.T, value any) []string {
	t.Helper()
	raw, ok := value.([]any)
	require.True(t, ok, "expected array, got %T", value)
	out := make([]string, len(raw))
	for i, item := range raw {
		out[i] = item.(string)
	}
	return out
}

func TestSimpleHierarchy(t *testing.T) {
	f := &fixture{
		bundles: []string{
			`{"lidvid": "urn:nasa:pds:bundle::1.0", "ref_lid_collection": ["urn:nasa:pds:bundle:col"]}`,
		},
		collections: []string{
			`{"lidvid": "urn:nasa:pds:bundle:col::1.0"}`,
			`{"lidvid": "urn:nasa:pds:bundle:col::2.0"}`,
		},
		refsDocs: []refsFixture{
			{id: "urn:nasa:pds:bundle:col::1.0::P1", source: `{"collection_lidvid": "urn:nasa:pds:bundle:col::1.0", "product_lidvid": ["urn:nasa:pds:bundle:col:p1::1.0", "urn:nasa:pds:bundle:col:p2::1.0"]}`},
			{id: "urn:nasa:pds:bundle:col::2.0::P1", source: `{"collection_lidvid": "urn:nasa:pds:bundle:col::2.0", "product_lidvid": ["urn:nasa:pds:bundle:col:p1::1.0", "urn:nasa:pds:bundle:col:p2::1.0"]}`},
		},
	}
	fake := runSweeper(t, f)

	for _, product := range []string{"urn:nasa:pds:bundle:col:p1::1.0", "urn:nasa:pds:bundle:col:p2::1.0"} {
		doc := finalDoc(fake, product)
		require.NotNil(t, doc, product)
		assert.ElementsMatch(t,
			[]string{"urn:nasa:pds:bundle:col::1.0", "urn:nasa:pds:bundle:col::2.0"},
			asStrings(t, doc["ops:Provenance/ops:parent_collection_identifier"]))
		assert.ElementsMatch(t,
			[]string{"urn:nasa:pds:bundle::1.0"},
			asStrings(t, doc["ops:Provenance/ops:parent_bundle_identifier"]))
		assert.Equal(t, float64(Version), doc["ops:Sweepers/ancestry_version"])
	}

	// обе версии коллекции получили бандл через LID-ссылку
	for _, collection := range []string{"urn:nasa:pds:bundle:col::1.0", "urn:nasa:pds:bundle:col::2.0"} {
		doc := finalDoc(fake, collection)
		require.NotNil(t, doc, collection)
		assert.ElementsMatch(t, []string{"urn:nasa:pds:bundle::1.0"},
			asStrings(t, doc["ops:Provenance/ops:parent_bundle_identifier"]))
	}
}

func TestLidvidRefVersusLidRef(t *testing.T) {
	f := &fixture{
		bundles: []string{
			`{"lidvid": "urn:nasa:pds:abundle::1.0", "ref_lidvid_collection": ["urn:nasa:pds:abundle:col::1.0"]}`,
			`{"lidvid": "urn:nasa:pds:bbundle::1.0", "ref_lid_collection": ["urn:nasa:pds:abundle:col"]}`,
		},
		collections: []string{
			`{"lidvid": "urn:nasa:pds:abundle:col::1.0"}`,
			`{"lidvid": "urn:nasa:pds:abundle:col::2.0"}`,
		},
	}
	fake := runSweeper(t, f)

	doc := finalDoc(fake, "urn:nasa:pds:abundle:col::1.0")
	require.NotNil(t, doc)
	assert.ElementsMatch(t,
		[]string{"urn:nasa:pds:abundle::1.0", "urn:nasa:pds:bbundle::1.0"},
		asStrings(t, doc["ops:Provenance/ops:parent_bundle_identifier"]))

	doc = finalDoc(fake, "urn:nasa:pds:abundle:col::2.0")
	require.NotNil(t, doc)
	assert.ElementsMatch(t,
		[]string{"urn:nasa:pds:bbundle::1.0"},
		asStrings(t, doc["ops:Provenance/ops:parent_bundle_identifier"]))
}

func TestDeferredReconciliationUnionsAcrossCollections(t *testing.T) {
	f := &fixture{
		bundles: []string{
			`{"lidvid": "urn:nasa:pds:mb::1.0", "ref_lidvid_collection": ["urn:nasa:pds:mb:colm::1.0"]}`,
			`{"lidvid": "urn:nasa:pds:nmb::1.0", "ref_lidvid_collection": ["urn:nasa:pds:nmb:colo::1.0"]}`,
		},
		collections: []string{
			`{"lidvid": "urn:nasa:pds:mb:colm::1.0"}`,
			`{"lidvid": "urn:nasa:pds:nmb:colo::1.0"}`,
		},
		refsDocs: []refsFixture{
			{id: "urn:nasa:pds:mb:colm::1.0::P1", source: `{"collection_lidvid": "urn:nasa:pds:mb:colm::1.0", "product_lidvid": ["urn:nasa:pds:mb:colm:p::1.0"]}`},
			{id: "urn:nasa:pds:nmb:colo::1.0::P1", source: `{"collection_lidvid": "urn:nasa:pds:nmb:colo::1.0", "product_lidvid": ["urn:nasa:pds:mb:colm:p::1.0"]}`},
		},
	}
	fake := runSweeper(t, f)

	const product = "urn:nasa:pds:mb:colm:p::1.0"

	// частичные обновления: хотя бы одно script-действие несёт только
	// родителей первой коллекции
	var partials [][]string
	for _, action := range fake.BulkActions() {
		if action.ID == product && action.Script != nil {
			params := action.Script["params"].(map[string]any)
			items := []string{}
			for _, item := range params["new_items"].([]any) {
				items = append(items, item.(string))
			}
			partials = append(partials, items)
		}
	}
	require.NotEmpty(t, partials)
	assert.Contains(t, partials[0], "urn:nasa:pds:mb::1.0")
	assert.NotContains(t, partials[0], "urn:nasa:pds:nmb::1.0")

	// финальное обновление объединяет обе коллекции и оба бандла
	doc := finalDoc(fake, product)
	require.NotNil(t, doc)
	assert.ElementsMatch(t,
		[]string{"urn:nasa:pds:mb:colm::1.0", "urn:nasa:pds:nmb:colo::1.0"},
		asStrings(t, doc["ops:Provenance/ops:parent_collection_identifier"]))
	assert.ElementsMatch(t,
		[]string{"urn:nasa:pds:mb::1.0", "urn:nasa:pds:nmb::1.0"},
		asStrings(t, doc["ops:Provenance/ops:parent_bundle_identifier"]))
	assert.Equal(t, float64(Version), doc["ops:Sweepers/ancestry_version"])
}

func TestLegacyLidMembersExpandToAllVersions(t *testing.T) {
	f := &fixture{
		bundles: []string{
			`{"lidvid": "urn:nasa:pds:b::1.0", "ref_lidvid_collection": ["urn:nasa:pds:b:col::1.0"]}`,
		},
		collections: []string{
			`{"lidvid": "urn:nasa:pds:b:col::1.0"}`,
		},
		refsDocs: []refsFixture{
			{id: "urn:nasa:pds:b:col::1.0::P1", source: `{"collection_lidvid": "urn:nasa:pds:b:col::1.0", "product_lidvid": ["urn:nasa:pds:b:col:p"]}`},
		},
		versionsByLid: map[string][]string{
			"urn:nasa:pds:b:col:p": {"urn:nasa:pds:b:col:p::1.0", "urn:nasa:pds:b:col:p::2.0"},
		},
	}
	fake := runSweeper(t, f)

	for _, product := range []string{"urn:nasa:pds:b:col:p::1.0", "urn:nasa:pds:b:col:p::2.0"} {
		doc := finalDoc(fake, product)
		require.NotNil(t, doc, product)
		assert.ElementsMatch(t, []string{"urn:nasa:pds:b:col::1.0"},
			asStrings(t, doc["ops:Provenance/ops:parent_collection_identifier"]))
	}
}

func TestSecondaryBatchesAreSkipped(t *testing.T) {
	f := &fixture{
		bundles: []string{
			`{"lidvid": "urn:nasa:pds:b::1.0", "ref_lidvid_collection": ["urn:nasa:pds:b:col::1.0"]}`,
		},
		collections: []string{
			`{"lidvid": "urn:nasa:pds:b:col::1.0"}`,
		},
		refsDocs: []refsFixture{
			{id: "urn:nasa:pds:b:col::1.0::S1", source: `{"collection_lidvid": "urn:nasa:pds:b:col::1.0", "product_lidvid": ["urn:nasa:pds:b:col:p::1.0"]}`},
		},
	}
	fake := runSweeper(t, f)

	assert.Nil(t, finalDoc(fake, "urn:nasa:pds:b:col:p::1.0"))
	// вторичный batch не штампуется
	for _, action := range fake.BulkActions() {
		assert.NotEqual(t, "urn:nasa:pds:b:col::1.0::S1", action.ID)
	}
}

func TestAlternateIDsMatchBundleRefs(t *testing.T) {
	// бандл ссылается на коллекцию под её старым именем
	f := &fixture{
		bundles: []string{
			`{"lidvid": "urn:nasa:pds:b::1.0", "ref_lid_collection": ["urn:nasa:pds:b:oldcol"]}`,
		},
		collections: []string{
			`{"lidvid": "urn:nasa:pds:b:col::1.0", "alternate_ids": ["urn:nasa:pds:b:oldcol"]}`,
		},
	}
	fake := runSweeper(t, f)

	doc := finalDoc(fake, "urn:nasa:pds:b:col::1.0")
	require.NotNil(t, doc)
	assert.ElementsMatch(t, []string{"urn:nasa:pds:b::1.0"},
		asStrings(t, doc["ops:Provenance/ops:parent_bundle_identifier"]))
}

func TestUpToDateDocumentsProduceNoUpdates(t *testing.T) {
	f := &fixture{
		bundles: []string{
			fmt.Sprintf(`{"lidvid": "urn:nasa:pds:b::1.0", "ops:Provenance/ops:parent_collection_identifier": [], "ops:Provenance/ops:parent_bundle_identifier": [], "ops:Sweepers/ancestry_version": %d}`, Version),
		},
		collections: []string{},
		refsDocs:    []refsFixture{},
	}
	fake := runSweeper(t, f)
	assert.Empty(t, fake.BulkActions())
}

func TestIsSecondaryBatch(t *testing.T) {
	assert.True(t, isSecondaryBatch("urn:nasa:pds:b:col::1.0::S1"))
	assert.False(t, isSecondaryBatch("urn:nasa:pds:b:col::1.0::P1"))
}

func TestFromEnv(t *testing.T) {
	t.Setenv(envQueryPageSize, "500")
	t.Setenv(envDiskDumpThreshold, "1000")
	t.Setenv("SWEEPERS_SPILL_BACKEND", "badger")

	sweeper, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 500, sweeper.PageSize)
	assert.Equal(t, 1000, sweeper.SpillThreshold)
	assert.Equal(t, "badger", string(sweeper.SpillBackend))

	t.Setenv(envQueryPageSize, "zero")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestAbortMidScanReleasesScrollCursors(t *testing.T) {
	f := &fixture{
		bundles:     []string{`{"lidvid": "urn:nasa:pds:b::1.0", "ref_lidvid_collection": ["urn:nasa:pds:b:col::1.0"]}`},
		collections: []string{`{"lidvid": "urn:nasa:pds:b:col::1.0"}`},
		refsDocs: []refsFixture{
			{id: "urn:nasa:pds:b:col::1.0::P1", source: `{"collection_lidvid": "urn:nasa:pds:b:col::1.0", "product_lidvid": ["urn:nasa:pds:b:col:p"]}`},
			{id: "urn:nasa:pds:b:col::1.0::P2", source: `{"collection_lidvid": "urn:nasa:pds:b:col::1.0", "product_lidvid": ["urn:nasa:pds:b:col:q::1.0"]}`},
		},
	}
	fake := f.fake(t)
	// разворачивание legacy-члена падает посреди refs-скана: producer
	// остаётся с неотданным вторым документом
	fake.SearchFunc = func(ctx context.Context, index string, body any) (*dsclient.SearchResult, error) {
		return nil, &dsclient.QueryError{Op: "search", StatusCode: 400, Reason: "bad request"}
	}

	sweeper := New()
	sweeper.SpillDir = t.TempDir()
	err := sweeper.Run(context.Background(), sweepers.RunContext{Client: fake})
	require.Error(t, err)

	// все три курсора (бандлы, коллекции, refs) освобождены, включая
	// прерванный refs-скан
	assert.Eventually(t, func() bool {
		return len(fake.ClearedScrolls()) == 3
	}, 2*time.Second, 10*time.Millisecond)
}
