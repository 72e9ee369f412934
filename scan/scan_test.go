package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrysweepers/dsclient"
)

func page(total int, scrollID string, ids ...string) *dsclient.SearchResult {
	result := &dsclient.SearchResult{ScrollID: scrollID}
	result.Hits.Total.Value = total
	for _, id := range ids {
		result.Hits.Hits = append(result.Hits.Hits, dsclient.Hit{
			ID:     id,
			Source: json.RawMessage(fmt.Sprintf(`{"lidvid": %q}`, id)),
			Sort:   []any{id},
		})
	}
	return result
}

func drain(t *testing.T, scanner *Scanner) ([]dsclient.Hit, error) {
	t.Helper()
	var hits []dsclient.Hit
	for hit := range scanner.Hits {
		hits = append(hits, hit)
	}
	return hits, <-scanner.Errs
}

func TestScrollServesAllPagesAndClearsCursor(t *testing.T) {
	continues := 0
	fake := &dsclient.Fake{
		ScrollBeginFunc: func(ctx context.Context, index string, body any, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			return page(3, "cursor-1", "a::1.0", "b::1.0"), nil
		},
		ScrollContinueFunc: func(ctx context.Context, scrollID string, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			continues++
			assert.Equal(t, "cursor-1", scrollID)
			return page(3, "cursor-1", "c::1.0"), nil
		},
	}

	scanner := Scroll(context.Background(), fake, "registry", Options{
		Query:    map[string]any{"match_all": map[string]any{}},
		PageSize: 2,
	})
	hits, err := drain(t, scanner)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "c::1.0", hits[2].ID)
	assert.Equal(t, 1, continues)
	assert.Equal(t, 3, scanner.Served())
	assert.Equal(t, 3, scanner.Total())
	assert.Equal(t, []string{"cursor-1"}, fake.ClearedScrolls())
}

func TestScrollGuardsAgainstEmptyPageMidStream(t *testing.T) {
	fake := &dsclient.Fake{
		ScrollBeginFunc: func(ctx context.Context, index string, body any, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			return page(5, "cursor-2", "a::1.0", "b::1.0"), nil
		},
		ScrollContinueFunc: func(ctx context.Context, scrollID string, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			return page(5, "cursor-2"), nil
		},
	}

	scanner := Scroll(context.Background(), fake, "registry", Options{PageSize: 2})
	hits, err := drain(t, scanner)
	assert.Len(t, hits, 2)
	assert.Error(t, err)
	assert.Equal(t, []string{"cursor-2"}, fake.ClearedScrolls())
}

func TestScrollEmptyResultSet(t *testing.T) {
	fake := &dsclient.Fake{
		ScrollBeginFunc: func(ctx context.Context, index string, body any, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			return page(0, "cursor-3"), nil
		},
	}

	scanner := Scroll(context.Background(), fake, "registry", Options{})
	hits, err := drain(t, scanner)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, 0, scanner.Total())
}

func TestScrollClearsCursorOnContinueError(t *testing.T) {
	fake := &dsclient.Fake{
		ScrollBeginFunc: func(ctx context.Context, index string, body any, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			return page(4, "cursor-4", "a::1.0", "b::1.0"), nil
		},
		ScrollContinueFunc: func(ctx context.Context, scrollID string, keepAlive time.Duration) (*dsclient.SearchResult, error) {
			return nil, &dsclient.QueryError{Op: "scroll continue", StatusCode: 404, Reason: "expired"}
		},
	}

	scanner := Scroll(context.Background(), fake, "registry", Options{PageSize: 2})
	_, err := drain(t, scanner)
	assert.Error(t, err)
	assert.Equal(t, []string{"cursor-4"}, fake.ClearedScrolls())
}

func TestSearchAfterPaginatesWithIDTiebreak(t *testing.T) {
	var bodies []map[string]any
	fake := &dsclient.Fake{
		SearchFunc: func(ctx context.Context, index string, body any) (*dsclient.SearchResult, error) {
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			var decoded map[string]any
			require.NoError(t, json.Unmarshal(raw, &decoded))
			bodies = append(bodies, decoded)

			switch len(bodies) {
			case 1:
				return page(3, "", "a::1.0", "b::1.0"), nil
			default:
				return page(3, "", "c::1.0"), nil
			}
		},
	}

	scanner := SearchAfter(context.Background(), fake, "registry", Options{
		Query:    map[string]any{"match_all": map[string]any{}},
		PageSize: 2,
		Sort:     []map[string]string{{"lidvid": "asc"}},
	})
	hits, err := drain(t, scanner)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Len(t, bodies, 2)

	sort, ok := bodies[0]["sort"].([]any)
	require.True(t, ok)
	require.Len(t, sort, 2)
	assert.Contains(t, sort[1], "_id")

	_, hasCursor := bodies[0]["search_after"]
	assert.False(t, hasCursor)
	after, ok := bodies[1]["search_after"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"b::1.0"}, after)
}

func TestSearchAfterStopsOnShortPage(t *testing.T) {
	calls := 0
	fake := &dsclient.Fake{
		SearchFunc: func(ctx context.Context, index string, body any) (*dsclient.SearchResult, error) {
			calls++
			return page(1, "", "a::1.0"), nil
		},
	}

	scanner := SearchAfter(context.Background(), fake, "registry", Options{PageSize: 2})
	hits, err := drain(t, scanner)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, calls)
}

func TestSearchAfterRetriesTransportErrors(t *testing.T) {
	calls := 0
	fake := &dsclient.Fake{
		SearchFunc: func(ctx context.Context, index string, body any) (*dsclient.SearchResult, error) {
			calls++
			if calls == 1 {
				return nil, &dsclient.TransportError{Op: "search", Err: fmt.Errorf("HTTP 503")}
			}
			return page(1, "", "a::1.0"), nil
		},
	}

	scanner := SearchAfter(context.Background(), fake, "registry", Options{
		PageSize: 2,
		Retry:    dsclient.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 1},
	})
	hits, err := drain(t, scanner)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 2, calls)
}

func TestCrossClusterIndexes(t *testing.T) {
	assert.Equal(t, "registry", CrossClusterIndexes("registry", nil))
	assert.Equal(t, "registry,geo:registry,img:registry",
		CrossClusterIndexes("registry", []string{"geo", "img"}))
}

func TestUnmarshalSource(t *testing.T) {
	hit := dsclient.Hit{ID: "a::1.0", Source: json.RawMessage(`{"lidvid": "a::1.0"}`)}
	doc, err := UnmarshalSource[struct {
		LidVid string `json:"lidvid"`
	}](hit)
	require.NoError(t, err)
	assert.Equal(t, "a::1.0", doc.LidVid)

	_, err = UnmarshalSource[map[string]string](dsclient.Hit{ID: "bad", Source: json.RawMessage(`42`)})
	assert.Error(t, err)
}
