package bulkupdate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrysweepers/dsclient"
)

func TestUpdateValidation(t *testing.T) {
	assert.Error(t, Update{Content: map[string]any{"a": 1}}.validate())
	assert.Error(t, Update{ID: "a::1.0"}.validate())
	assert.Error(t, Update{ID: "a::1.0", Content: map[string]any{}, Script: "noop"}.validate())
	assert.NoError(t, Update{ID: "a::1.0", Content: map[string]any{"a": 1}}.validate())
	assert.NoError(t, Update{ID: "a::1.0", Script: "ctx.op = 'none'"}.validate())
}

func TestWriterChunksBySize(t *testing.T) {
	ctx := context.Background()
	var chunkSizes []int
	fake := &dsclient.Fake{
		BulkFunc: func(ctx context.Context, index string, ndjson []byte) (*dsclient.BulkResult, error) {
			actions, err := dsclient.DecodeBulkActions(index, ndjson)
			require.NoError(t, err)
			chunkSizes = append(chunkSizes, len(actions))
			return &dsclient.BulkResult{}, nil
		},
	}

	writer := NewWriter(fake, "registry")
	writer.ChunkSize = 2
	for i := 0; i < 5; i++ {
		err := writer.Add(ctx, Update{
			ID:      string(rune('a'+i)) + "::1.0",
			Content: map[string]any{"ops:Sweepers/repairkit_version": 1},
		})
		require.NoError(t, err)
	}
	stats, err := writer.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, chunkSizes)
	assert.Equal(t, 5, stats.Updates)
	assert.Equal(t, 3, stats.Chunks)
	assert.Zero(t, stats.Failed)
}

func TestWriterEncodesScriptUpdates(t *testing.T) {
	ctx := context.Background()
	fake := &dsclient.Fake{}

	writer := NewWriter(fake, "registry")
	require.NoError(t, writer.Add(ctx, Update{
		ID:           "a::1.0",
		Script:       "ctx.op = 'none'",
		ScriptParams: map[string]any{"new_items": []string{"b::1.0"}},
		Upsert:       true,
	}))
	_, err := writer.Flush(ctx)
	require.NoError(t, err)

	actions := fake.BulkActions()
	require.Len(t, actions, 1)
	assert.Nil(t, actions[0].Doc)
	require.NotNil(t, actions[0].Script)
	assert.Equal(t, "ctx.op = 'none'", actions[0].Script["source"])
	assert.Equal(t, "painless", actions[0].Script["lang"])
	assert.True(t, actions[0].HasUpsert)
}

func bulkResultWith(statuses ...dsclient.BulkItemStatus) *dsclient.BulkResult {
	result := &dsclient.BulkResult{}
	for _, status := range statuses {
		if status.Error != nil {
			result.Errors = true
		}
		result.Items = append(result.Items, map[string]dsclient.BulkItemStatus{"update": status})
	}
	return result
}

func TestWriterClassifiesItemFailures(t *testing.T) {
	ctx := context.Background()
	fake := &dsclient.Fake{
		BulkFunc: func(ctx context.Context, index string, ndjson []byte) (*dsclient.BulkResult, error) {
			return bulkResultWith(
				dsclient.BulkItemStatus{ID: "a::1.0", Status: 200},
				dsclient.BulkItemStatus{ID: "b::1.0", Status: 404, Error: &dsclient.BulkItemError{
					Type: "document_missing_exception", Reason: "[b::1.0]: document missing",
				}},
				dsclient.BulkItemStatus{ID: "c::1.0", Status: 400, Error: &dsclient.BulkItemError{
					Type: "mapper_parsing_exception", Reason: "failed to parse field",
				}},
			), nil
		},
	}

	writer := NewWriter(fake, "registry")
	for _, id := range []string{"a::1.0", "b::1.0", "c::1.0"} {
		require.NoError(t, writer.Add(ctx, Update{ID: id, Content: map[string]any{"x": 1}}))
	}
	stats, err := writer.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failed)
}

func TestWriterFailureThreshold(t *testing.T) {
	ctx := context.Background()
	fake := &dsclient.Fake{
		BulkFunc: func(ctx context.Context, index string, ndjson []byte) (*dsclient.BulkResult, error) {
			return bulkResultWith(dsclient.BulkItemStatus{ID: "a::1.0", Status: 400, Error: &dsclient.BulkItemError{
				Type: "mapper_parsing_exception", Reason: "failed to parse field",
			}}), nil
		},
	}

	writer := NewWriter(fake, "registry")
	writer.MaxFailed = 1
	require.NoError(t, writer.Add(ctx, Update{ID: "a::1.0", Content: map[string]any{"x": 1}}))
	_, err := writer.Flush(ctx)
	assert.Error(t, err)
}

func TestPipelineDrainsChannel(t *testing.T) {
	ctx := context.Background()
	fake := &dsclient.Fake{}

	updates := make(chan Update, 3)
	for _, id := range []string{"a::1.0", "b::1.0", "c::1.0"} {
		updates <- Update{ID: id, Content: map[string]any{"x": 1}}
	}
	close(updates)

	writer := NewWriter(fake, "registry")
	stats, err := Pipeline(ctx, writer, updates, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Updates)
	assert.Len(t, fake.BulkActions(), 3)
}

func TestSinkToCollectsWithoutWriting(t *testing.T) {
	updates := make(chan Update, 2)
	updates <- Update{ID: "a::1.0", Content: map[string]any{"x": 1}}
	updates <- Update{ID: "b::1.0", Content: map[string]any{"x": 2}}
	close(updates)

	errs := make(chan error, 1)
	errs <- nil

	var collected []Update
	require.NoError(t, SinkTo(&collected, updates, errs))
	require.Len(t, collected, 2)
	assert.Equal(t, "a::1.0", collected[0].ID)
	assert.Equal(t, "b::1.0", collected[1].ID)
}

func TestPipelineUnblocksProducerOnWriterError(t *testing.T) {
	ctx := context.Background()
	fake := &dsclient.Fake{
		BulkFunc: func(ctx context.Context, index string, ndjson []byte) (*dsclient.BulkResult, error) {
			return nil, &dsclient.QueryError{Op: "bulk", StatusCode: 400, Reason: "mapper_parsing_exception"}
		},
	}
	writer := NewWriter(fake, "registry")
	writer.ChunkSize = 1

	updates := make(chan Update)
	errs := make(chan error, 1)
	go func() {
		defer close(updates)
		defer close(errs)
		for _, id := range []string{"a::1.0", "b::1.0", "c::1.0"} {
			updates <- Update{ID: id, Content: map[string]any{"x": 1}}
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := Pipeline(ctx, writer, updates, errs)
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not return after a writer error")
	}
}
