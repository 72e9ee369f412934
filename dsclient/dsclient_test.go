package dsclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCredentials(t *testing.T) {
	user, pass, err := ParseCredentials(`{"admin": "hunter2"}`)
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "hunter2", pass)

	_, _, err = ParseCredentials(`not json`)
	assert.Error(t, err)

	_, _, err = ParseCredentials(`{}`)
	assert.Error(t, err)

	_, _, err = ParseCredentials(`{"a": "1", "b": "2"}`)
	assert.Error(t, err)
}

func TestNewRequiresExactlyOneAuthFlavor(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{Endpoint: "https://localhost:9200"})
	assert.Error(t, err)

	_, err = New(ctx, Config{
		Endpoint:        "https://localhost:9200",
		CredentialsJSON: `{"admin": "admin"}`,
		IAMRoleName:     "sweepers",
	})
	assert.Error(t, err)

	_, err = New(ctx, Config{CredentialsJSON: `{"admin": "admin"}`})
	assert.Error(t, err, "endpoint is required")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransportError{Op: "search", Err: errors.New("boom")}))
	assert.False(t, IsRetryable(&AuthError{Op: "search", StatusCode: 403}))
	assert.False(t, IsRetryable(&QueryError{Op: "search", StatusCode: 400}))
	assert.False(t, IsRetryable(nil))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, Multiplier: 1}

	calls := 0
	_, err := Retry(context.Background(), policy, func() (int, error) {
		calls++
		return 0, &QueryError{Op: "search", StatusCode: 400, Reason: "bad query"}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransportError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, Multiplier: 1}

	calls := 0
	value, err := Retry(context.Background(), policy, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &TransportError{Op: "search", Err: errors.New("connection reset")}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, Multiplier: 1}

	calls := 0
	_, err := Retry(context.Background(), policy, func() (int, error) {
		calls++
		return 0, &TransportError{Op: "bulk", Err: errors.New("HTTP 503")}
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, IsRetryable(err))
}

func TestDecodeBulkActions(t *testing.T) {
	body := []byte(`{"update":{"_id":"a::1.0"}}
{"doc":{"field":"value"}}
{"update":{"_id":"b::2.0"}}
{"script":{"source":"noop","params":{"new_items":["x"]}},"upsert":{}}
`)
	actions, err := DecodeBulkActions("registry", body)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	assert.Equal(t, "a::1.0", actions[0].ID)
	assert.Equal(t, map[string]any{"field": "value"}, actions[0].Doc)
	assert.Nil(t, actions[0].Script)
	assert.False(t, actions[0].HasUpsert)

	assert.Equal(t, "b::2.0", actions[1].ID)
	assert.Nil(t, actions[1].Doc)
	assert.NotNil(t, actions[1].Script)
	assert.True(t, actions[1].HasUpsert)

	_, err = DecodeBulkActions("registry", []byte(`{"update":{"_id":"orphan"}}`))
	assert.Error(t, err)
}
