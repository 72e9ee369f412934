package dsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// osClient — реализация Client поверх официального клиента OpenSearch.
type osClient struct {
	os *opensearch.Client
}

var _ Client = (*osClient)(nil)

func newOSClient(cfg opensearch.Config) (Client, error) {
	client, err := opensearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("dsclient: construct opensearch client: %w", err)
	}
	return &osClient{os: client}, nil
}

func encodeBody(body any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("dsclient: encode request body: %w", err)
	}
	return bytes.NewReader(raw), nil
}

// classify превращает транспортную ошибку или не-2xx ответ в типизированную
// ошибку пакета. Тело ответа при ошибке читается частично, для диагностики.
func classify(op string, res *opensearchapi.Response, err error) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if !res.IsError() {
		return nil
	}

	snippet := readSnippet(res.Body)
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, StatusCode: res.StatusCode}
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("HTTP %d: %s", res.StatusCode, snippet)}
	default:
		return &QueryError{Op: op, StatusCode: res.StatusCode, Reason: snippet}
	}
}

func readSnippet(body io.ReadCloser) string {
	if body == nil {
		return ""
	}
	defer body.Close()
	raw, _ := io.ReadAll(io.LimitReader(body, 512))
	return strings.TrimSpace(string(raw))
}

func decode(op string, res *opensearchapi.Response, out any) error {
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &QueryError{Op: op, StatusCode: res.StatusCode, Reason: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func (c *osClient) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, c.os)
	if err := classify("ping", res, err); err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

func (c *osClient) Search(ctx context.Context, index string, body any) (*SearchResult, error) {
	const op = "search"
	reader, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	res, err := opensearchapi.SearchRequest{
		Index: strings.Split(index, ","),
		Body:  reader,
	}.Do(ctx, c.os)
	if err := classify(op, res, err); err != nil {
		return nil, err
	}

	var result SearchResult
	if err := decode(op, res, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *osClient) ScrollBegin(ctx context.Context, index string, body any, keepAlive time.Duration) (*SearchResult, error) {
	const op = "scroll begin"
	reader, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	res, err := opensearchapi.SearchRequest{
		Index:  strings.Split(index, ","),
		Body:   reader,
		Scroll: keepAlive,
	}.Do(ctx, c.os)
	if err := classify(op, res, err); err != nil {
		return nil, err
	}

	var result SearchResult
	if err := decode(op, res, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *osClient) ScrollContinue(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResult, error) {
	const op = "scroll continue"
	res, err := opensearchapi.ScrollRequest{
		ScrollID: scrollID,
		Scroll:   keepAlive,
	}.Do(ctx, c.os)
	if err := classify(op, res, err); err != nil {
		return nil, err
	}

	var result SearchResult
	if err := decode(op, res, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *osClient) ScrollClear(ctx context.Context, scrollID string) error {
	res, err := opensearchapi.ClearScrollRequest{
		ScrollID: []string{scrollID},
	}.Do(ctx, c.os)
	if err := classify("scroll clear", res, err); err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

func (c *osClient) Count(ctx context.Context, index string, query any) (int, error) {
	const op = "count"
	var body any
	if query != nil {
		body = map[string]any{"query": query}
	}
	reader, err := encodeBody(body)
	if err != nil {
		return 0, err
	}
	res, err := opensearchapi.CountRequest{
		Index: strings.Split(index, ","),
		Body:  reader,
	}.Do(ctx, c.os)
	if err := classify(op, res, err); err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := decode(op, res, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (c *osClient) Bulk(ctx context.Context, index string, ndjson []byte) (*BulkResult, error) {
	const op = "bulk"
	res, err := opensearchapi.BulkRequest{
		Index: index,
		Body:  bytes.NewReader(ndjson),
	}.Do(ctx, c.os)
	if err := classify(op, res, err); err != nil {
		return nil, err
	}

	var result BulkResult
	if err := decode(op, res, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *osClient) GetMapping(ctx context.Context, index string) (map[string]string, error) {
	const op = "get mapping"
	res, err := opensearchapi.IndicesGetMappingRequest{
		Index: []string{index},
	}.Do(ctx, c.os)
	if err := classify(op, res, err); err != nil {
		return nil, err
	}

	var raw map[string]struct {
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	if err := decode(op, res, &raw); err != nil {
		return nil, err
	}

	flattened := map[string]string{}
	for _, indexMapping := range raw {
		flattenProperties("", indexMapping.Mappings.Properties, flattened)
	}
	return flattened, nil
}

// flattenProperties разворачивает вложенные properties в плоские ключи,
// соединяя уровни точкой, как это делает сам движок.
func flattenProperties(prefix string, properties map[string]json.RawMessage, out map[string]string) {
	for name, raw := range properties {
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		var property struct {
			Type       string                     `json:"type"`
			Properties map[string]json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(raw, &property); err != nil {
			continue
		}
		if property.Type != "" {
			out[key] = property.Type
		}
		if property.Properties != nil {
			flattenProperties(key, property.Properties, out)
		}
	}
}

func (c *osClient) PutMapping(ctx context.Context, index string, properties map[string]string) error {
	typed := make(map[string]any, len(properties))
	for field, fieldType := range properties {
		typed[field] = map[string]string{"type": fieldType}
	}
	reader, err := encodeBody(map[string]any{"properties": typed})
	if err != nil {
		return err
	}

	res, err := opensearchapi.IndicesPutMappingRequest{
		Index: []string{index},
		Body:  reader,
	}.Do(ctx, c.os)
	if err := classify("put mapping", res, err); err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

func (c *osClient) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := opensearchapi.IndicesExistsRequest{
		Index: []string{name},
	}.Do(ctx, c.os)
	if err != nil {
		return false, &TransportError{Op: "index exists", Err: err}
	}
	res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.StatusCode == http.StatusOK {
		// exists отвечает 200 и для алиаса; различаем явно
		isAlias, err := c.AliasExists(ctx, name)
		if err != nil {
			return false, err
		}
		return !isAlias, nil
	}
	return false, classify("index exists", res, nil)
}

func (c *osClient) AliasExists(ctx context.Context, name string) (bool, error) {
	res, err := opensearchapi.IndicesExistsAliasRequest{
		Name: []string{name},
	}.Do(ctx, c.os)
	if err != nil {
		return false, &TransportError{Op: "alias exists", Err: err}
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, classify("alias exists", res, nil)
	}
}

func (c *osClient) ResolveAlias(ctx context.Context, name string) ([]string, error) {
	const op = "resolve alias"
	res, err := opensearchapi.IndicesGetAliasRequest{
		Name: []string{name},
	}.Do(ctx, c.os)
	if err := classify(op, res, err); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := decode(op, res, &raw); err != nil {
		return nil, err
	}

	indexes := make([]string, 0, len(raw))
	for indexName := range raw {
		indexes = append(indexes, indexName)
	}
	sort.Strings(indexes)
	if len(indexes) == 0 {
		return nil, &QueryError{Op: op, StatusCode: res.StatusCode, Reason: fmt.Sprintf("alias %q resolves to no indexes", name)}
	}
	return indexes, nil
}
