// Package registry — утилиты работы с индексами реестра: разрешение имён
// в многоарендной конфигурации, идемпотентное добавление полей в маппинг
// и разрешение алиасов.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"registrysweepers/dsclient"
)

// Логические имена индексов, с которыми работают свиперы.
const (
	IndexRegistry     = "registry"
	IndexRegistryRefs = "registry-refs"
	IndexRegistryDD   = "registry-dd"
)

// ErrMappingConflict — поле уже существует в маппинге с другим типом.
// Требует вмешательства оператора; свипер обязан прерваться.
var ErrMappingConflict = errors.New("registry: mapping conflict")

// ErrUnsupportedIndex ...
var ErrUnsupportedIndex = errors.New("registry: unsupported logical index name")

var supportedIndexes = map[string]struct{}{
	IndexRegistry:     {},
	IndexRegistryRefs: {},
	IndexRegistryDD:   {},
}

// ResolveMultitenantIndexName переводит логическое имя индекса в фактическое.
// При пустом идентификаторе арендатора имя возвращается без изменений;
// иначе имя обязано входить в поддерживаемый набор и получает префикс
// "<nodeID>-".
func ResolveMultitenantIndexName(nodeID, logical string) (string, error) {
	if nodeID == "" {
		return logical, nil
	}
	if _, ok := supportedIndexes[logical]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedIndex, logical)
	}
	return nodeID + "-" + logical, nil
}

// EnsureIndexMapping гарантирует, что поле field имеет тип fieldType в
// маппинге индекса. Повторный вызов с тем же типом — no-op; существующее
// поле другого типа — ErrMappingConflict.
func EnsureIndexMapping(ctx context.Context, client dsclient.Client, index, field, fieldType string) error {
	existing, err := client.GetMapping(ctx, index)
	if err != nil {
		return err
	}

	if existingType, ok := existing[field]; ok {
		if existingType == fieldType {
			return nil
		}
		return fmt.Errorf("%w: field %q in index %q is mapped as %q, requested %q",
			ErrMappingConflict, field, index, existingType, fieldType)
	}

	slog.Debug("adding field mapping", "index", index, "field", field, "type", fieldType)
	return client.PutMapping(ctx, index, map[string]string{field: fieldType})
}

// AliasResolver разрешает имена, которые могут оказаться алиасами, и
// запоминает результат: разрешение стабильно на время запуска свипера.
type AliasResolver struct {
	client dsclient.Client
	memo   *lru.Cache[string, string]
}

const aliasMemoSize = 128

// NewAliasResolver ...
func NewAliasResolver(client dsclient.Client) (*AliasResolver, error) {
	memo, err := lru.New[string, string](aliasMemoSize)
	if err != nil {
		return nil, fmt.Errorf("registry: construct alias memo: %w", err)
	}
	return &AliasResolver{client: client, memo: memo}, nil
}

// Resolve возвращает фактическое имя индекса для имени, которое может быть
// как индексом, так и алиасом.
func (r *AliasResolver) Resolve(ctx context.Context, name string) (string, error) {
	if resolved, ok := r.memo.Get(name); ok {
		return resolved, nil
	}

	isIndex, err := r.client.IndexExists(ctx, name)
	if err != nil {
		return "", err
	}
	if isIndex {
		r.memo.Add(name, name)
		return name, nil
	}

	isAlias, err := r.client.AliasExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !isAlias {
		return "", fmt.Errorf("registry: could not resolve index or alias %q", name)
	}

	indexes, err := r.client.ResolveAlias(ctx, name)
	if err != nil {
		return "", err
	}
	resolved := indexes[0]
	slog.Debug("resolved alias", "alias", name, "index", resolved)
	r.memo.Add(name, resolved)
	return resolved, nil
}
