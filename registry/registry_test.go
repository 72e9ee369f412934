package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrysweepers/dsclient"
)

func TestResolveMultitenantIndexName(t *testing.T) {
	// без арендатора имя проходит без валидации
	name, err := ResolveMultitenantIndexName("", "registry")
	require.NoError(t, err)
	assert.Equal(t, "registry", name)

	name, err = ResolveMultitenantIndexName("", "custom-index")
	require.NoError(t, err)
	assert.Equal(t, "custom-index", name)

	for _, logical := range []string{"registry", "registry-refs", "registry-dd"} {
		name, err = ResolveMultitenantIndexName("geo", logical)
		require.NoError(t, err)
		assert.Equal(t, "geo-"+logical, name)
	}

	_, err = ResolveMultitenantIndexName("geo", "custom-index")
	assert.ErrorIs(t, err, ErrUnsupportedIndex)
}

func TestEnsureIndexMapping(t *testing.T) {
	ctx := context.Background()
	fake := &dsclient.Fake{
		GetMappingFunc: func(ctx context.Context, index string) (map[string]string, error) {
			return map[string]string{"ops:Sweepers/provenance_version": "integer"}, nil
		},
	}

	// существующее поле того же типа — no-op
	err := EnsureIndexMapping(ctx, fake, "registry", "ops:Sweepers/provenance_version", "integer")
	require.NoError(t, err)
	assert.Empty(t, fake.PutMappings("registry"))

	// конфликт типов
	err = EnsureIndexMapping(ctx, fake, "registry", "ops:Sweepers/provenance_version", "keyword")
	assert.ErrorIs(t, err, ErrMappingConflict)

	// отсутствующее поле добавляется
	err = EnsureIndexMapping(ctx, fake, "registry", "ops:Sweepers/ancestry_version", "integer")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ops:Sweepers/ancestry_version": "integer"}, fake.PutMappings("registry"))
}

func TestAliasResolverDirectIndex(t *testing.T) {
	ctx := context.Background()
	indexExistsCalls := 0
	fake := &dsclient.Fake{
		IndexExistsFunc: func(ctx context.Context, name string) (bool, error) {
			indexExistsCalls++
			return true, nil
		},
	}

	resolver, err := NewAliasResolver(fake)
	require.NoError(t, err)

	name, err := resolver.Resolve(ctx, "registry")
	require.NoError(t, err)
	assert.Equal(t, "registry", name)

	// повторный вызов обслуживается из мемо
	name, err = resolver.Resolve(ctx, "registry")
	require.NoError(t, err)
	assert.Equal(t, "registry", name)
	assert.Equal(t, 1, indexExistsCalls)
}

func TestAliasResolverFollowsAlias(t *testing.T) {
	ctx := context.Background()
	fake := &dsclient.Fake{
		IndexExistsFunc: func(ctx context.Context, name string) (bool, error) {
			return false, nil
		},
		AliasExistsFunc: func(ctx context.Context, name string) (bool, error) {
			return name == "registry", nil
		},
		ResolveAliasFunc: func(ctx context.Context, name string) ([]string, error) {
			return []string{"geo-registry-v2"}, nil
		},
	}

	resolver, err := NewAliasResolver(fake)
	require.NoError(t, err)

	name, err := resolver.Resolve(ctx, "registry")
	require.NoError(t, err)
	assert.Equal(t, "geo-registry-v2", name)

	_, err = resolver.Resolve(ctx, "missing")
	assert.Error(t, err)
}
