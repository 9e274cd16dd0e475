package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

func testVault(t *testing.T) (*AESVault, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "crm_token", []byte("s3cret")))

	got, err := v.Resolve(ctx, "crm_token")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(got))

	raw, err := s.GetSecret(ctx, "crm_token")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	salt, err := NewSalt()
	require.NoError(t, err)

	a, err := NewAESVault(s, VaultConfig{Passphrase: "correct horse", Salt: salt, Iterations: 1000})
	require.NoError(t, err)
	require.NoError(t, a.Store(ctx, "k", []byte("v")))

	// Same passphrase and salt decrypt what another instance wrote.
	b, err := NewAESVault(s, VaultConfig{Passphrase: "correct horse", Salt: salt, Iterations: 1000})
	require.NoError(t, err)
	got, err := b.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	wrong, err := NewAESVault(s, VaultConfig{Passphrase: "battery staple", Salt: salt, Iterations: 1000})
	require.NoError(t, err)
	_, err = wrong.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeSecret))
}

func TestAESVault_ListDeleteOverwrite(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "b", []byte("1")))
	require.NoError(t, v.Store(ctx, "a", []byte("1")))
	require.NoError(t, v.Store(ctx, "a", []byte("2")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	got, err := v.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	require.NoError(t, v.Delete(ctx, "b"))
	_, err = v.Resolve(ctx, "b")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "x", []byte("same")))
	first, _ := s.GetSecret(ctx, "x")
	require.NoError(t, v.Store(ctx, "x", []byte("same")))
	second, _ := s.GetSecret(ctx, "x")
	assert.NotEqual(t, first, second)
}

func TestAESVault_RejectsBadKeys(t *testing.T) {
	v, _ := testVault(t)
	err := v.Store(context.Background(), "has space", []byte("x"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNewAESVault_ConfigErrors(t *testing.T) {
	s := store.NewMemoryStore()
	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short master key", VaultConfig{MasterKey: []byte("short")}},
		{"nothing", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESVault(s, tt.cfg)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestReferences(t *testing.T) {
	cfg := map[string]any{
		"url": "https://api.example.com/${{ input.id }}",
		"auth": map[string]any{
			"type":  "bearer",
			"token": "${{secrets.crm_token}}",
		},
		"headers": map[string]any{"X-Key": "k=${{ secrets.api-key }};${{secrets.crm_token}}"},
		"list":    []any{"${{secrets.zeta}}"},
	}
	assert.Equal(t, []string{"api-key", "crm_token", "zeta"}, References(cfg))
	assert.Empty(t, References("${{ input.secrets }}"))
}

func TestBind(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "crm_token", []byte("tok")))

	data := map[string]any{"input": map[string]any{"id": 1}}

	same, err := Bind(ctx, v, map[string]any{"url": "https://x"}, data)
	require.NoError(t, err)
	assert.NotContains(t, same, ContextKey)

	bound, err := Bind(ctx, v, map[string]any{"token": "${{secrets.crm_token}}"}, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"crm_token": "tok"}, bound[ContextKey])
	assert.NotContains(t, data, ContextKey, "input context untouched")

	_, err = Bind(ctx, v, "${{secrets.missing}}", data)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = Bind(ctx, nil, "${{secrets.crm_token}}", data)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSecret))
}
