// Package secrets keeps credentials for step configurations encrypted at
// rest. Configurations reference them as ${{secrets.KEY}}.
package secrets

import (
	"context"
	"maps"
	"regexp"
	"slices"

	"github.com/rendis/taskflow/pkg/schema"
)

// Vault stores and resolves named secrets.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Resolver is the read side of a Vault.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// ContextKey is the context root secret references resolve under.
const ContextKey = "secrets"

var refPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z0-9_-]+)\s*\}\}`)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidKey reports whether key can be referenced from a configuration.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// References returns the sorted, distinct secret keys referenced by strings
// anywhere in v.
func References(v any) []string {
	seen := map[string]bool{}
	collect(v, seen)
	return slices.Sorted(maps.Keys(seen))
}

func collect(v any, seen map[string]bool) {
	switch val := v.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
			seen[m[1]] = true
		}
	case map[string]any:
		for _, item := range val {
			collect(item, seen)
		}
	case []any:
		for _, item := range val {
			collect(item, seen)
		}
	case []string:
		for _, item := range val {
			collect(item, seen)
		}
	}
}

// Bind returns a shallow copy of data with every secret referenced by cfg
// decrypted under ContextKey. data itself is returned when cfg references
// nothing, so plaintext never reaches the stored execution context.
func Bind(ctx context.Context, r Resolver, cfg any, data map[string]any) (map[string]any, error) {
	keys := References(cfg)
	if len(keys) == 0 {
		return data, nil
	}
	if r == nil {
		return nil, schema.NewErrorf(schema.ErrCodeSecret, "secrets %v referenced but no vault is configured", keys)
	}
	values := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := r.Resolve(ctx, k)
		if err != nil {
			return nil, err
		}
		values[k] = string(v)
	}
	out := maps.Clone(data)
	if out == nil {
		out = map[string]any{}
	}
	out[ContextKey] = values
	return out, nil
}
