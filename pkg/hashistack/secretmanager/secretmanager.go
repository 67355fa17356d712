package secretmanager

import (
	"context"
	"fmt"
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// MountPath is the KV v2 engine holding per-environment service secrets.
const MountPath = "secret"

// ProvideVault builds a client from VAULT_ADDR, VAULT_TOKEN and friends.
func ProvideVault() (*vault.Client, error) {
	return vault.New(
		vault.WithEnvironment(),
		vault.WithRequestTimeout(10*time.Second),
	)
}

// Secrets is the data map of a single KV v2 secret.
type Secrets map[string]any

// String returns the value at key, or "" when missing or not a string.
func (s Secrets) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Read fetches the latest version of the secret at path.
func Read(ctx context.Context, client *vault.Client, path string) (Secrets, error) {
	resp, err := client.Secrets.KvV2Read(ctx, path, vault.WithMountPath(MountPath))
	if err != nil {
		return nil, fmt.Errorf("read secret %s/%s: %w", MountPath, path, err)
	}
	return Secrets(resp.Data.Data), nil
}
