package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"oras.land/oras-go/v2/registry/remote/auth"
	orascreds "oras.land/oras-go/v2/registry/remote/credentials"
)

// DefaultDockerConfigPath returns $DOCKER_CONFIG/config.json, falling back to
// ~/.docker/config.json.
func DefaultDockerConfigPath() string {
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return filepath.Join(dir, "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".docker", "config.json")
}

// DockerConfig reads the "auths" section of a docker config.json file.
type DockerConfig struct {
	// Path of the config file. DefaultDockerConfigPath is used when empty.
	Path string
}

// Retrieve implements Retriever.
func (d *DockerConfig) Retrieve(ctx context.Context, registry string) (Credential, error) {
	path := d.Path
	if path == "" {
		path = DefaultDockerConfigPath()
	}
	if path == "" {
		return Anonymous, fmt.Errorf("docker config: %w", ErrNotFound)
	}

	store, err := orascreds.NewFileStore(path)
	if err != nil {
		return Anonymous, fmt.Errorf("reading docker config %s: %w", path, err)
	}

	cred, err := store.Get(ctx, orascreds.ServerAddressFromRegistry(registry))
	if err != nil {
		return Anonymous, fmt.Errorf("reading docker config %s: %w", path, err)
	}
	if cred == auth.EmptyCredential {
		return Anonymous, fmt.Errorf("docker config %s: %w", path, ErrNotFound)
	}

	return Credential{
		Username:      cred.Username,
		Secret:        cred.Password,
		IdentityToken: cred.RefreshToken,
	}, nil
}
