package credentials

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RegistryCredentials holds the credentials resolved for each registry
// during one build. Each registry is resolved at most once; concurrent
// callers for the same registry share the lookup. Failed lookups are not
// remembered.
type RegistryCredentials struct {
	mu       sync.Mutex
	resolved map[string]Resolution
	group    singleflight.Group
}

// NewRegistryCredentials returns an empty cache.
func NewRegistryCredentials() *RegistryCredentials {
	return &RegistryCredentials{resolved: make(map[string]Resolution)}
}

// Resolve returns the cached resolution for registry or resolves it through
// chain.
func (rc *RegistryCredentials) Resolve(ctx context.Context, registry string, chain *Chain) (Resolution, error) {
	if res, ok := rc.Get(registry); ok {
		return res, nil
	}

	v, err, _ := rc.group.Do(registry, func() (any, error) {
		if res, ok := rc.Get(registry); ok {
			return res, nil
		}
		res, err := chain.Resolve(ctx, registry)
		if err != nil {
			return res, err
		}

		rc.mu.Lock()
		rc.resolved[registry] = res
		rc.mu.Unlock()
		return res, nil
	})
	return v.(Resolution), err
}

// Get returns the resolution cached for registry.
func (rc *RegistryCredentials) Get(registry string) (Resolution, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	res, ok := rc.resolved[registry]
	return res, ok
}

// Set records credentials for registry, replacing any earlier resolution.
func (rc *RegistryCredentials) Set(registry string, cred Credential, source string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.resolved[registry] = Resolution{Registry: registry, Credential: cred, Source: source}
}
