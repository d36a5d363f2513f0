// Package credentials resolves registry authentication material.
//
// Credentials are looked up through a Chain of Retrievers, consulted in
// order until one of them produces a credential: explicitly configured
// credentials, a docker credential helper, the docker config.json store and
// finally anonymous access. RegistryCredentials caches the outcome per
// registry for the lifetime of a build.
package credentials

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Retriever that has no credentials for the
// requested registry.
var ErrNotFound = errors.New("credentials not found")

// Credential is the authentication material for one registry. The zero value
// means anonymous access.
type Credential struct {
	Username string
	Secret   string

	// IdentityToken is a refresh token exchanged at the token endpoint. When
	// set, Username and Secret are not sent.
	IdentityToken string
}

// Anonymous is the credential used when no other source produced one.
var Anonymous = Credential{}

// IsAnonymous reports whether c carries no authentication material.
func (c Credential) IsAnonymous() bool {
	return c == Anonymous
}

// String never prints the secret.
func (c Credential) String() string {
	switch {
	case c.IsAnonymous():
		return "anonymous"
	case c.IdentityToken != "":
		return "identity-token"
	default:
		return c.Username + ":<redacted>"
	}
}

// Retriever looks up credentials for a registry host. Implementations return
// ErrNotFound, possibly wrapped, when they have nothing for the host.
type Retriever interface {
	Retrieve(ctx context.Context, registry string) (Credential, error)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, registry string) (Credential, error)

// Retrieve calls f.
func (f RetrieverFunc) Retrieve(ctx context.Context, registry string) (Credential, error) {
	return f(ctx, registry)
}

// Static returns a Retriever that always yields c. An anonymous c yields
// ErrNotFound so that the chain keeps looking.
func Static(c Credential) Retriever {
	return RetrieverFunc(func(context.Context, string) (Credential, error) {
		if c.IsAnonymous() {
			return Anonymous, ErrNotFound
		}
		return c, nil
	})
}
