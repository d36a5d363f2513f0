// Package reference parses and represents image references of the form
// registry/repository:tag or registry/repository@digest.
//
// Grammar
//
//	reference   := [registry '/'] repository [ ":" tag ] [ "@" digest ]
//	registry    := a first path component containing '.' or ':', or "localhost"
//	repository  := component ['/' component]*
//	tag         := /[\w][\w.-]{0,127}/
//
// A reference without a registry refers to Docker Hub; a reference without
// a tag or digest refers to the "latest" tag.
package reference

import (
	"fmt"
	"strings"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

const (
	// DefaultRegistry is the registry used when a reference names none.
	DefaultRegistry = "docker.io"

	// DefaultTag is the tag used when a reference names neither tag nor
	// digest.
	DefaultTag = "latest"

	// dockerHubAPIHost serves the registry API for DefaultRegistry.
	dockerHubAPIHost = "registry-1.docker.io"
)

// Image is an immutable, fully qualified image reference. Image is
// comparable and can be used as a map key; keys also distinguish a "latest"
// tag that was written out from one that was implied. Use Equal to compare
// the referenced image only.
type Image struct {
	registry   string
	repository string
	tag        string
	digest     digest.Digest

	// implicitTag is set when neither tag nor digest was given.
	implicitTag bool
}

// Parse parses s into an Image, applying the default registry and tag.
func Parse(s string) (Image, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Image{}, &imagebuilder.InvalidReferenceError{Reference: s, Err: err}
	}
	if domain := reference.Domain(named); !isRegistryHost(domain) {
		return Image{}, &imagebuilder.InvalidReferenceError{
			Reference: s,
			Err:       fmt.Errorf("registry %q is not a valid registry host", domain),
		}
	}

	img := Image{
		registry:   reference.Domain(named),
		repository: reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		img.tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		img.digest = digested.Digest()
	}
	if img.tag == "" && img.digest == "" {
		img.tag = DefaultTag
		img.implicitTag = true
	}
	return img, nil
}

// isRegistryHost reports whether the first path component of a reference
// names a registry: it contains '.' or ':', or is "localhost".
func isRegistryHost(domain string) bool {
	return strings.ContainsAny(domain, ".:") || domain == "localhost"
}

// Of composes an Image from discrete fields. An empty registry means the
// default registry; tagOrDigest may be empty, a tag, or a digest.
func Of(registry, repository, tagOrDigest string) (Image, error) {
	var b strings.Builder
	if registry != "" {
		b.WriteString(registry)
		b.WriteByte('/')
	}
	b.WriteString(repository)

	if tagOrDigest != "" {
		if _, err := digest.Parse(tagOrDigest); err == nil {
			b.WriteByte('@')
		} else {
			b.WriteByte(':')
		}
		b.WriteString(tagOrDigest)
	}

	img, err := Parse(b.String())
	if err != nil {
		return Image{}, err
	}
	// A single-segment repository on an explicit registry stays as given;
	// only Docker Hub gets the library/ prefix.
	if registry != "" && registry != DefaultRegistry && img.registry != registry {
		return Image{}, &imagebuilder.InvalidReferenceError{
			Reference: b.String(),
			Err:       fmt.Errorf("registry %q is not a valid registry host", registry),
		}
	}
	return img, nil
}

// MustParse is like Parse but panics on error. It is meant for tests and
// constants.
func MustParse(s string) Image {
	img, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return img
}

// Registry returns the registry host, e.g. "gcr.io" or "localhost:5000".
func (i Image) Registry() string { return i.registry }

// Repository returns the repository path within the registry.
func (i Image) Repository() string { return i.repository }

// Tag returns the tag, or the empty string for digest-only references.
func (i Image) Tag() string { return i.tag }

// Digest returns the digest, or the empty digest if the reference has none.
func (i Image) Digest() digest.Digest { return i.digest }

// IsZero reports whether i is the zero Image.
func (i Image) IsZero() bool { return i == Image{} }

// UsesDefaultTag reports whether the reference named neither tag nor digest
// and so resolves through the default "latest" tag. An explicit ":latest"
// does not count. Such references are not reproducible.
func (i Image) UsesDefaultTag() bool {
	return i.implicitTag
}

// TagOrDigest returns the identifier to use in manifest URLs. The digest is
// preferred when both are present.
func (i Image) TagOrDigest() string {
	if i.digest != "" {
		return i.digest.String()
	}
	return i.tag
}

// WithTag returns a copy of i pointing at tag instead of its current tag or
// digest.
func (i Image) WithTag(tag string) (Image, error) {
	return Of(i.registry, i.repository, tag)
}

// Named returns the repository name as a distribution reference, without tag
// or digest.
func (i Image) Named() reference.Named {
	named, err := reference.WithName(i.registry + "/" + i.repository)
	if err != nil {
		// Image values are only produced by Parse, which validated the name.
		panic(err)
	}
	return named
}

// APIHost returns the host serving the registry API for the reference.
func (i Image) APIHost() string {
	if i.registry == DefaultRegistry {
		return dockerHubAPIHost
	}
	return i.registry
}

// String returns the full reference.
func (i Image) String() string {
	s := i.registry + "/" + i.repository
	if i.tag != "" {
		s += ":" + i.tag
	}
	if i.digest != "" {
		s += "@" + i.digest.String()
	}
	return s
}

// Equal reports whether i and other refer to the same image. Whether the
// tag was implied is ignored.
func (i Image) Equal(other Image) bool {
	return i.registry == other.registry &&
		i.repository == other.repository &&
		i.tag == other.tag &&
		i.digest == other.digest
}
