// Package manifest assembles and parses image manifests.
//
// The set of manifest formats an image can be built in is closed: Docker
// Image Manifest V2 Schema 2 and OCI. Assemble is the single place that
// dispatches on the format; the per-format JSON structures live in the
// schema2 and ocischema subpackages.
package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/distribution/imagebuilder/manifest/manifestlist"
	"github.com/distribution/imagebuilder/manifest/ocischema"
	"github.com/distribution/imagebuilder/manifest/schema2"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// mediaTypeSchema1 and mediaTypeSignedSchema1 are recognized only to
	// be rejected with a useful message.
	mediaTypeSchema1       = "application/vnd.docker.distribution.manifest.v1+json"
	mediaTypeSignedSchema1 = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

// ErrUnsupportedMediaType is returned when a manifest media type cannot be
// handled.
var ErrUnsupportedMediaType = errors.New("unsupported manifest media type")

// Format selects the manifest and configuration format of a built image. The
// zero value is FormatDockerV22.
type Format int

const (
	// FormatDockerV22 is the Docker Image Manifest V2, Schema 2 format.
	FormatDockerV22 Format = iota

	// FormatOCI is the OCI image manifest format.
	FormatOCI
)

// ParseFormat parses "Docker" or "OCI", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "docker", "dockerv22", "v22", "":
		return FormatDockerV22, nil
	case "oci":
		return FormatOCI, nil
	}
	return 0, fmt.Errorf("unknown image format %q: must be one of Docker, OCI", s)
}

func (f Format) String() string {
	switch f {
	case FormatDockerV22:
		return "Docker"
	case FormatOCI:
		return "OCI"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ManifestMediaType returns the media type of manifests in format f.
func (f Format) ManifestMediaType() string {
	if f == FormatOCI {
		return v1.MediaTypeImageManifest
	}
	return schema2.MediaTypeManifest
}

// ConfigMediaType returns the media type of the configuration blob.
func (f Format) ConfigMediaType() string {
	if f == FormatOCI {
		return v1.MediaTypeImageConfig
	}
	return schema2.MediaTypeImageConfig
}

// LayerMediaType returns the media type of gzip compressed layers.
func (f Format) LayerMediaType() string {
	if f == FormatOCI {
		return v1.MediaTypeImageLayerGzip
	}
	return schema2.MediaTypeLayer
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (f *Format) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (f Format) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// Manifest is a parsed manifest of any supported media type.
type Manifest interface {
	// References returns the descriptors this manifest points to. For image
	// manifests the configuration comes first; for lists and indexes each
	// descriptor carries its platform.
	References() []v1.Descriptor

	// Payload returns the media type and canonical bytes of the manifest.
	Payload() (mediaType string, payload []byte, err error)
}

// Unmarshal parses payload according to mediaType. Docker schema 2
// manifests, Docker manifest lists, OCI manifests and OCI indexes are
// supported.
func Unmarshal(mediaType string, payload []byte) (Manifest, v1.Descriptor, error) {
	// Some registries return a parameterized content type.
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}

	var (
		m    Manifest
		desc v1.Descriptor
		err  error
	)
	switch mediaType {
	case schema2.MediaTypeManifest:
		m, desc, err = unmarshalAs(schema2.Unmarshal, payload)
	case manifestlist.MediaTypeManifestList:
		m, desc, err = unmarshalAs(manifestlist.Unmarshal, payload)
	case v1.MediaTypeImageManifest:
		m, desc, err = unmarshalAs(ocischema.UnmarshalManifest, payload)
	case v1.MediaTypeImageIndex:
		m, desc, err = unmarshalAs(ocischema.UnmarshalIndex, payload)
	case mediaTypeSchema1, mediaTypeSignedSchema1:
		return nil, v1.Descriptor{}, fmt.Errorf("%w: schema1 manifests are not supported", ErrUnsupportedMediaType)
	default:
		return nil, v1.Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
	if err != nil {
		return nil, v1.Descriptor{}, err
	}
	return m, desc, nil
}

func unmarshalAs[M Manifest](fn func([]byte) (M, v1.Descriptor, error), payload []byte) (Manifest, v1.Descriptor, error) {
	m, desc, err := fn(payload)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}
	return m, desc, nil
}

// AcceptedMediaTypes lists the media types Unmarshal supports, in order of
// preference, for use in Accept headers.
func AcceptedMediaTypes() []string {
	return []string{
		v1.MediaTypeImageIndex,
		manifestlist.MediaTypeManifestList,
		v1.MediaTypeImageManifest,
		schema2.MediaTypeManifest,
	}
}

// IsList reports whether m references other manifests rather than layers.
func IsList(m Manifest) bool {
	switch m.(type) {
	case *manifestlist.DeserializedManifestList, *ocischema.DeserializedImageIndex:
		return true
	}
	return false
}

// ConfigAndLayers returns the configuration and layer descriptors of an
// image manifest. ok is false for lists and indexes.
func ConfigAndLayers(m Manifest) (config v1.Descriptor, layers []v1.Descriptor, ok bool) {
	switch m := m.(type) {
	case *schema2.DeserializedManifest:
		return m.Config, m.Layers, true
	case *ocischema.DeserializedManifest:
		return m.Config, m.Layers, true
	}
	return v1.Descriptor{}, nil, false
}

// SelectPlatform returns the descriptor of the image manifest for os/arch
// within a manifest list or OCI index.
func SelectPlatform(m Manifest, os, architecture, variant string) (v1.Descriptor, error) {
	if !IsList(m) {
		return v1.Descriptor{}, errors.New("manifest is not a list or index")
	}
	return manifestlist.FindPlatform(m.References(), os, architecture, variant)
}
