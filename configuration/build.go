package configuration

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/credentials"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/layer"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/reference"
)

// DefaultConcurrency bounds parallel layer builds and transfers when no limit
// is configured.
const DefaultConcurrency = 4

// Builder is a mutable draft of a BuildConfiguration. The zero value is not
// usable; create one with NewBuilder.
type Builder struct {
	logger dcontext.Logger

	baseImage   reference.Image
	targetImage reference.Image

	baseCredentialHelper   string
	targetCredentialHelper string
	knownBaseCredentials   credentials.Credential
	knownTargetCredentials credentials.Credential

	mainClass     string
	javaArguments []string
	jvmFlags      []string
	environment   map[string]string
	exposedPorts  []string
	labels        map[string]string
	creationTime  time.Time

	format          manifest.Format
	layers          []layer.Source
	cacheDirectory  string
	cacheParameters map[string]interface{}
	allowInsecure   bool
	concurrency     int
}

// NewBuilder returns an empty draft. Validation warnings go to logger; nil
// uses the default logger.
func NewBuilder(logger dcontext.Logger) *Builder {
	if logger == nil {
		logger = dcontext.GetLogger(context.Background())
	}
	return &Builder{logger: logger}
}

// SetBaseImage sets the image the application layers are added on top of.
func (b *Builder) SetBaseImage(ref reference.Image) *Builder {
	b.baseImage = ref
	return b
}

// SetTargetImage sets the image to publish.
func (b *Builder) SetTargetImage(ref reference.Image) *Builder {
	b.targetImage = ref
	return b
}

// SetBaseImageCredentialHelper sets the credential helper suffix for the
// base registry, e.g. "gcr" for docker-credential-gcr.
func (b *Builder) SetBaseImageCredentialHelper(name string) *Builder {
	b.baseCredentialHelper = name
	return b
}

// SetTargetImageCredentialHelper sets the credential helper suffix for the
// target registry.
func (b *Builder) SetTargetImageCredentialHelper(name string) *Builder {
	b.targetCredentialHelper = name
	return b
}

// SetKnownBaseRegistryCredentials sets explicit credentials for the base
// registry.
func (b *Builder) SetKnownBaseRegistryCredentials(c credentials.Credential) *Builder {
	b.knownBaseCredentials = c
	return b
}

// SetKnownTargetRegistryCredentials sets explicit credentials for the target
// registry.
func (b *Builder) SetKnownTargetRegistryCredentials(c credentials.Credential) *Builder {
	b.knownTargetCredentials = c
	return b
}

// SetMainClass sets the fully qualified class the entrypoint runs.
func (b *Builder) SetMainClass(mainClass string) *Builder {
	b.mainClass = mainClass
	return b
}

// SetJavaArguments sets the arguments passed to the main class. They become
// the image's CMD.
func (b *Builder) SetJavaArguments(args []string) *Builder {
	b.javaArguments = slices.Clone(args)
	return b
}

// SetJvmFlags sets the flags placed before -cp in the entrypoint.
func (b *Builder) SetJvmFlags(flags []string) *Builder {
	b.jvmFlags = slices.Clone(flags)
	return b
}

// SetEnvironment sets the container environment. The map is copied.
func (b *Builder) SetEnvironment(env map[string]string) *Builder {
	b.environment = maps.Clone(env)
	return b
}

// SetExposedPorts sets the exposed ports, e.g. "8080" or "53/udp".
func (b *Builder) SetExposedPorts(ports []string) *Builder {
	b.exposedPorts = slices.Clone(ports)
	return b
}

// SetLabels sets the image labels. The map is copied.
func (b *Builder) SetLabels(labels map[string]string) *Builder {
	b.labels = maps.Clone(labels)
	return b
}

// SetCreationTime sets the image creation time. The zero time, the default,
// records the Unix epoch to keep builds reproducible.
func (b *Builder) SetCreationTime(t time.Time) *Builder {
	b.creationTime = t
	return b
}

// SetTargetFormat selects Docker V2.2 or OCI media types.
func (b *Builder) SetTargetFormat(f manifest.Format) *Builder {
	b.format = f
	return b
}

// SetLayers sets the application layers in order. Layers without inputs are
// skipped when the image is built.
func (b *Builder) SetLayers(layers []layer.Source) *Builder {
	b.layers = cloneSources(layers)
	return b
}

// SetCacheDirectory sets the layer cache root. The user cache directory is
// used when empty.
func (b *Builder) SetCacheDirectory(dir string) *Builder {
	b.cacheDirectory = dir
	return b
}

// SetCacheParameters sets additional layer cache parameters such as
// "indexsize". The "directory" parameter is ignored in favour of
// SetCacheDirectory.
func (b *Builder) SetCacheParameters(params map[string]interface{}) *Builder {
	b.cacheParameters = maps.Clone(params)
	return b
}

// SetAllowInsecureRegistries permits plain HTTP and unverified TLS.
func (b *Builder) SetAllowInsecureRegistries(allow bool) *Builder {
	b.allowInsecure = allow
	return b
}

// SetConcurrency bounds parallel layer builds and blob transfers.
func (b *Builder) SetConcurrency(n int) *Builder {
	b.concurrency = n
	return b
}

// Build validates the draft and returns an immutable configuration. Every
// problem found is reported in one *imagebuilder.ConfigurationError.
func (b *Builder) Build() (*BuildConfiguration, error) {
	var problems []string
	if b.baseImage.IsZero() {
		problems = append(problems, "base image is required but not set")
	}
	if b.targetImage.IsZero() {
		problems = append(problems, "target image is required but not set")
	}
	switch {
	case b.mainClass == "":
		problems = append(problems, "main class is required but not set")
	case !IsValidJavaClass(b.mainClass):
		problems = append(problems, fmt.Sprintf("main class '%s' is not a valid Java class name", b.mainClass))
	}
	for _, src := range b.layers {
		if !path.IsAbs(src.ExtractionPath) {
			problems = append(problems, fmt.Sprintf("layer '%s' extraction path '%s' is not absolute", src.Name, src.ExtractionPath))
		}
	}
	if b.concurrency < 0 {
		problems = append(problems, fmt.Sprintf("concurrency %d is negative", b.concurrency))
	}
	if len(problems) > 0 {
		return nil, &imagebuilder.ConfigurationError{Problems: problems}
	}

	if b.baseImage.UsesDefaultTag() {
		b.logger.Warnf("Base image '%s' does not use a specific image digest - build may not be reproducible", b.baseImage)
	}

	concurrency := b.concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	creationTime := b.creationTime
	if creationTime.IsZero() {
		creationTime = time.Unix(0, 0).UTC()
	}

	return &BuildConfiguration{
		baseImage:              b.baseImage,
		targetImage:            b.targetImage,
		baseCredentialHelper:   b.baseCredentialHelper,
		targetCredentialHelper: b.targetCredentialHelper,
		knownBaseCredentials:   b.knownBaseCredentials,
		knownTargetCredentials: b.knownTargetCredentials,
		mainClass:              b.mainClass,
		javaArguments:          slices.Clone(b.javaArguments),
		jvmFlags:               slices.Clone(b.jvmFlags),
		environment:            maps.Clone(b.environment),
		exposedPorts:           slices.Clone(b.exposedPorts),
		labels:                 maps.Clone(b.labels),
		creationTime:           creationTime,
		format:                 b.format,
		layers:                 cloneSources(b.layers),
		cacheDirectory:         b.cacheDirectory,
		cacheParameters:        maps.Clone(b.cacheParameters),
		allowInsecure:          b.allowInsecure,
		concurrency:            concurrency,
	}, nil
}

// BuildConfiguration is a validated, immutable build configuration. Accessors
// return copies.
type BuildConfiguration struct {
	baseImage   reference.Image
	targetImage reference.Image

	baseCredentialHelper   string
	targetCredentialHelper string
	knownBaseCredentials   credentials.Credential
	knownTargetCredentials credentials.Credential

	mainClass     string
	javaArguments []string
	jvmFlags      []string
	environment   map[string]string
	exposedPorts  []string
	labels        map[string]string
	creationTime  time.Time

	format          manifest.Format
	layers          []layer.Source
	cacheDirectory  string
	cacheParameters map[string]interface{}
	allowInsecure   bool
	concurrency     int
}

func (c *BuildConfiguration) BaseImage() reference.Image   { return c.baseImage }
func (c *BuildConfiguration) TargetImage() reference.Image { return c.targetImage }

func (c *BuildConfiguration) BaseImageCredentialHelper() string   { return c.baseCredentialHelper }
func (c *BuildConfiguration) TargetImageCredentialHelper() string { return c.targetCredentialHelper }

func (c *BuildConfiguration) KnownBaseRegistryCredentials() credentials.Credential {
	return c.knownBaseCredentials
}

func (c *BuildConfiguration) KnownTargetRegistryCredentials() credentials.Credential {
	return c.knownTargetCredentials
}

func (c *BuildConfiguration) MainClass() string              { return c.mainClass }
func (c *BuildConfiguration) JavaArguments() []string        { return slices.Clone(c.javaArguments) }
func (c *BuildConfiguration) JvmFlags() []string             { return slices.Clone(c.jvmFlags) }
func (c *BuildConfiguration) Environment() map[string]string { return maps.Clone(c.environment) }
func (c *BuildConfiguration) ExposedPorts() []string         { return slices.Clone(c.exposedPorts) }
func (c *BuildConfiguration) Labels() map[string]string      { return maps.Clone(c.labels) }
func (c *BuildConfiguration) CreationTime() time.Time        { return c.creationTime }
func (c *BuildConfiguration) TargetFormat() manifest.Format  { return c.format }
func (c *BuildConfiguration) Layers() []layer.Source         { return cloneSources(c.layers) }
func (c *BuildConfiguration) CacheDirectory() string         { return c.cacheDirectory }
func (c *BuildConfiguration) AllowInsecureRegistries() bool  { return c.allowInsecure }
func (c *BuildConfiguration) Concurrency() int               { return c.concurrency }

// CacheParameters returns the layer cache parameters including the cache
// directory.
func (c *BuildConfiguration) CacheParameters() map[string]interface{} {
	params := make(map[string]interface{}, len(c.cacheParameters)+1)
	maps.Copy(params, c.cacheParameters)
	params["directory"] = c.cacheDirectory
	return params
}

// Entrypoint returns the java command line starting the main class.
func (c *BuildConfiguration) Entrypoint() []string {
	return manifest.JavaEntrypoint(c.jvmFlags, c.mainClass)
}

// ContainerConfiguration returns the runtime configuration of the image
// before it is merged with the base image configuration.
func (c *BuildConfiguration) ContainerConfiguration() manifest.ContainerConfiguration {
	return manifest.ContainerConfiguration{
		Created:      c.creationTime,
		Entrypoint:   c.Entrypoint(),
		Cmd:          c.JavaArguments(),
		Env:          c.Environment(),
		ExposedPorts: c.ExposedPorts(),
		Labels:       c.Labels(),
	}
}

func cloneSources(sources []layer.Source) []layer.Source {
	if sources == nil {
		return nil
	}
	out := make([]layer.Source, len(sources))
	for i, s := range sources {
		s.Files = slices.Clone(s.Files)
		out[i] = s
	}
	return out
}

// IsValidJavaClass reports whether name is a fully qualified Java class name:
// dot separated Java identifiers.
func IsValidJavaClass(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if !isJavaIdentifier(part) {
			return false
		}
	}
	return true
}

func isJavaIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case unicode.IsLetter(r), r == '_', r == '$':
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
