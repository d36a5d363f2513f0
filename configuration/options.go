package configuration

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/credentials"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/layer"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/reference"
)

// EnvironmentPrefix is the prefix of environment variables overriding options.
const EnvironmentPrefix = "imagebuilder"

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Options is a versioned build options file, optionally modified by
// environment variables.
type Options struct {
	// Version is the version which defines the format of the rest of the file
	Version Version `yaml:"version"`

	// Log configures the logging of the CLI
	Log struct {
		// Level is the granularity at which operations are logged.
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter overrides the default formatter with another. Options
		// include "text" and "json".
		Formatter string `yaml:"formatter,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]interface{} `yaml:"fields,omitempty"`
	} `yaml:"log,omitempty"`

	// Base is the image the application is layered on.
	Base Image `yaml:"base"`

	// Target is the image to publish.
	Target Image `yaml:"target"`

	// Format is the manifest format of the target image, "Docker" or "OCI".
	Format manifest.Format `yaml:"format,omitempty"`

	MainClass   string            `yaml:"mainclass"`
	Args        []string          `yaml:"args,omitempty"`
	JvmFlags    []string          `yaml:"jvmflags,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`

	// CreationTime is an RFC 3339 timestamp. Empty means the Unix epoch.
	CreationTime string `yaml:"creationtime,omitempty"`

	Layers Layers `yaml:"layers,omitempty"`

	// Cache configures the layer cache. The "directory" parameter selects
	// the cache root; other parameters are passed through.
	Cache Parameters `yaml:"cache,omitempty"`

	Registry struct {
		// Insecure allows plain HTTP and unverified TLS.
		Insecure bool `yaml:"insecure,omitempty"`

		// Concurrency bounds parallel layer builds and transfers.
		Concurrency int `yaml:"concurrency,omitempty"`

		// MaxRetries bounds retries of failed registry requests.
		MaxRetries int `yaml:"maxretries,omitempty"`

		// Timeout bounds each registry request.
		Timeout time.Duration `yaml:"timeout,omitempty"`

		// ChunkSize is the size of blob upload chunks. Zero uploads
		// blobs in one request.
		ChunkSize int64 `yaml:"chunksize,omitempty"`
	} `yaml:"registry,omitempty"`
}

// Image selects an image and how to authenticate to its registry.
type Image struct {
	Image            string `yaml:"image"`
	CredentialHelper string `yaml:"credentialhelper,omitempty"`
	Credentials      struct {
		Username      string `yaml:"username,omitempty"`
		Password      string `yaml:"password,omitempty"`
		IdentityToken string `yaml:"identitytoken,omitempty"`
	} `yaml:"credentials,omitempty"`
}

func (i Image) credential() credentials.Credential {
	return credentials.Credential{
		Username:      i.Credentials.Username,
		Secret:        i.Credentials.Password,
		IdentityToken: i.Credentials.IdentityToken,
	}
}

// Layers lists the application inputs per layer.
type Layers struct {
	Dependencies []string `yaml:"dependencies,omitempty"`
	Resources    []string `yaml:"resources,omitempty"`
	Classes      []string `yaml:"classes,omitempty"`

	// Extra layers are added after the application layers.
	Extra []ExtraLayer `yaml:"extra,omitempty"`
}

// ExtraLayer copies Files to Path in the image.
type ExtraLayer struct {
	Name  string   `yaml:"name"`
	Files []string `yaml:"files"`
	Path  string   `yaml:"path"`
}

// Sources returns the layer sources in image order.
func (l Layers) Sources() []layer.Source {
	sources := layer.JavaSources(l.Dependencies, l.Resources, l.Classes)
	for _, extra := range l.Extra {
		sources = append(sources, layer.Source{Name: extra.Name, Files: extra.Files, ExtractionPath: extra.Path})
	}
	return sources
}

// Loglevel is the level at which operations are logged
// This can be error, warn, info, or debug
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface
// Unmarshals a string into a Loglevel, lowercasing the string and validating that it represents a
// valid loglevel
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	if err := unmarshal(&loglevelString); err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// v0_1Options is a Version 0.1 Options struct
// This is currently aliased to Options, as it is the current version
type v0_1Options Options

// Parse parses an options yaml document into an Options struct.
//
// Environment variables may be used to override options other than version,
// following the scheme below:
// Options.Abc may be replaced by the value of IMAGEBUILDER_ABC,
// Options.Abc.Xyz may be replaced by the value of IMAGEBUILDER_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Options, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser(EnvironmentPrefix, []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Options{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				if v0_1, ok := c.(*v0_1Options); ok {
					if v0_1.Log.Level == Loglevel("") {
						v0_1.Log.Level = Loglevel("info")
					}
					return (*Options)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Options, received %#v", c)
			},
		},
	})

	options := new(Options)
	if err := p.Parse(in, options); err != nil {
		return nil, err
	}

	return options, nil
}

// Builder converts the options into a configuration draft. Malformed image
// references fail with *imagebuilder.InvalidReferenceError; missing values are
// left for Builder.Build to report.
func (o *Options) Builder(logger dcontext.Logger) (*Builder, error) {
	b := NewBuilder(logger)

	if o.Base.Image != "" {
		base, err := reference.Parse(o.Base.Image)
		if err != nil {
			return nil, err
		}
		b.SetBaseImage(base)
	}
	if o.Target.Image != "" {
		target, err := reference.Parse(o.Target.Image)
		if err != nil {
			return nil, err
		}
		b.SetTargetImage(target)
	}

	if o.CreationTime != "" {
		created, err := time.Parse(time.RFC3339, o.CreationTime)
		if err != nil {
			return nil, &imagebuilder.ConfigurationError{Problems: []string{
				fmt.Sprintf("creation time '%s' is not an RFC 3339 timestamp", o.CreationTime),
			}}
		}
		b.SetCreationTime(created)
	}

	cacheParams := make(map[string]interface{}, len(o.Cache))
	var cacheDir string
	for k, v := range o.Cache {
		if k == "directory" {
			cacheDir = fmt.Sprint(v)
			continue
		}
		cacheParams[k] = v
	}

	b.SetBaseImageCredentialHelper(o.Base.CredentialHelper).
		SetTargetImageCredentialHelper(o.Target.CredentialHelper).
		SetKnownBaseRegistryCredentials(o.Base.credential()).
		SetKnownTargetRegistryCredentials(o.Target.credential()).
		SetMainClass(o.MainClass).
		SetJavaArguments(o.Args).
		SetJvmFlags(o.JvmFlags).
		SetEnvironment(o.Environment).
		SetExposedPorts(o.Ports).
		SetLabels(o.Labels).
		SetTargetFormat(o.Format).
		SetLayers(o.Layers.Sources()).
		SetCacheDirectory(cacheDir).
		SetCacheParameters(cacheParams).
		SetAllowInsecureRegistries(o.Registry.Insecure).
		SetConcurrency(o.Registry.Concurrency)

	return b, nil
}
