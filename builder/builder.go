// Package builder runs image builds.
//
// A build resolves credentials for the base and target registries, reads
// the base image, builds the application layers through the layer cache and
// then hands the image to its target: a registry, the local Docker daemon,
// or a Docker build context on disk. Base layers, application layers and
// blob pushes are processed in parallel, bounded by the configured
// concurrency.
package builder

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/configuration"
	"github.com/distribution/imagebuilder/credentials"
	"github.com/distribution/imagebuilder/daemon"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/internal/uuid"
	"github.com/distribution/imagebuilder/layer"
	"github.com/distribution/imagebuilder/layer/cache"
	"github.com/distribution/imagebuilder/manifest"
	prometheus "github.com/distribution/imagebuilder/metrics"
	"github.com/distribution/imagebuilder/notifications"
	"github.com/distribution/imagebuilder/reference"
	"github.com/distribution/imagebuilder/registry/client"
	events "github.com/docker/go-events"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
)

// DefaultPlatform is selected from multi-platform base images.
var DefaultPlatform = v1.Platform{OS: "linux", Architecture: "amd64"}

var (
	stageTimer   = prometheus.BuildNamespace.NewLabeledTimer("stage", "The time taken by build stages", "stage")
	buildCounter = prometheus.BuildNamespace.NewLabeledCounter("builds", "The number of builds by target and result", "target", "result")
)

// Options are the run time settings of a build that are not part of the
// image configuration.
type Options struct {
	Target Target

	// ContextDir is where TargetBuildContext writes the build context.
	ContextDir string

	// Sink receives build events. Events are logged when nil.
	Sink events.Sink

	// Loader receives the image for TargetDaemon. A Docker API client
	// configured from the environment is used when nil.
	Loader daemon.Loader

	// Platform selects the image from multi-platform base images.
	// DefaultPlatform is used when OS is empty.
	Platform v1.Platform

	// Credentials caches resolved credentials, and may be shared between
	// builds. A fresh cache is used when nil.
	Credentials *credentials.RegistryCredentials

	// CredentialRunner runs credential helpers.
	CredentialRunner credentials.Runner

	DockerConfigPath    string
	DisableDockerConfig bool

	HTTPClient *http.Client

	// RetryMax overrides the number of retries of registry requests.
	// Negative disables retries.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	ChunkSize    int64
}

// Result describes a finished build.
type Result struct {
	Target         Target
	ImageReference reference.Image

	// ManifestDigest is the digest of the published manifest.
	ManifestDigest digest.Digest

	// ConfigDigest is the image ID.
	ConfigDigest digest.Digest

	Layers []v1.Descriptor

	// ContextDir is set for TargetBuildContext.
	ContextDir string

	// DaemonOutput is what the daemon reported when loading the image.
	DaemonOutput string
}

// Builder builds images from one configuration. A Builder may be run more
// than once.
type Builder struct {
	cfg  *configuration.BuildConfiguration
	opts Options
}

// New returns a Builder for cfg.
func New(cfg *configuration.BuildConfiguration, opts Options) *Builder {
	if opts.Platform.OS == "" {
		opts.Platform = DefaultPlatform
	}
	return &Builder{cfg: cfg, opts: opts}
}

// Run builds the image. Failed stages return a *StageError wrapping the
// typed cause; cancellation of ctx returns *imagebuilder.CancellationError.
// Blobs pushed before a failure are left in the registry.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	ctx = dcontext.WithBuildID(ctx, uuid.NewString())
	logger := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"target": b.opts.Target.String(),
		"image":  b.cfg.TargetImage().String(),
	})
	ctx = dcontext.WithLogger(ctx, logger)

	sink := b.opts.Sink
	if sink == nil {
		sink = notifications.NewLogSink(logger)
	}
	queue := notifications.NewQueue(sink)
	defer queue.Close()

	r := &run{
		Builder: b,
		bridge:  notifications.NewBridge(dcontext.GetBuildID(ctx), queue),
		result: &Result{
			Target:         b.opts.Target,
			ImageReference: b.cfg.TargetImage(),
		},
	}

	for _, stage := range b.opts.Target.stages() {
		if err := r.runStage(ctx, stage); err != nil {
			var cerr *imagebuilder.CancellationError
			if errors.As(err, &cerr) {
				buildCounter.WithValues(b.opts.Target.String(), "canceled").Inc(1)
			} else {
				buildCounter.WithValues(b.opts.Target.String(), "failure").Inc(1)
			}
			return nil, err
		}
	}
	buildCounter.WithValues(b.opts.Target.String(), "success").Inc(1)
	return r.result, nil
}

// DefaultCacheDirectory is the layer cache used when none is configured.
func DefaultCacheDirectory() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imagebuilder"), nil
}

// run is the state of one build.
type run struct {
	*Builder

	bridge *notifications.Bridge
	result *Result

	format manifest.Format
	cache  *cache.Cache
	base   *client.Repository
	target *client.Repository

	baseConfig *v1.Image
	baseLayers []manifest.Layer
	appLayers  []layer.Layer
	image      *manifest.Image
}

func (r *run) runStage(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return &imagebuilder.CancellationError{Stage: stage.String(), Err: err}
	}

	r.notify(ctx, r.bridge.StageStarted(stage.String()))
	start := time.Now()
	err := r.stageFunc(stage)(ctx)
	stageTimer.WithValues(stage.String()).UpdateSince(start)

	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return &imagebuilder.CancellationError{Stage: stage.String(), Err: cerr}
		}
		return &StageError{Stage: stage, Err: err}
	}
	r.notify(ctx, r.bridge.StageDone(stage.String(), time.Since(start)))
	return nil
}

func (r *run) stageFunc(stage Stage) func(context.Context) error {
	switch stage {
	case StageResolveConfig:
		return r.resolveConfig
	case StageResolveCredentials:
		return r.resolveCredentials
	case StageFetchBaseManifest:
		return r.fetchBaseManifest
	case StageFetchBaseLayers:
		return r.fetchBaseLayers
	case StageBuildAppLayers:
		return r.buildAppLayers
	case StagePush:
		return r.push
	case StageExportLocal:
		return r.exportLocal
	case StageAssembleAndPublish:
		return r.publish
	}
	return r.done
}

func (r *run) notify(ctx context.Context, err error) {
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("dropping build event: %v", err)
	}
}

// parallel calls fn for 0..n-1 with at most the configured concurrency. The
// first error cancels the remaining calls.
func (r *run) parallel(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

func (r *run) resolveConfig(ctx context.Context) error {
	logger := dcontext.GetLogger(ctx)

	if r.opts.Target == TargetBuildContext {
		if r.opts.ContextDir == "" {
			return &imagebuilder.ConfigurationError{Problems: []string{"build context directory is required but not set"}}
		}
		return nil
	}

	r.format = r.cfg.TargetFormat()
	if r.opts.Target == TargetDaemon && r.format != manifest.FormatDockerV22 {
		logger.Warnf("the Docker daemon only loads %s images, ignoring format %s", manifest.FormatDockerV22, r.format)
		r.format = manifest.FormatDockerV22
	}

	params := r.cfg.CacheParameters()
	if params["directory"] == "" {
		dir, err := DefaultCacheDirectory()
		if err != nil {
			return &imagebuilder.ConfigurationError{Problems: []string{"cache directory is not set and no default is available"}}
		}
		params["directory"] = dir
	}
	c, err := cache.FromParameters(params)
	if err != nil {
		return err
	}
	r.cache = c
	logger.Debugf("using layer cache %s", c.Directory())
	return nil
}

func (r *run) done(ctx context.Context) error {
	logger := dcontext.GetLogger(ctx)
	switch r.opts.Target {
	case TargetBuildContext:
		logger.Infof("created Docker context at %s", r.result.ContextDir)
	default:
		logger.Infof("built image %s with ID %s", r.result.ImageReference, r.result.ConfigDigest)
	}
	return nil
}
