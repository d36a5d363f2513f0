package builder

import (
	"context"
	"fmt"
	"io"

	"github.com/distribution/imagebuilder/credentials"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/reference"
	"github.com/distribution/imagebuilder/registry/client"
	"github.com/distribution/imagebuilder/version"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// maxConfigSize bounds the base image configuration blob.
const maxConfigSize = 8 << 20

func (r *run) chain(known credentials.Credential, helper string) *credentials.Chain {
	return credentials.NewStandardChain(credentials.ChainOptions{
		Known:               known,
		Helper:              helper,
		Runner:              r.opts.CredentialRunner,
		DockerConfigPath:    r.opts.DockerConfigPath,
		DisableDockerConfig: r.opts.DisableDockerConfig,
	})
}

// resolveCredentials resolves the target registry first so that a build
// pulling from and pushing to one registry uses the push credentials for
// both.
func (r *run) resolveCredentials(ctx context.Context) error {
	creds := r.opts.Credentials
	if creds == nil {
		creds = credentials.NewRegistryCredentials()
	}

	if r.opts.Target == TargetRegistry {
		target := r.cfg.TargetImage()
		res, err := creds.Resolve(ctx, target.Registry(),
			r.chain(r.cfg.KnownTargetRegistryCredentials(), r.cfg.TargetImageCredentialHelper()))
		if err != nil {
			return err
		}
		if r.target, err = r.repository(ctx, target, res); err != nil {
			return err
		}
	}

	base := r.cfg.BaseImage()
	res, err := creds.Resolve(ctx, base.Registry(),
		r.chain(r.cfg.KnownBaseRegistryCredentials(), r.cfg.BaseImageCredentialHelper()))
	if err != nil {
		return err
	}
	r.base, err = r.repository(ctx, base, res)
	return err
}

func (r *run) repository(ctx context.Context, ref reference.Image, res credentials.Resolution) (*client.Repository, error) {
	dcontext.GetLoggerWithField(ctx, "registry", ref.Registry()).
		Debugf("using %s credentials for %s", res.Source, ref.Repository())

	opts := []client.Option{
		client.WithCredentials(res),
		client.WithInsecure(r.cfg.AllowInsecureRegistries()),
		client.WithUserAgent(version.UserAgent()),
	}
	if r.opts.HTTPClient != nil {
		opts = append(opts, client.WithHTTPClient(r.opts.HTTPClient))
	}
	switch {
	case r.opts.RetryMax > 0:
		opts = append(opts, client.WithRetryMax(r.opts.RetryMax))
	case r.opts.RetryMax < 0:
		opts = append(opts, client.WithRetryMax(0))
	}
	if r.opts.RetryWaitMin > 0 && r.opts.RetryWaitMax >= r.opts.RetryWaitMin {
		opts = append(opts, client.WithRetryWait(r.opts.RetryWaitMin, r.opts.RetryWaitMax))
	}
	if r.opts.Timeout > 0 {
		opts = append(opts, client.WithTimeout(r.opts.Timeout))
	}
	if r.opts.ChunkSize > 0 {
		opts = append(opts, client.WithChunkSize(r.opts.ChunkSize))
	}
	return client.NewRepository(ref.Named(), client.Endpoint(ref.APIHost()), opts...)
}

// fetchBaseManifest reads the base image manifest and configuration. A
// manifest list or index is resolved to the image for the configured
// platform.
func (r *run) fetchBaseManifest(ctx context.Context) error {
	ref := r.cfg.BaseImage()
	logger := dcontext.GetLoggerWithField(ctx, "base", ref.String())

	mediaType, payload, dgst, err := r.base.PullManifest(ctx, ref.TagOrDigest())
	if err != nil {
		return err
	}
	m, _, err := manifest.Unmarshal(mediaType, payload)
	if err != nil {
		return fmt.Errorf("base image %s: %w", ref, err)
	}

	if manifest.IsList(m) {
		p := r.opts.Platform
		desc, err := manifest.SelectPlatform(m, p.OS, p.Architecture, p.Variant)
		if err != nil {
			return fmt.Errorf("base image %s: %w", ref, err)
		}
		logger.Infof("selected %s/%s image %s from %s", p.OS, p.Architecture, desc.Digest, dgst)

		if mediaType, payload, dgst, err = r.base.PullManifest(ctx, desc.Digest.String()); err != nil {
			return err
		}
		if m, _, err = manifest.Unmarshal(mediaType, payload); err != nil {
			return fmt.Errorf("base image %s: %w", ref, err)
		}
	}

	configDesc, layers, ok := manifest.ConfigAndLayers(m)
	if !ok {
		return fmt.Errorf("base image %s: manifest %s of type %s has no layers", ref, dgst, mediaType)
	}

	rc, err := r.base.PullBlob(ctx, configDesc.Digest)
	if err != nil {
		return err
	}
	b, err := io.ReadAll(io.LimitReader(rc, maxConfigSize))
	rc.Close()
	if err != nil {
		return err
	}
	config, err := manifest.ParseConfig(b)
	if err != nil {
		return fmt.Errorf("base image %s: %w", ref, err)
	}
	if len(config.RootFS.DiffIDs) != len(layers) {
		return fmt.Errorf("base image %s: manifest has %d layers but configuration has %d diff IDs",
			ref, len(layers), len(config.RootFS.DiffIDs))
	}

	r.baseConfig = config
	r.baseLayers = make([]manifest.Layer, len(layers))
	for i, desc := range layers {
		r.baseLayers[i] = manifest.Layer{Descriptor: desc, DiffID: config.RootFS.DiffIDs[i]}
	}
	logger.Infof("base image %s has %d layers", dgst, len(layers))
	return nil
}

// sameRegistry reports whether base layers can be mounted into the target
// repository instead of being transferred.
func (r *run) sameRegistry() bool {
	return r.opts.Target == TargetRegistry && r.cfg.BaseImage().Registry() == r.cfg.TargetImage().Registry()
}

// fetchBaseLayers caches the base layers the target will need. Nothing is
// downloaded when the layers can be mounted, or when the target registry
// already has them.
func (r *run) fetchBaseLayers(ctx context.Context) error {
	if r.sameRegistry() {
		dcontext.GetLogger(ctx).Debugf("base layers will be mounted from %s", r.cfg.BaseImage().Repository())
		return nil
	}

	return r.parallel(ctx, len(r.baseLayers), func(ctx context.Context, i int) error {
		desc := r.baseLayers[i].Descriptor
		if r.target != nil {
			exists, err := r.target.BlobExists(ctx, desc.Digest)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}
		return r.cacheBaseBlob(ctx, desc)
	})
}

// cacheBaseBlob downloads a base layer into the cache unless it is cached.
func (r *run) cacheBaseBlob(ctx context.Context, desc v1.Descriptor) error {
	if r.cache.HasBlob(desc) {
		return nil
	}
	rc, err := r.base.PullBlob(ctx, desc.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := r.cache.PutBlob(ctx, desc, rc)
	if err != nil {
		return err
	}
	dcontext.GetLoggerWithField(ctx, "digest", desc.Digest).Debugf("cached base layer (%d bytes)", n)
	return nil
}
