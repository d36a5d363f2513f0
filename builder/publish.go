package builder

import (
	"bytes"
	"context"
	"io"

	"github.com/distribution/imagebuilder/buildcontext"
	"github.com/distribution/imagebuilder/daemon"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/layer"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/reference"
	"github.com/distribution/imagebuilder/registry/client"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// historyAuthor marks the history entries of application layers.
const historyAuthor = "imagebuilder"

// buildAppLayers builds the non-empty application layers through the cache
// and assembles the image on top of the base image.
func (r *run) buildAppLayers(ctx context.Context) error {
	logger := dcontext.GetLogger(ctx)

	var sources []layer.Source
	for _, src := range r.cfg.Layers() {
		if src.IsEmpty() {
			logger.Debugf("skipping empty layer %s", src.Name)
			continue
		}
		sources = append(sources, src)
	}

	built := make([]layer.Layer, len(sources))
	err := r.parallel(ctx, len(sources), func(ctx context.Context, i int) error {
		l, cached, err := r.cache.Layer(ctx, sources[i])
		if err != nil {
			return err
		}
		built[i] = l
		r.notify(ctx, r.bridge.LayerBuilt(l.Name, l.Descriptor, cached))
		return nil
	})
	if err != nil {
		return err
	}
	r.appLayers = built

	return r.assemble()
}

func (r *run) assemble() error {
	created := r.cfg.CreationTime()

	layers := make([]manifest.Layer, 0, len(r.baseLayers)+len(r.appLayers))
	layers = append(layers, r.baseLayers...)
	for _, l := range r.appLayers {
		layers = append(layers, manifest.Layer{
			Descriptor: l.Descriptor,
			DiffID:     l.DiffID,
			History: &v1.History{
				Created:   &created,
				Author:    historyAuthor,
				CreatedBy: historyAuthor + ":" + l.Name,
			},
		})
	}

	img, err := manifest.Assemble(r.format, layers, r.cfg.ContainerConfiguration().Inherit(r.baseConfig))
	if err != nil {
		return err
	}
	r.image = img
	r.result.ConfigDigest = img.ID()
	r.result.Layers = img.Layers
	return nil
}

// push makes every layer and the configuration present in the target
// repository. Base layers are mounted when base and target share a
// registry.
func (r *run) push(ctx context.Context) error {
	var mountFrom string
	if r.sameRegistry() {
		mountFrom = r.cfg.BaseImage().Repository()
	}

	type blob struct {
		desc      v1.Descriptor
		open      client.BlobOpener
		mountFrom string
	}
	blobs := make([]blob, 0, len(r.image.Layers)+1)
	for i, desc := range r.image.Layers {
		if i < len(r.baseLayers) {
			blobs = append(blobs, blob{desc: desc, open: r.openBaseBlob(ctx, desc), mountFrom: mountFrom})
			continue
		}
		blobs = append(blobs, blob{desc: desc, open: r.openCachedBlob(desc.Digest)})
	}
	blobs = append(blobs, blob{desc: r.image.ConfigDescriptor, open: openBytes(r.image.Config)})

	repository := r.cfg.TargetImage().Repository()
	return r.parallel(ctx, len(blobs), func(ctx context.Context, i int) error {
		b := blobs[i]
		res, err := r.target.PushBlob(ctx, b.desc, b.open, b.mountFrom)
		if err != nil {
			return err
		}
		switch res {
		case client.BlobSkipped:
			r.notify(ctx, r.bridge.BlobSkipped(repository, b.desc))
		case client.BlobMounted:
			r.notify(ctx, r.bridge.BlobMounted(repository, b.mountFrom, b.desc))
		default:
			r.notify(ctx, r.bridge.BlobPushed(repository, b.desc))
		}
		return nil
	})
}

// publish uploads the manifest under the target tag or digest.
func (r *run) publish(ctx context.Context) error {
	ref := r.cfg.TargetImage()
	dgst, err := r.target.PushManifest(ctx, ref.TagOrDigest(), r.image.ManifestDescriptor.MediaType, r.image.Manifest)
	if err != nil {
		return err
	}
	r.result.ManifestDigest = dgst
	dcontext.GetLogger(ctx).Infof("pushed manifest %s", dgst)
	return nil
}

// exportLocal writes the build context, or loads the image into the
// daemon.
func (r *run) exportLocal(ctx context.Context) error {
	if r.opts.Target == TargetBuildContext {
		if err := buildcontext.Export(r.opts.ContextDir, r.cfg); err != nil {
			return err
		}
		r.result.ContextDir = r.opts.ContextDir
		return nil
	}

	loader := r.opts.Loader
	if loader == nil {
		dl, err := daemon.NewDockerLoader()
		if err != nil {
			return err
		}
		defer dl.Close()
		loader = dl
	}

	out, err := daemon.Load(ctx, loader, r.image, daemonTag(r.result.ImageReference), r.openDaemonBlob)
	if err != nil {
		return err
	}
	r.result.ManifestDigest = r.image.ManifestDescriptor.Digest
	r.result.DaemonOutput = out
	return nil
}

// daemonTag returns the repository tag recorded in the image tarball. A
// digest reference is loaded as "latest".
func daemonTag(ref reference.Image) string {
	tag := ref.Tag()
	if tag == "" {
		tag = "latest"
	}
	return ref.Registry() + "/" + ref.Repository() + ":" + tag
}

func (r *run) openDaemonBlob(dgst digest.Digest) (io.ReadCloser, error) {
	f, err := r.cache.OpenBlob(dgst)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *run) openCachedBlob(dgst digest.Digest) client.BlobOpener {
	return func() (io.ReadSeekCloser, error) {
		f, err := r.cache.OpenBlob(dgst)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// openBaseBlob opens a base layer from the cache, downloading it first if
// the registry declined to mount it.
func (r *run) openBaseBlob(ctx context.Context, desc v1.Descriptor) client.BlobOpener {
	return func() (io.ReadSeekCloser, error) {
		if err := r.cacheBaseBlob(ctx, desc); err != nil {
			return nil, err
		}
		return r.openCachedBlob(desc.Digest)()
	}
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func openBytes(b []byte) client.BlobOpener {
	return func() (io.ReadSeekCloser, error) {
		return nopSeekCloser{bytes.NewReader(b)}, nil
	}
}
