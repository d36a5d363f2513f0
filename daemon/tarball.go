// Package daemon loads built images into a local container daemon.
//
// Images are streamed to the daemon as a "docker save" tarball: a
// manifest.json naming the configuration, the repository tags and the layer
// files, followed by the configuration and the compressed layers.
package daemon

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/distribution/imagebuilder/layer"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/opencontainers/go-digest"
)

// BlobOpener opens a layer blob by digest.
type BlobOpener func(dgst digest.Digest) (io.ReadCloser, error)

// tarballManifest is one entry of manifest.json.
type tarballManifest struct {
	Config   string
	RepoTags []string
	Layers   []string
}

// WriteTarball writes img as a docker save tarball tagged with tags. Layer
// content is read through open. The image must be in the Docker format.
func WriteTarball(ctx context.Context, w io.Writer, img *manifest.Image, tags []string, open BlobOpener) error {
	if img.Format != manifest.FormatDockerV22 {
		return fmt.Errorf("daemon images must use the %s format, not %s", manifest.FormatDockerV22, img.Format)
	}

	configName := img.ConfigDescriptor.Digest.Encoded() + ".json"
	entry := tarballManifest{
		Config:   configName,
		RepoTags: tags,
		Layers:   make([]string, len(img.Layers)),
	}
	for i, l := range img.Layers {
		entry.Layers[i] = l.Digest.Encoded() + ".tar.gz"
	}
	index, err := json.Marshal([]tarballManifest{entry})
	if err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	if err := writeFile(tw, "manifest.json", index); err != nil {
		return err
	}
	if err := writeFile(tw, configName, img.Config); err != nil {
		return err
	}

	for i, l := range img.Layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyLayer(tw, entry.Layers[i], l.Digest, l.Size, open); err != nil {
			return err
		}
	}
	return tw.Close()
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	if err := tw.WriteHeader(header(name, int64(len(content)))); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func copyLayer(tw *tar.Writer, name string, dgst digest.Digest, size int64, open BlobOpener) error {
	rc, err := open(dgst)
	if err != nil {
		return fmt.Errorf("opening layer %s: %w", dgst, err)
	}
	defer rc.Close()

	if err := tw.WriteHeader(header(name, size)); err != nil {
		return err
	}
	n, err := io.Copy(tw, rc)
	if err != nil {
		return fmt.Errorf("copying layer %s: %w", dgst, err)
	}
	if n != size {
		return fmt.Errorf("layer %s: expected %d bytes, read %d", dgst, size, n)
	}
	return nil
}

func header(name string, size int64) *tar.Header {
	return &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     size,
		ModTime:  layer.ModTime,
	}
}
