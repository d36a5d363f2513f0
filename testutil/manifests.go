package testutil

import (
	"fmt"
	"time"

	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/manifest/manifestlist"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// BaseImage is an image made of random layers, suitable as the base of a
// build.
type BaseImage struct {
	*manifest.Image
	Layers []RandomLayer
}

// MakeBaseImage assembles an image of n random layers in format f with a
// small runtime configuration: one environment variable, one label, one
// exposed port and a working directory.
func MakeBaseImage(f manifest.Format, n int) (*BaseImage, error) {
	layers := make([]RandomLayer, n)
	entries := make([]manifest.Layer, n)
	history := make([]v1.History, n)
	for i := range layers {
		l, err := CreateRandomLayer()
		if err != nil {
			return nil, fmt.Errorf("creating base layer %d: %w", i, err)
		}
		layers[i] = l
		entries[i] = manifest.Layer{Descriptor: l.Descriptor, DiffID: l.DiffID}
		history[i] = v1.History{CreatedBy: fmt.Sprintf("base layer %d", i)}
	}

	img, err := manifest.Assemble(f, entries, manifest.ContainerConfiguration{
		Created:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		OS:           "linux",
		Architecture: "amd64",
		Env:          map[string]string{"PATH": "/usr/bin:/bin"},
		Labels:       map[string]string{"base": "true"},
		ExposedPorts: []string{"9000/udp"},
		WorkingDir:   "/srv",
		Entrypoint:   []string{"/bin/sh"},
		History:      history,
	})
	if err != nil {
		return nil, err
	}
	return &BaseImage{Image: img, Layers: layers}, nil
}

// MakeManifestList constructs a manifest list pointing at the given image
// manifests, with platforms taken from platforms in the same order.
func MakeManifestList(images []*BaseImage, platforms []manifestlist.PlatformSpec) (*manifestlist.DeserializedManifestList, error) {
	if len(images) != len(platforms) {
		return nil, fmt.Errorf("%d images but %d platforms", len(images), len(platforms))
	}

	var manifestDescriptors []manifestlist.ManifestDescriptor
	for i, img := range images {
		manifestDescriptors = append(manifestDescriptors, manifestlist.ManifestDescriptor{
			Descriptor: img.ManifestDescriptor,
			Platform:   platforms[i],
		})
	}

	return manifestlist.FromDescriptors(manifestDescriptors)
}
