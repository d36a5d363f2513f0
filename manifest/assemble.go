package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/distribution/imagebuilder/manifest/ocischema"
	"github.com/distribution/imagebuilder/manifest/schema2"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Layer is one entry of the image's root filesystem.
type Layer struct {
	// Descriptor of the compressed blob. Its media type is rewritten to
	// match the target format.
	Descriptor v1.Descriptor

	// DiffID is the digest of the uncompressed layer content.
	DiffID digest.Digest

	// History, when set, is appended to the configuration history. Base
	// image layers carry none; their history is inherited with the
	// configuration.
	History *v1.History
}

// Image is an assembled image: the configuration blob and the manifest that
// references it.
type Image struct {
	Format Format

	Config           []byte
	ConfigDescriptor v1.Descriptor

	Manifest           []byte
	ManifestDescriptor v1.Descriptor

	Layers  []v1.Descriptor
	DiffIDs []digest.Digest
}

// ID returns the image ID, the digest of the configuration blob.
func (img *Image) ID() digest.Digest {
	return img.ConfigDescriptor.Digest
}

// Assemble builds the configuration blob and manifest of an image in format
// f. Layers keep the given order.
func Assemble(f Format, layers []Layer, cfg ContainerConfiguration) (*Image, error) {
	diffIDs := make([]digest.Digest, len(layers))
	descriptors := make([]v1.Descriptor, len(layers))
	history := append([]v1.History(nil), cfg.History...)

	for i, l := range layers {
		if err := l.Descriptor.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d: invalid digest: %w", i, err)
		}
		if err := l.DiffID.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d: invalid diff ID: %w", i, err)
		}
		diffIDs[i] = l.DiffID

		desc := l.Descriptor
		desc.MediaType = layerMediaType(f, desc.MediaType)
		desc.Platform = nil
		descriptors[i] = desc

		if l.History != nil {
			history = append(history, *l.History)
		}
	}

	config, err := json.Marshal(cfg.image(diffIDs, history))
	if err != nil {
		return nil, fmt.Errorf("marshaling image configuration: %w", err)
	}
	configDesc := v1.Descriptor{
		MediaType: f.ConfigMediaType(),
		Digest:    digest.FromBytes(config),
		Size:      int64(len(config)),
	}

	var mfst Manifest
	switch f {
	case FormatDockerV22:
		mfst, err = schema2.FromStruct(schema2.New(configDesc, descriptors))
	case FormatOCI:
		mfst, err = ocischema.FromStruct(ocischema.New(configDesc, descriptors, nil))
	default:
		return nil, fmt.Errorf("unknown image format %v", f)
	}
	if err != nil {
		return nil, fmt.Errorf("marshaling %s manifest: %w", f, err)
	}

	mediaType, payload, err := mfst.Payload()
	if err != nil {
		return nil, err
	}

	return &Image{
		Format:           f,
		Config:           config,
		ConfigDescriptor: configDesc,
		Manifest:         payload,
		ManifestDescriptor: v1.Descriptor{
			MediaType: mediaType,
			Digest:    digest.FromBytes(payload),
			Size:      int64(len(payload)),
		},
		Layers:  descriptors,
		DiffIDs: diffIDs,
	}, nil
}

// layerMediaType maps a layer media type onto its equivalent in format f.
// Types without an equivalent are kept.
func layerMediaType(f Format, mediaType string) string {
	switch mediaType {
	case "", schema2.MediaTypeLayer, v1.MediaTypeImageLayerGzip:
		return f.LayerMediaType()
	case schema2.MediaTypeUncompressedLayer, v1.MediaTypeImageLayer:
		if f == FormatOCI {
			return v1.MediaTypeImageLayer
		}
		return schema2.MediaTypeUncompressedLayer
	}
	return mediaType
}
