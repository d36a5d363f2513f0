package testutil

import (
	"archive/tar"
	"bytes"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// RandomLayer is a gzip compressed tar layer with random file contents.
type RandomLayer struct {
	Content    []byte
	Descriptor v1.Descriptor
	DiffID     digest.Digest
}

// CreateRandomLayer creates a layer of a few small files with random
// contents, returning its compressed bytes, descriptor and diff ID. An error
// is returned if there is a problem generating valid content.
func CreateRandomLayer() (RandomLayer, error) {
	nFiles := mrand.Intn(3) + 2
	uncompressed := &bytes.Buffer{}
	wr := tar.NewWriter(uncompressed)

	// Perturb this on each iteration of the loop below.
	header := &tar.Header{
		Mode:     0644,
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
		Uname:    "randocalrissian",
		Gname:    "cloudcity",
	}

	for fileNumber := 0; fileNumber < nFiles; fileNumber++ {
		fileSize := mrand.Int63n(1<<12) + 1<<10

		header.Name = fmt.Sprintf("base/%d", fileNumber)
		header.Size = fileSize

		if err := wr.WriteHeader(header); err != nil {
			return RandomLayer{}, err
		}

		randomData := make([]byte, fileSize)
		if _, err := rand.Read(randomData); err != nil {
			return RandomLayer{}, err
		}
		if _, err := wr.Write(randomData); err != nil {
			return RandomLayer{}, err
		}
	}

	if err := wr.Close(); err != nil {
		return RandomLayer{}, err
	}

	compressed := &bytes.Buffer{}
	gz := gzip.NewWriter(compressed)
	if _, err := gz.Write(uncompressed.Bytes()); err != nil {
		return RandomLayer{}, err
	}
	if err := gz.Close(); err != nil {
		return RandomLayer{}, err
	}

	return RandomLayer{
		Content: compressed.Bytes(),
		Descriptor: v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(compressed.Bytes()),
			Size:      int64(compressed.Len()),
		},
		DiffID: digest.FromBytes(uncompressed.Bytes()),
	}, nil
}
