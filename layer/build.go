// Package layer builds reproducible image layers from application inputs.
//
// A layer built from the same files, at the same paths, with the same
// permissions always has the same digest: entries are written in path order,
// timestamps and ownership are fixed, permissions are normalized and the
// gzip header carries no name or time.
package layer

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ModTime is the modification time of every entry of a built layer.
var ModTime = time.Unix(1, 0).UTC()

const (
	dirMode  = 0o755
	execMode = 0o755
	fileMode = 0o644
)

// Layer is a built layer.
type Layer struct {
	Name string

	// Descriptor of the gzip compressed blob.
	Descriptor v1.Descriptor

	// DiffID is the digest of the uncompressed tar stream.
	DiffID digest.Digest
}

// Build writes the gzip compressed layer for s to w and returns its digests.
// Input and output errors are returned as *imagebuilder.LayerBuildError.
func Build(ctx context.Context, s Source, w io.Writer) (Layer, error) {
	entries, err := collect(ctx, s)
	if err != nil {
		return Layer{}, err
	}

	compressedDigester := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(w, compressedDigester.Hash())}

	gz, err := gzip.NewWriterLevel(counter, gzip.DefaultCompression)
	if err != nil {
		return Layer{}, &imagebuilder.LayerBuildError{Layer: s.Name, Err: err}
	}
	// A zero time.Time is not written as zero.
	gz.ModTime = time.Unix(0, 0)

	diffIDDigester := digest.Canonical.Digester()
	tw := tar.NewWriter(io.MultiWriter(gz, diffIDDigester.Hash()))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Layer{}, err
		}
		if err := writeEntry(tw, e); err != nil {
			return Layer{}, &imagebuilder.LayerBuildError{Layer: s.Name, Path: e.source, Err: err}
		}
	}

	if err := tw.Close(); err != nil {
		return Layer{}, &imagebuilder.LayerBuildError{Layer: s.Name, Err: err}
	}
	if err := gz.Close(); err != nil {
		return Layer{}, &imagebuilder.LayerBuildError{Layer: s.Name, Err: err}
	}

	return Layer{
		Name: s.Name,
		Descriptor: v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    compressedDigester.Digest(),
			Size:      counter.n,
		},
		DiffID: diffIDDigester.Digest(),
	}, nil
}

func writeEntry(tw *tar.Writer, e entry) error {
	hdr := &tar.Header{
		Name:    e.name,
		ModTime: ModTime,
		Uid:     0,
		Gid:     0,
	}

	switch {
	case e.isDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name = strings.TrimSuffix(e.name, "/") + "/"
		hdr.Mode = dirMode
		return tw.WriteHeader(hdr)

	case e.info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(e.source)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Mode = execMode
		return tw.WriteHeader(hdr)

	case e.info.Mode().IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.info.Size()
		hdr.Mode = fileMode
		if e.info.Mode()&0o111 != 0 {
			hdr.Mode = execMode
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(e.source)
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := io.Copy(tw, f)
		if err != nil {
			return err
		}
		if n != hdr.Size {
			return fmt.Errorf("file changed size while building layer: expected %d bytes, read %d", hdr.Size, n)
		}
		return nil
	}

	return fmt.Errorf("unsupported file type %v", e.info.Mode().Type())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
