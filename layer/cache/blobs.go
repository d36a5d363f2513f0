package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/distribution/imagebuilder"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// HasBlob reports whether a blob with the digest and size of desc is
// stored. A size of zero or less matches any size.
func (c *Cache) HasBlob(desc v1.Descriptor) bool {
	return c.blobPresent(desc)
}

// OpenBlob opens the blob with digest dgst. It returns
// imagebuilder.ErrBlobUnknown when the blob is not cached.
func (c *Cache) OpenBlob(dgst digest.Digest) (*os.File, error) {
	if err := dgst.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(c.blobPath(dgst))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", imagebuilder.ErrBlobUnknown, dgst)
	}
	return f, err
}

// PutBlob stores the content of r, which must match desc. It returns the
// number of bytes stored.
func (c *Cache) PutBlob(ctx context.Context, desc v1.Descriptor, r io.Reader) (int64, error) {
	if err := desc.Digest.Validate(); err != nil {
		return 0, err
	}
	if c.HasBlob(desc) {
		return desc.Size, nil
	}

	tmp, err := os.CreateTemp(filepath.Join(c.root, tmpDir), "blob-")
	if err != nil {
		return 0, &imagebuilder.LayerBuildError{Layer: desc.Digest.String(), Path: c.root, Err: err}
	}
	defer os.Remove(tmp.Name())

	verifier := desc.Digest.Verifier()
	n, err := io.Copy(io.MultiWriter(tmp, verifier), &contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, &imagebuilder.LayerBuildError{Layer: desc.Digest.String(), Path: tmp.Name(), Err: err}
	}
	if desc.Size > 0 && n != desc.Size {
		return n, &imagebuilder.LayerBuildError{Layer: desc.Digest.String(), Err: fmt.Errorf("expected %d bytes, got %d", desc.Size, n)}
	}
	if !verifier.Verified() {
		return n, &imagebuilder.LayerBuildError{Layer: desc.Digest.String(), Err: errors.New("content does not match digest")}
	}

	if err := c.commitBlob(tmp.Name(), desc.Digest); err != nil {
		return n, &imagebuilder.LayerBuildError{Layer: desc.Digest.String(), Path: c.blobPath(desc.Digest), Err: err}
	}
	return n, nil
}

func (c *Cache) blobPath(dgst digest.Digest) string {
	return filepath.Join(c.root, blobsDir, dgst.Algorithm().String(), dgst.Encoded())
}

func (c *Cache) blobPresent(desc v1.Descriptor) bool {
	fi, err := os.Stat(c.blobPath(desc.Digest))
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return desc.Size <= 0 || fi.Size() == desc.Size
}

// verifyBlob checks presence and size, and the digest unless verification
// is disabled.
func (c *Cache) verifyBlob(desc v1.Descriptor) error {
	if !c.blobPresent(desc) {
		return fmt.Errorf("blob %s is missing or truncated", desc.Digest)
	}
	if c.skipVerify {
		return nil
	}

	f, err := os.Open(c.blobPath(desc.Digest))
	if err != nil {
		return err
	}
	defer f.Close()

	verifier := desc.Digest.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("blob content does not match %s", desc.Digest)
	}
	return nil
}

// commitBlob moves a completed temporary file into place. A blob already
// stored under the digest is kept.
func (c *Cache) commitBlob(tmp string, dgst digest.Digest) error {
	dst := c.blobPath(dgst)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
