package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/registry/client/auth"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// maxStalledResumes bounds how often an upload may be told to resume without
// the server accepting any new bytes.
const maxStalledResumes = 3

// ErrDigestMismatch is returned when downloaded content does not match the
// digest it was requested by.
var ErrDigestMismatch = errors.New("content does not match digest")

// BlobOpener opens the content of a blob. It is called once per upload
// attempt, so the content must be readable more than once.
type BlobOpener func() (io.ReadSeekCloser, error)

// PushResult tells how a blob came to be present in the repository.
type PushResult int

const (
	// BlobSkipped means the repository already had the blob.
	BlobSkipped PushResult = iota
	// BlobMounted means the blob was mounted from another repository of
	// the same registry.
	BlobMounted
	// BlobUploaded means the blob content was uploaded.
	BlobUploaded
)

func (p PushResult) String() string {
	switch p {
	case BlobSkipped:
		return "skipped"
	case BlobMounted:
		return "mounted"
	case BlobUploaded:
		return "uploaded"
	}
	return "unknown"
}

// BlobExists reports whether the repository has the blob dgst.
func (r *Repository) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	resp, err := r.do(ctx, "check blob", request{
		method: http.MethodHead,
		url:    r.url("/v2/%s/blobs/%s", r.path(), dgst),
		scopes: []string{auth.PullScope(r.path())},
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, r.registryError("check blob", resp)
}

// PullBlob opens the blob dgst. The returned reader fails at end of stream
// with ErrDigestMismatch if the content does not hash to dgst.
func (r *Repository) PullBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob digest %q: %w", dgst, err)
	}

	resp, err := r.do(ctx, "pull blob", request{
		method: http.MethodGet,
		url:    r.url("/v2/%s/blobs/%s", r.path(), dgst),
		scopes: []string{auth.PullScope(r.path())},
	})
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &verifiedReader{
			ReadCloser: resp.Body,
			verifier:   dgst.Verifier(),
			dgst:       dgst,
			registry:   r.registry,
		}, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, &imagebuilder.RegistryError{
			Op:         "pull blob",
			Registry:   r.registry,
			StatusCode: resp.StatusCode,
			Code:       "BLOB_UNKNOWN",
			Message:    dgst.String(),
			Err:        imagebuilder.ErrBlobUnknown,
		}
	}
	defer resp.Body.Close()
	return nil, r.registryError("pull blob", resp)
}

type verifiedReader struct {
	io.ReadCloser
	verifier digest.Verifier
	dgst     digest.Digest
	registry string
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	n, err := v.ReadCloser.Read(p)
	v.verifier.Write(p[:n])
	if err == io.EOF && !v.verifier.Verified() {
		return n, &imagebuilder.RegistryError{
			Op:       "pull blob",
			Registry: v.registry,
			Message:  fmt.Sprintf("%s: %v", v.dgst, ErrDigestMismatch),
			Err:      ErrDigestMismatch,
		}
	}
	return n, err
}

// PushBlob makes the blob described by desc present in the repository. An
// existing blob is skipped. If mountFrom names another repository of the
// same registry a mount is attempted first; otherwise, or if the registry
// declines the mount, the content from open is uploaded in chunks.
func (r *Repository) PushBlob(ctx context.Context, desc v1.Descriptor, open BlobOpener, mountFrom string) (PushResult, error) {
	logger := r.logger(ctx).WithField("digest", desc.Digest)

	exists, err := r.BlobExists(ctx, desc.Digest)
	if err != nil {
		return 0, err
	}
	if exists {
		logger.Debug("blob already present")
		return BlobSkipped, nil
	}

	location, mounted, err := r.startUpload(ctx, desc.Digest, mountFrom)
	if err != nil {
		return 0, err
	}
	if mounted {
		logger.Debugf("blob mounted from %s", mountFrom)
		return BlobMounted, nil
	}

	location, err = r.uploadChunks(ctx, location, desc, open)
	if err != nil {
		return 0, err
	}
	if err := r.commitUpload(ctx, location, desc.Digest); err != nil {
		return 0, err
	}
	logger.Debugf("blob uploaded (%d bytes)", desc.Size)
	return BlobUploaded, nil
}

// startUpload opens an upload session, or mounts the blob when possible.
func (r *Repository) startUpload(ctx context.Context, dgst digest.Digest, mountFrom string) (string, bool, error) {
	const op = "start upload"

	target := r.url("/v2/%s/blobs/uploads/", r.path())
	scopes := []string{auth.PushScope(r.path())}
	if mountFrom != "" && mountFrom != r.path() {
		q := url.Values{}
		q.Set("mount", dgst.String())
		q.Set("from", mountFrom)
		target += "?" + q.Encode()
		scopes = append(scopes, auth.PullScope(mountFrom))
	}

	resp, err := r.do(ctx, op, request{
		method: http.MethodPost,
		url:    target,
		scopes: scopes,
	})
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return "", true, nil
	case http.StatusAccepted:
		location, err := r.location(op, resp)
		return location, false, err
	}
	return "", false, r.registryError(op, resp)
}

// uploadChunks sends the content in PATCH requests of at most chunkSize
// bytes. A 416 response moves the offset to what the server reports it has.
func (r *Repository) uploadChunks(ctx context.Context, location string, desc v1.Descriptor, open BlobOpener) (string, error) {
	const op = "upload blob"

	chunkSize := r.chunkSize
	if chunkSize <= 0 || chunkSize > desc.Size {
		chunkSize = desc.Size
	}

	var offset int64
	stalled := 0
	for offset < desc.Size {
		start := offset
		n := min(chunkSize, desc.Size-start)

		resp, err := r.do(ctx, op, request{
			method:        http.MethodPatch,
			url:           location,
			body:          chunkReader(open, start, n),
			contentLength: n,
			header: http.Header{
				"Content-Type":  []string{"application/octet-stream"},
				"Content-Range": []string{fmt.Sprintf("%d-%d", start, start+n-1)},
			},
			scopes: []string{auth.PushScope(r.path())},
		})
		if err != nil {
			return "", err
		}

		switch resp.StatusCode {
		case http.StatusAccepted, http.StatusNoContent:
			offset = start + n
			if end, ok := rangeEnd(resp.Header.Get("Range")); ok {
				offset = end + 1
			}
		case http.StatusRequestedRangeNotSatisfiable:
			offset = 0
			if end, ok := rangeEnd(resp.Header.Get("Range")); ok {
				offset = end + 1
			}
			if offset <= start {
				stalled++
			}
			if stalled > maxStalledResumes || offset > desc.Size {
				err := r.registryError(op, resp)
				resp.Body.Close()
				return "", err
			}
			r.logger(ctx).WithField("digest", desc.Digest).Infof("resuming upload at offset %d", offset)
		default:
			err := r.registryError(op, resp)
			resp.Body.Close()
			return "", err
		}

		if resp.Header.Get("Location") != "" {
			if location, err = r.location(op, resp); err != nil {
				resp.Body.Close()
				return "", err
			}
		}
		drain(resp)
	}
	return location, nil
}

// commitUpload finishes the upload session with the blob digest.
func (r *Repository) commitUpload(ctx context.Context, location string, dgst digest.Digest) error {
	const op = "commit upload"

	u, err := url.Parse(location)
	if err != nil {
		return &imagebuilder.RegistryError{Op: op, Registry: r.registry, Err: err}
	}
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()

	resp, err := r.do(ctx, op, request{
		method: http.MethodPut,
		url:    u.String(),
		scopes: []string{auth.PushScope(r.path())},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return r.registryError(op, resp)
	}
	if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != dgst.String() {
		return &imagebuilder.RegistryError{
			Op:         op,
			Registry:   r.registry,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("registry stored %s, expected %s", got, dgst),
			Err:        ErrDigestMismatch,
		}
	}
	return nil
}

func (r *Repository) location(op string, resp *http.Response) (string, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &imagebuilder.RegistryError{
			Op:         op,
			Registry:   r.registry,
			StatusCode: resp.StatusCode,
			Message:    "response has no Location header",
		}
	}
	resolved, err := r.resolve(location)
	if err != nil {
		return "", &imagebuilder.RegistryError{Op: op, Registry: r.registry, StatusCode: resp.StatusCode, Err: err}
	}
	return resolved, nil
}

// chunkReader returns a body factory yielding n bytes of the blob starting
// at offset.
func chunkReader(open BlobOpener, offset, n int64) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		f, err := open()
		if err != nil {
			return nil, err
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		return &limitedReadCloser{Reader: io.LimitReader(f, n), Closer: f}, nil
	}
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// rangeEnd parses the end offset of a Range header such as "0-1023" or
// "bytes=0-1023".
func rangeEnd(header string) (int64, bool) {
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes=")
	_, end, ok := strings.Cut(header, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(end, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
