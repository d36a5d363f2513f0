package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/registry/client/auth"
	"github.com/opencontainers/go-digest"
)

// maxManifestSize is the largest manifest accepted from a registry.
const maxManifestSize = 4 << 20

// PullManifest fetches the manifest or manifest list tagged or addressed by
// tagOrDigest. Content fetched by digest is verified.
func (r *Repository) PullManifest(ctx context.Context, tagOrDigest string) (string, []byte, digest.Digest, error) {
	const op = "pull manifest"

	resp, err := r.do(ctx, op, request{
		method: http.MethodGet,
		url:    r.url("/v2/%s/manifests/%s", r.path(), tagOrDigest),
		header: http.Header{"Accept": manifest.AcceptedMediaTypes()},
		scopes: []string{auth.PullScope(r.path())},
	})
	if err != nil {
		return "", nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		regErr := r.registryError(op, resp).(*imagebuilder.RegistryError)
		regErr.Err = fmt.Errorf("%w: %s:%s", imagebuilder.ErrManifestUnknown, r.path(), tagOrDigest)
		if regErr.Code == "" || regErr.Code == "NAME_UNKNOWN" {
			regErr.Code = "MANIFEST_UNKNOWN"
		}
		return "", nil, "", regErr
	default:
		return "", nil, "", r.registryError(op, resp)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return "", nil, "", &imagebuilder.RegistryError{Op: op, Registry: r.registry, Retryable: true, Err: err}
	}
	if len(payload) > maxManifestSize {
		return "", nil, "", &imagebuilder.RegistryError{
			Op:         op,
			Registry:   r.registry,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("manifest exceeds %d bytes", maxManifestSize),
		}
	}

	dgst := digest.FromBytes(payload)
	if want, err := digest.Parse(tagOrDigest); err == nil {
		if !want.Algorithm().Available() || want.Algorithm().FromBytes(payload) != want {
			return "", nil, "", &imagebuilder.RegistryError{
				Op:       op,
				Registry: r.registry,
				Message:  fmt.Sprintf("%s: %v", want, ErrDigestMismatch),
				Err:      ErrDigestMismatch,
			}
		}
		dgst = want
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	return mediaType, payload, dgst, nil
}

// PushManifest uploads payload under tagOrDigest and returns the digest the
// registry stored it under.
func (r *Repository) PushManifest(ctx context.Context, tagOrDigest, mediaType string, payload []byte) (digest.Digest, error) {
	const op = "push manifest"

	dgst := digest.FromBytes(payload)
	resp, err := r.do(ctx, op, request{
		method: http.MethodPut,
		url:    r.url("/v2/%s/manifests/%s", r.path(), tagOrDigest),
		body: func() (io.Reader, error) {
			return bytes.NewReader(payload), nil
		},
		contentLength: int64(len(payload)),
		header:        http.Header{"Content-Type": []string{mediaType}},
		scopes:        []string{auth.PushScope(r.path())},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", r.registryError(op, resp)
	}
	if got := strings.TrimSpace(resp.Header.Get("Docker-Content-Digest")); got != "" && got != dgst.String() {
		return "", &imagebuilder.RegistryError{
			Op:         op,
			Registry:   r.registry,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("registry stored %s, expected %s", got, dgst),
			Err:        ErrDigestMismatch,
		}
	}
	return dgst, nil
}
