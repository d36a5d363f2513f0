package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/credentials"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/manifest/schema2"
	"github.com/distribution/imagebuilder/testutil"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const testRepo = "test/app"

func testServer(rrm testutil.RequestResponseMap) (string, func()) {
	h := testutil.NewHandler(rrm)
	s := httptest.NewServer(h)
	return s.URL, s.Close
}

func newRandomBlob(size int) (digest.Digest, []byte) {
	b := make([]byte, size)
	if n, err := rand.Read(b); err != nil {
		panic(err)
	} else if n != size {
		panic("unable to read enough bytes")
	}

	return digest.FromBytes(b), b
}

func newRepository(t *testing.T, baseURL string, opts ...Option) *Repository {
	t.Helper()
	name, err := reference.WithName("localhost/" + testRepo)
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithRetryWait(time.Millisecond, 5*time.Millisecond)}, opts...)
	repo, err := NewRepository(name, baseURL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func opener(content []byte) BlobOpener {
	return func() (io.ReadSeekCloser, error) {
		return nopSeekCloser{bytes.NewReader(content)}, nil
	}
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func descriptorFor(content []byte) v1.Descriptor {
	return v1.Descriptor{
		MediaType: v1.MediaTypeImageLayerGzip,
		Digest:    digest.FromBytes(content),
		Size:      int64(len(content)),
	}
}

func TestBlobExists(t *testing.T) {
	present, _ := newRandomBlob(64)
	missing, _ := newRandomBlob(64)

	var m testutil.RequestResponseMap
	m = append(m, testutil.RequestResponseMapping{
		Request:  testutil.Request{Method: http.MethodHead, Route: "/v2/" + testRepo + "/blobs/" + present.String()},
		Response: testutil.Response{StatusCode: http.StatusOK, Headers: http.Header{"Content-Length": {"64"}}},
	}, testutil.RequestResponseMapping{
		Request:  testutil.Request{Method: http.MethodHead, Route: "/v2/" + testRepo + "/blobs/" + missing.String()},
		Response: testutil.Response{StatusCode: http.StatusNotFound},
	})

	e, c := testServer(m)
	defer c()
	repo := newRepository(t, e)

	ok, err := repo.BlobExists(context.Background(), present)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected blob %s to exist", present)
	}

	ok, err = repo.BlobExists(context.Background(), missing)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected blob %s to be missing", missing)
	}
}

func TestPullBlob(t *testing.T) {
	reg := testutil.NewRegistry(t)
	content := []byte("layer content")
	dgst := reg.AddBlob(testRepo, content)

	repo := newRepository(t, reg.URL())
	rc, err := repo.PullBlob(context.Background(), dgst)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("unexpected blob content: %q", got)
	}
}

func TestPullBlobVerifiesDigest(t *testing.T) {
	dgst, _ := newRandomBlob(32)

	var m testutil.RequestResponseMap
	m = append(m, testutil.RequestResponseMapping{
		Request: testutil.Request{Method: http.MethodGet, Route: "/v2/" + testRepo + "/blobs/" + dgst.String()},
		Response: testutil.Response{
			StatusCode: http.StatusOK,
			Body:       []byte("something else"),
			Headers:    http.Header{"Content-Type": {"application/octet-stream"}},
		},
	})
	e, c := testServer(m)
	defer c()

	rc, err := newRepository(t, e).PullBlob(context.Background(), dgst)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	_, err = io.ReadAll(rc)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestPullBlobSlowBodyOutlastsTimeout(t *testing.T) {
	dgst, content := newRandomBlob(1000)

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		for off := 0; off < len(content); off += 100 {
			w.Write(content[off : off+100])
			w.(http.Flusher).Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer s.Close()

	rc, err := newRepository(t, s.URL, WithTimeout(200*time.Millisecond)).PullBlob(context.Background(), dgst)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("slow download was cut off after %d bytes: %v", len(got), err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("unexpected blob content")
	}
}

func TestTimeoutBoundsResponseHeaders(t *testing.T) {
	dgst, _ := newRandomBlob(16)
	release := make(chan struct{})

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer s.Close()
	defer close(release)

	_, err := newRepository(t, s.URL, WithTimeout(50*time.Millisecond), WithRetryMax(0)).BlobExists(context.Background(), dgst)
	if err == nil {
		t.Fatal("expected a timeout waiting for response headers")
	}
}

func TestPullBlobUnknown(t *testing.T) {
	reg := testutil.NewRegistry(t)
	dgst, _ := newRandomBlob(16)

	_, err := newRepository(t, reg.URL()).PullBlob(context.Background(), dgst)
	if !errors.Is(err, imagebuilder.ErrBlobUnknown) {
		t.Fatalf("expected ErrBlobUnknown, got %v", err)
	}
}

func TestPushBlobChunked(t *testing.T) {
	reg := testutil.NewRegistry(t)
	_, content := newRandomBlob(1000)
	desc := descriptorFor(content)

	repo := newRepository(t, reg.URL(), WithChunkSize(300))
	result, err := repo.PushBlob(context.Background(), desc, opener(content), "")
	if err != nil {
		t.Fatal(err)
	}
	if result != BlobUploaded {
		t.Fatalf("expected blob to be uploaded, got %s", result)
	}

	got, ok := reg.Blob(testRepo, desc.Digest)
	if !ok {
		t.Fatal("blob missing from registry")
	}
	if !bytes.Equal(got, content) {
		t.Fatal("registry holds different content")
	}
	if n := reg.Count(http.MethodPatch, testutil.RouteUpload); n != 4 {
		t.Fatalf("expected 4 chunks, got %d", n)
	}
	if n := reg.UploadedBytes(); n != 1000 {
		t.Fatalf("expected 1000 bytes uploaded, got %d", n)
	}
}

func TestPushBlobSkipsExisting(t *testing.T) {
	reg := testutil.NewRegistry(t)
	content := []byte("already there")
	reg.AddBlob(testRepo, content)

	result, err := newRepository(t, reg.URL()).PushBlob(context.Background(), descriptorFor(content), opener(content), "")
	if err != nil {
		t.Fatal(err)
	}
	if result != BlobSkipped {
		t.Fatalf("expected blob to be skipped, got %s", result)
	}
	if n := reg.Count(http.MethodPost, testutil.RouteUploads); n != 0 {
		t.Fatalf("expected no upload session, got %d", n)
	}
}

func TestPushBlobMountsFromOtherRepository(t *testing.T) {
	reg := testutil.NewRegistry(t)
	content := []byte("base layer")
	reg.AddBlob("library/base", content)

	result, err := newRepository(t, reg.URL()).PushBlob(context.Background(), descriptorFor(content), opener(content), "library/base")
	if err != nil {
		t.Fatal(err)
	}
	if result != BlobMounted {
		t.Fatalf("expected blob to be mounted, got %s", result)
	}
	if n := reg.UploadedBytes(); n != 0 {
		t.Fatalf("expected no bytes uploaded, got %d", n)
	}
	if _, ok := reg.Blob(testRepo, descriptorFor(content).Digest); !ok {
		t.Fatal("mounted blob missing from target repository")
	}
}

func TestPushBlobUploadsWhenMountDeclined(t *testing.T) {
	reg := testutil.NewRegistry(t, testutil.WithoutMounts())
	content := []byte("base layer")
	reg.AddBlob("library/base", content)

	result, err := newRepository(t, reg.URL()).PushBlob(context.Background(), descriptorFor(content), opener(content), "library/base")
	if err != nil {
		t.Fatal(err)
	}
	if result != BlobUploaded {
		t.Fatalf("expected blob to be uploaded, got %s", result)
	}
}

func TestPushBlobResumesAfterRangeError(t *testing.T) {
	reg := testutil.NewRegistry(t)
	_, content := newRandomBlob(900)
	reg.RejectNextChunks(1)

	repo := newRepository(t, reg.URL(), WithChunkSize(300))
	if _, err := repo.PushBlob(context.Background(), descriptorFor(content), opener(content), ""); err != nil {
		t.Fatal(err)
	}

	got, ok := reg.Blob(testRepo, digest.FromBytes(content))
	if !ok || !bytes.Equal(got, content) {
		t.Fatal("registry does not hold the uploaded blob")
	}
	if n := reg.Count(http.MethodPatch, testutil.RouteUpload); n != 4 {
		t.Fatalf("expected 4 PATCH requests, got %d", n)
	}
}

func TestPushBlobGivesUpOnStalledUpload(t *testing.T) {
	reg := testutil.NewRegistry(t)
	_, content := newRandomBlob(100)
	reg.RejectNextChunks(maxStalledResumes + 1)

	_, err := newRepository(t, reg.URL()).PushBlob(context.Background(), descriptorFor(content), opener(content), "")
	var regErr *imagebuilder.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("expected RegistryError, got %v", err)
	}
	if regErr.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("unexpected status %d", regErr.StatusCode)
	}
}

func TestPushBlobEmpty(t *testing.T) {
	reg := testutil.NewRegistry(t)

	result, err := newRepository(t, reg.URL()).PushBlob(context.Background(), descriptorFor(nil), opener(nil), "")
	if err != nil {
		t.Fatal(err)
	}
	if result != BlobUploaded {
		t.Fatalf("unexpected result %s", result)
	}
	if n := reg.Count(http.MethodPatch, testutil.RouteUpload); n != 0 {
		t.Fatalf("expected no chunks for an empty blob, got %d", n)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusBadGateway} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			reg := testutil.NewRegistry(t)
			dgst := reg.AddBlob(testRepo, []byte("x"))
			reg.FailNext(http.MethodHead, testutil.RouteBlob, status, 2)

			ok, err := newRepository(t, reg.URL()).BlobExists(context.Background(), dgst)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("expected blob to exist")
			}
			if n := reg.Count(http.MethodHead, testutil.RouteBlob); n != 3 {
				t.Fatalf("expected 3 attempts, got %d", n)
			}
		})
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotImplemented} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			reg := testutil.NewRegistry(t)
			reg.FailNext(http.MethodPut, testutil.RouteManifest, status, 1)

			_, err := newRepository(t, reg.URL()).PushManifest(context.Background(), "latest", schema2.MediaTypeManifest, []byte(`{}`))
			var regErr *imagebuilder.RegistryError
			if !errors.As(err, &regErr) {
				t.Fatalf("expected RegistryError, got %v", err)
			}
			if regErr.StatusCode != status {
				t.Fatalf("expected status %d, got %d", status, regErr.StatusCode)
			}
			if regErr.Retryable {
				t.Fatal("client errors are not retryable")
			}
			if n := reg.Count(http.MethodPut, testutil.RouteManifest); n != 1 {
				t.Fatalf("expected a single attempt, got %d", n)
			}
		})
	}
}

func TestRetriesExhausted(t *testing.T) {
	reg := testutil.NewRegistry(t)
	reg.FailNext(http.MethodHead, testutil.RouteBlob, http.StatusServiceUnavailable, 10)
	dgst, _ := newRandomBlob(8)

	_, err := newRepository(t, reg.URL(), WithRetryMax(2)).BlobExists(context.Background(), dgst)
	var regErr *imagebuilder.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("expected RegistryError, got %v", err)
	}
	if !regErr.Retryable || regErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error %#v", regErr)
	}
	if n := reg.Count(http.MethodHead, testutil.RouteBlob); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestCanceledBeforeRequest(t *testing.T) {
	reg := testutil.NewRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dgst, _ := newRandomBlob(8)
	_, err := newRepository(t, reg.URL()).BlobExists(ctx, dgst)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := reg.Count(http.MethodHead, testutil.RouteBlob); n != 0 {
		t.Fatalf("expected no requests, got %d", n)
	}
}

func TestBearerAuth(t *testing.T) {
	reg := testutil.NewRegistry(t, testutil.WithBearerAuth("user", "secret"))
	content := []byte("authorized layer")

	repo := newRepository(t, reg.URL(), WithCredentials(credentials.Resolution{
		Credential: credentials.Credential{Username: "user", Secret: "secret"},
		Source:     "test",
	}))
	if _, err := repo.PushBlob(context.Background(), descriptorFor(content), opener(content), ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Blob(testRepo, descriptorFor(content).Digest); !ok {
		t.Fatal("blob missing from registry")
	}
	if n := reg.Count(http.MethodGet, testutil.RouteToken); n == 0 {
		t.Fatal("expected a token request")
	}
}

func TestIdentityTokenAuth(t *testing.T) {
	reg := testutil.NewRegistry(t, testutil.WithBearerAuth("user", "refresh"))
	dgst := reg.AddBlob(testRepo, []byte("x"))

	repo := newRepository(t, reg.URL(), WithCredentials(credentials.Resolution{
		Credential: credentials.Credential{Username: "user", IdentityToken: "refresh"},
	}))
	ok, err := repo.BlobExists(context.Background(), dgst)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected blob to exist")
	}
	if n := reg.Count(http.MethodPost, testutil.RouteToken); n != 1 {
		t.Fatalf("expected one oauth token request, got %d", n)
	}
}

func TestBasicAuth(t *testing.T) {
	reg := testutil.NewRegistry(t, testutil.WithBasicAuth("user", "secret"))
	dgst := reg.AddBlob(testRepo, []byte("x"))

	repo := newRepository(t, reg.URL(), WithCredentials(credentials.Resolution{
		Credential: credentials.Credential{Username: "user", Secret: "secret"},
	}))
	for i := 0; i < 2; i++ {
		ok, err := repo.BlobExists(context.Background(), dgst)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("expected blob to exist")
		}
	}
	// The challenge is answered once; the second check is authorized up front.
	if n := reg.Count(http.MethodHead, testutil.RouteBlob); n != 3 {
		t.Fatalf("expected 3 requests, got %d", n)
	}
}

func TestAnonymousRejected(t *testing.T) {
	reg := testutil.NewRegistry(t, testutil.WithBasicAuth("user", "secret"))
	dgst, _ := newRandomBlob(8)
	helperErr := errors.New("docker-credential-gcr: not found")

	repo := newRepository(t, reg.URL(), WithCredentials(credentials.Resolution{
		Credential: credentials.Anonymous,
		Source:     "anonymous",
		Failures:   []error{helperErr},
	}))
	_, err := repo.BlobExists(context.Background(), dgst)

	var credErr *imagebuilder.CredentialsError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected CredentialsError, got %v", err)
	}
	if len(credErr.Failures) != 1 || credErr.Failures[0] != helperErr {
		t.Fatalf("unexpected failures %v", credErr.Failures)
	}
}

func TestWrongCredentials(t *testing.T) {
	reg := testutil.NewRegistry(t, testutil.WithBearerAuth("user", "secret"))
	dgst, _ := newRandomBlob(8)

	repo := newRepository(t, reg.URL(), WithCredentials(credentials.Resolution{
		Credential: credentials.Credential{Username: "user", Secret: "wrong"},
	}))
	_, err := repo.BlobExists(context.Background(), dgst)

	var regErr *imagebuilder.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("expected RegistryError, got %v", err)
	}
	if regErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", regErr.StatusCode)
	}
}

func TestManifestPushPull(t *testing.T) {
	reg := testutil.NewRegistry(t)
	base, err := testutil.MakeBaseImage(manifest.FormatOCI, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range base.Layers {
		reg.AddBlob(testRepo, l.Content)
	}
	reg.AddBlob(testRepo, base.Config)

	repo := newRepository(t, reg.URL())
	ctx := context.Background()

	dgst, err := repo.PushManifest(ctx, "v1", base.ManifestDescriptor.MediaType, base.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	if dgst != base.ManifestDescriptor.Digest {
		t.Fatalf("unexpected manifest digest %s", dgst)
	}

	for _, ref := range []string{"v1", dgst.String()} {
		mediaType, payload, got, err := repo.PullManifest(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if mediaType != v1.MediaTypeImageManifest {
			t.Fatalf("unexpected media type %q", mediaType)
		}
		if !bytes.Equal(payload, base.Manifest) || got != dgst {
			t.Fatalf("pulled manifest differs for %s", ref)
		}
	}
}

func TestPushManifestMissingBlobs(t *testing.T) {
	reg := testutil.NewRegistry(t)
	base, err := testutil.MakeBaseImage(manifest.FormatDockerV22, 1)
	if err != nil {
		t.Fatal(err)
	}

	_, err = newRepository(t, reg.URL()).PushManifest(context.Background(), "v1", base.ManifestDescriptor.MediaType, base.Manifest)
	var regErr *imagebuilder.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("expected RegistryError, got %v", err)
	}
	if regErr.Code != "MANIFEST_BLOB_UNKNOWN" {
		t.Fatalf("unexpected error code %q", regErr.Code)
	}
}

func TestPullManifestUnknown(t *testing.T) {
	reg := testutil.NewRegistry(t)

	_, _, _, err := newRepository(t, reg.URL()).PullManifest(context.Background(), "missing")
	if !errors.Is(err, imagebuilder.ErrManifestUnknown) {
		t.Fatalf("expected ErrManifestUnknown, got %v", err)
	}
}

func TestPullManifestVerifiesDigest(t *testing.T) {
	payload := []byte(`{"schemaVersion":2}`)
	wrong := digest.FromString("other")

	var m testutil.RequestResponseMap
	m = append(m, testutil.RequestResponseMapping{
		Request: testutil.Request{Method: http.MethodGet, Route: "/v2/" + testRepo + "/manifests/" + wrong.String()},
		Response: testutil.Response{
			StatusCode: http.StatusOK,
			Body:       payload,
			Headers:    http.Header{"Content-Type": {schema2.MediaTypeManifest}},
		},
	})
	e, c := testServer(m)
	defer c()

	_, _, _, err := newRepository(t, e).PullManifest(context.Background(), wrong.String())
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestRangeEnd(t *testing.T) {
	for _, tc := range []struct {
		header string
		end    int64
		ok     bool
	}{
		{"0-1023", 1023, true},
		{"bytes=0-99", 99, true},
		{"", 0, false},
		{"0-", 0, false},
	} {
		end, ok := rangeEnd(tc.header)
		if end != tc.end || ok != tc.ok {
			t.Fatalf("rangeEnd(%q) = %d, %v", tc.header, end, ok)
		}
	}
}
