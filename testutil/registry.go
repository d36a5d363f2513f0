package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/distribution/imagebuilder/internal/uuid"
	"github.com/distribution/imagebuilder/registry/api/errcode"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// Route names used by Registry.Count and Registry.FailNext.
const (
	RouteBase     = "base"
	RouteBlob     = "blob"
	RouteUploads  = "uploads"
	RouteUpload   = "upload"
	RouteManifest = "manifest"
	RouteToken    = "token"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBasicAuth makes the registry demand basic credentials.
func WithBasicAuth(username, password string) RegistryOption {
	return func(r *Registry) {
		r.scheme = "basic"
		r.username, r.password = username, password
	}
}

// WithBearerAuth makes the registry demand tokens from its /token endpoint.
// An empty username lets anonymous clients obtain tokens.
func WithBearerAuth(username, password string) RegistryOption {
	return func(r *Registry) {
		r.scheme = "bearer"
		r.username, r.password = username, password
	}
}

// WithoutMounts makes the registry decline cross repository mounts.
func WithoutMounts() RegistryOption {
	return func(r *Registry) { r.noMounts = true }
}

type storedManifest struct {
	mediaType string
	payload   []byte
}

type failure struct {
	status int
	count  int
}

// Registry is an in-memory registry API v2 server for tests. It implements
// blob existence, download, chunked upload, cross repository mount and
// manifest transfer, optionally behind basic or bearer authentication.
type Registry struct {
	server *httptest.Server

	mu        sync.Mutex
	scheme    string
	username  string
	password  string
	noMounts  bool
	blobs     map[digest.Digest][]byte
	repoBlobs map[string]map[digest.Digest]bool
	manifests map[string]map[string]storedManifest
	uploads   map[string]*blobUpload
	failures  map[string]*failure
	rejectRng int
	counts    map[string]int
	uploaded  int64
}

type blobUpload struct {
	repo string
	data []byte
}

// NewRegistry starts a Registry that is shut down when the test ends.
func NewRegistry(t testing.TB, opts ...RegistryOption) *Registry {
	r := &Registry{
		blobs:     make(map[digest.Digest][]byte),
		repoBlobs: make(map[string]map[digest.Digest]bool),
		manifests: make(map[string]map[string]storedManifest),
		uploads:   make(map[string]*blobUpload),
		failures:  make(map[string]*failure),
		counts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}

	router := mux.NewRouter()
	router.Use(r.middleware)
	router.Handle("/v2/", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(r.base),
	}).Name(RouteBase)
	router.Handle("/v2/{name:.+}/blobs/uploads/", handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(r.startUpload),
	}).Name(RouteUploads)
	router.Handle("/v2/{name:.+}/blobs/uploads/{id}", handlers.MethodHandler{
		http.MethodPatch: http.HandlerFunc(r.patchUpload),
		http.MethodPut:   http.HandlerFunc(r.putUpload),
	}).Name(RouteUpload)
	router.Handle("/v2/{name:.+}/blobs/{digest}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(r.getBlob),
		http.MethodHead: http.HandlerFunc(r.getBlob),
	}).Name(RouteBlob)
	router.Handle("/v2/{name:.+}/manifests/{reference}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(r.getManifest),
		http.MethodHead: http.HandlerFunc(r.getManifest),
		http.MethodPut:  http.HandlerFunc(r.putManifest),
	}).Name(RouteManifest)
	router.Handle("/token", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(r.token),
		http.MethodPost: http.HandlerFunc(r.token),
	}).Name(RouteToken)

	r.server = httptest.NewServer(router)
	t.Cleanup(r.server.Close)
	return r
}

// URL returns the base URL of the registry.
func (r *Registry) URL() string {
	return r.server.URL
}

// Host returns the host:port of the registry.
func (r *Registry) Host() string {
	u, _ := url.Parse(r.server.URL)
	return u.Host
}

// FailNext makes the next n requests with method to the named route fail
// with status.
func (r *Registry) FailNext(method, route string, status, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[method+" "+route] = &failure{status: status, count: n}
}

// RejectNextChunks makes the next n chunk uploads fail with 416 and a Range
// header reporting what the registry holds.
func (r *Registry) RejectNextChunks(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectRng = n
}

// Count returns how many requests with method reached the named route.
func (r *Registry) Count(method, route string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[method+" "+route]
}

// UploadedBytes returns the number of blob bytes received through uploads.
func (r *Registry) UploadedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploaded
}

// AddBlob stores content in repo and returns its digest.
func (r *Registry) AddBlob(repo string, content []byte) digest.Digest {
	dgst := digest.FromBytes(content)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkBlob(repo, dgst, content)
	return dgst
}

// Blob returns the content of dgst if repo has it.
func (r *Registry) Blob(repo string, dgst digest.Digest) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.repoBlobs[repo][dgst] {
		return nil, false
	}
	return r.blobs[dgst], true
}

// AddManifest stores payload in repo under reference and under its digest.
func (r *Registry) AddManifest(repo, reference, mediaType string, payload []byte) digest.Digest {
	dgst := digest.FromBytes(payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeManifest(repo, reference, dgst, storedManifest{mediaType: mediaType, payload: payload})
	return dgst
}

// Manifest returns the manifest stored in repo under reference.
func (r *Registry) Manifest(repo, reference string) (string, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[repo][reference]
	return m.mediaType, m.payload, ok
}

func (r *Registry) linkBlob(repo string, dgst digest.Digest, content []byte) {
	r.blobs[dgst] = content
	if r.repoBlobs[repo] == nil {
		r.repoBlobs[repo] = make(map[digest.Digest]bool)
	}
	r.repoBlobs[repo][dgst] = true
}

func (r *Registry) storeManifest(repo, reference string, dgst digest.Digest, m storedManifest) {
	if r.manifests[repo] == nil {
		r.manifests[repo] = make(map[string]storedManifest)
	}
	r.manifests[repo][reference] = m
	r.manifests[repo][dgst.String()] = m
}

func (r *Registry) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route := ""
		if current := mux.CurrentRoute(req); current != nil {
			route = current.GetName()
		}
		key := req.Method + " " + route

		r.mu.Lock()
		r.counts[key]++
		f := r.failures[key]
		inject := f != nil && f.count > 0
		if inject {
			f.count--
		}
		r.mu.Unlock()

		if inject {
			_, _ = io.Copy(io.Discard, req.Body)
			code := errcode.ErrorCodeUnavailable
			if f.status == http.StatusTooManyRequests {
				code = errcode.ErrorCodeTooManyRequests
			}
			if f.status == http.StatusTooManyRequests || f.status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "0")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_ = json.NewEncoder(w).Encode(errcode.Errors{code.WithMessage(http.StatusText(f.status))})
			return
		}

		if route != RouteToken && !r.authorized(w, req) {
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Registry) authorized(w http.ResponseWriter, req *http.Request) bool {
	switch r.scheme {
	case "basic":
		user, pass, ok := req.BasicAuth()
		if ok && user == r.username && pass == r.password {
			return true
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="fake"`)
	case "bearer":
		if req.Header.Get("Authorization") == "Bearer "+r.tokenValue() {
			return true
		}
		scope := ""
		if name := mux.Vars(req)["name"]; name != "" {
			scope = fmt.Sprintf(`,scope="repository:%s:pull,push"`, name)
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="fake"%s`, r.server.URL, scope))
	default:
		return true
	}
	_ = errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized)
	return false
}

func (r *Registry) tokenValue() string {
	if r.username == "" {
		return "anonymous-token"
	}
	return "token-for-" + r.username
}

func (r *Registry) token(w http.ResponseWriter, req *http.Request) {
	if r.username != "" {
		switch req.Method {
		case http.MethodPost:
			if err := req.ParseForm(); err != nil || req.PostForm.Get("refresh_token") != r.password {
				http.Error(w, "invalid refresh token", http.StatusUnauthorized)
				return
			}
		default:
			user, pass, ok := req.BasicAuth()
			if !ok || user != r.username || pass != r.password {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      r.tokenValue(),
		"expires_in": 300,
	})
}

func (r *Registry) base(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

func (r *Registry) getBlob(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	dgst, err := digest.Parse(vars["digest"])
	if err != nil {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		return
	}

	content, ok := r.Blob(vars["name"], dgst)
	if !ok {
		if req.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = errcode.ServeJSON(w, errcode.ErrorCodeBlobUnknown.WithDetail(dgst))
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		_, _ = w.Write(content)
	}
}

func (r *Registry) startUpload(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	q := req.URL.Query()

	r.mu.Lock()
	defer r.mu.Unlock()

	if mount, from := q.Get("mount"), q.Get("from"); mount != "" && from != "" && !r.noMounts {
		dgst := digest.Digest(mount)
		if r.repoBlobs[from][dgst] {
			r.linkBlob(name, dgst, r.blobs[dgst])
			w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, dgst))
			w.Header().Set("Docker-Content-Digest", dgst.String())
			w.WriteHeader(http.StatusCreated)
			return
		}
	}

	id := uuid.NewString()
	r.uploads[id] = &blobUpload{repo: name}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) patchUpload(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	up, ok := r.uploads[vars["id"]]
	if !ok {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeBlobUploadUnknown)
		return
	}

	start := int64(len(up.data))
	if cr := req.Header.Get("Content-Range"); cr != "" {
		from, _, _ := strings.Cut(cr, "-")
		if n, err := strconv.ParseInt(from, 10, 64); err != nil || n != start {
			r.writeRange(w, vars["name"], vars["id"], up, http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}
	if r.rejectRng > 0 {
		r.rejectRng--
		r.writeRange(w, vars["name"], vars["id"], up, http.StatusRequestedRangeNotSatisfiable)
		return
	}

	up.data = append(up.data, body...)
	r.uploaded += int64(len(body))
	r.writeRange(w, vars["name"], vars["id"], up, http.StatusAccepted)
}

func (r *Registry) writeRange(w http.ResponseWriter, name, id string, up *blobUpload, status int) {
	end := len(up.data) - 1
	if end < 0 {
		end = 0
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	w.Header().Set("Range", fmt.Sprintf("0-%d", end))
	w.Header().Set("Docker-Upload-UUID", id)
	if status == http.StatusRequestedRangeNotSatisfiable && len(up.data) == 0 {
		w.Header().Del("Range")
	}
	w.WriteHeader(status)
}

func (r *Registry) putUpload(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err))
		return
	}

	dgst, err := digest.Parse(req.URL.Query().Get("digest"))
	if err != nil {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	up, ok := r.uploads[vars["id"]]
	if !ok {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeBlobUploadUnknown)
		return
	}
	up.data = append(up.data, body...)
	r.uploaded += int64(len(body))

	if digest.FromBytes(up.data) != dgst {
		delete(r.uploads, vars["id"])
		_ = errcode.ServeJSON(w, errcode.ErrorCodeDigestInvalid.WithDetail("content does not match digest"))
		return
	}

	delete(r.uploads, vars["id"])
	r.linkBlob(up.repo, dgst, up.data)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", up.repo, dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

func (r *Registry) getManifest(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	mediaType, payload, ok := r.Manifest(vars["name"], vars["reference"])
	if !ok {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeManifestUnknown.WithDetail(vars["reference"]))
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Set("Docker-Content-Digest", digest.FromBytes(payload).String())
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		_, _ = w.Write(payload)
	}
}

// referencedBlobs lists the config and layers of an image manifest, or the
// manifests of an index.
type referencedBlobs struct {
	Config *struct {
		Digest digest.Digest `json:"digest"`
	} `json:"config"`
	Layers []struct {
		Digest digest.Digest `json:"digest"`
	} `json:"layers"`
}

func (r *Registry) putManifest(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeManifestInvalid.WithDetail(err))
		return
	}

	var refs referencedBlobs
	if err := json.Unmarshal(payload, &refs); err != nil {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeManifestInvalid.WithDetail(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var required []digest.Digest
	if refs.Config != nil {
		required = append(required, refs.Config.Digest)
	}
	for _, l := range refs.Layers {
		required = append(required, l.Digest)
	}
	for _, dgst := range required {
		if !r.repoBlobs[vars["name"]][dgst] {
			_ = errcode.ServeJSON(w, errcode.ErrorCodeManifestBlobUnknown.WithDetail(dgst))
			return
		}
	}

	dgst := digest.FromBytes(payload)
	if ref, err := digest.Parse(vars["reference"]); err == nil && ref != dgst {
		_ = errcode.ServeJSON(w, errcode.ErrorCodeDigestInvalid.WithDetail("manifest does not match digest"))
		return
	}

	r.storeManifest(vars["name"], vars["reference"], dgst, storedManifest{
		mediaType: req.Header.Get("Content-Type"),
		payload:   payload,
	})
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", vars["name"], dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}
