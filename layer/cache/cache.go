// Package cache implements the on-disk, content addressable layer cache.
//
// Blobs are stored by digest under blobs/<algorithm>/<hex>. Built layers are
// additionally indexed by the fingerprint of their inputs under
// metadata/<hex>.json, fronted by an in-memory ARC index. Entries are never
// trusted blindly: a hit whose blob is missing or does not match its digest
// is evicted and rebuilt.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/layer"
	prometheus "github.com/distribution/imagebuilder/metrics"
	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultIndexSize is the number of metadata entries kept in memory if
	// no size is configured.
	DefaultIndexSize = 1024

	blobsDir    = "blobs"
	metadataDir = "metadata"
	tmpDir      = "tmp"
)

var (
	lookupCounter = prometheus.CacheNamespace.NewLabeledCounter("lookups", "The number of layer cache lookups", "result")
	buildTimer    = prometheus.CacheNamespace.NewTimer("build", "The time taken to build and store layers")
)

// BuildFunc writes a layer to w and returns its description.
type BuildFunc func(ctx context.Context, w io.Writer) (layer.Layer, error)

// Parameters configure a Cache. They are decoded from the free-form cache
// section of the options file.
type Parameters struct {
	// Directory is the cache root.
	Directory string `mapstructure:"directory"`

	// IndexSize bounds the in-memory metadata index. Zero uses
	// DefaultIndexSize and a negative size means unbounded.
	IndexSize int `mapstructure:"indexsize"`

	// SkipVerify trusts cached blobs whose size matches without hashing
	// them.
	SkipVerify bool `mapstructure:"skipverify"`
}

// entry is the metadata stored per fingerprint.
type entry struct {
	Fingerprint digest.Digest `json:"fingerprint"`
	Name        string        `json:"name"`
	Descriptor  v1.Descriptor `json:"descriptor"`
	DiffID      digest.Digest `json:"diffID"`
	Created     time.Time     `json:"created"`

	// verified is set once the blob was checked in this process.
	verified bool
}

func (e entry) layer() layer.Layer {
	return layer.Layer{Name: e.Name, Descriptor: e.Descriptor, DiffID: e.DiffID}
}

// Cache is safe for concurrent use. Concurrent requests for the same
// fingerprint share one build; different fingerprints build concurrently.
type Cache struct {
	root       string
	skipVerify bool
	index      *arc.ARCCache[digest.Digest, entry]
	inflight   singleflight.Group
}

// FromParameters decodes params and opens the cache they describe.
func FromParameters(params map[string]interface{}) (*Cache, error) {
	var p Parameters
	if err := mapstructure.Decode(params, &p); err != nil {
		return nil, fmt.Errorf("invalid cache parameters: %w", err)
	}
	if p.Directory == "" {
		return nil, errors.New("cache directory is required")
	}
	return New(p)
}

// New opens or creates the cache rooted at p.Directory.
func New(p Parameters) (*Cache, error) {
	size := p.IndexSize
	switch {
	case size == 0:
		size = DefaultIndexSize
	case size < 0:
		size = math.MaxInt
	}

	index, err := arc.NewARC[digest.Digest, entry](size)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{blobsDir, metadataDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(p.Directory, dir), 0o755); err != nil {
			return nil, &imagebuilder.LayerBuildError{Layer: "cache", Path: p.Directory, Err: err}
		}
	}

	return &Cache{
		root:       p.Directory,
		skipVerify: p.SkipVerify,
		index:      index,
	}, nil
}

// Directory returns the cache root.
func (c *Cache) Directory() string {
	return c.root
}

// Layer returns the cached layer for src, building it on a miss.
func (c *Cache) Layer(ctx context.Context, src layer.Source) (layer.Layer, bool, error) {
	fp, err := layer.Fingerprint(ctx, src)
	if err != nil {
		return layer.Layer{}, false, err
	}
	return c.GetOrBuild(ctx, src.Name, fp, func(ctx context.Context, w io.Writer) (layer.Layer, error) {
		return layer.Build(ctx, src, w)
	})
}

// GetOrBuild returns the layer cached for fingerprint or calls build to
// create it. The boolean result reports a cache hit.
func (c *Cache) GetOrBuild(ctx context.Context, name string, fingerprint digest.Digest, build BuildFunc) (layer.Layer, bool, error) {
	logger := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"layer":       name,
		"fingerprint": fingerprint,
	})

	if l, ok := c.Lookup(ctx, fingerprint); ok {
		lookupCounter.WithValues("hit").Inc(1)
		logger.Debugf("layer cache hit: %s", l.Descriptor.Digest)
		return l, true, nil
	}

	var (
		v      interface{}
		err    error
		shared bool
	)
	for {
		v, err, shared = c.inflight.Do(fingerprint.String(), func() (interface{}, error) {
			// Another caller may have finished the build since the lookup.
			if l, ok := c.Lookup(ctx, fingerprint); ok {
				return l, nil
			}
			lookupCounter.WithValues("miss").Inc(1)
			return c.build(ctx, name, fingerprint, build)
		})
		// A joined build fails with the context of the caller that started
		// it. Build again unless this caller was canceled too.
		if err != nil && shared && ctx.Err() == nil && isCanceled(err) {
			logger.Debugf("joined build was canceled, building again")
			continue
		}
		break
	}
	if err != nil {
		return layer.Layer{}, false, err
	}
	l := v.(layer.Layer)
	if shared {
		logger.Debugf("joined in-progress build of %s", l.Descriptor.Digest)
	}
	return l, false, nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) build(ctx context.Context, name string, fingerprint digest.Digest, build BuildFunc) (layer.Layer, error) {
	defer buildTimer.UpdateSince(time.Now())

	tmp, err := os.CreateTemp(filepath.Join(c.root, tmpDir), "layer-")
	if err != nil {
		return layer.Layer{}, &imagebuilder.LayerBuildError{Layer: name, Path: c.root, Err: err}
	}
	defer os.Remove(tmp.Name())

	l, err := build(ctx, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = &imagebuilder.LayerBuildError{Layer: name, Path: tmp.Name(), Err: cerr}
	}
	if err != nil {
		return layer.Layer{}, err
	}

	if err := c.commitBlob(tmp.Name(), l.Descriptor.Digest); err != nil {
		return layer.Layer{}, &imagebuilder.LayerBuildError{Layer: name, Path: c.blobPath(l.Descriptor.Digest), Err: err}
	}

	e := entry{
		Fingerprint: fingerprint,
		Name:        name,
		Descriptor:  l.Descriptor,
		DiffID:      l.DiffID,
		Created:     time.Now().UTC(),
		verified:    true,
	}
	if err := c.writeMetadata(e); err != nil {
		return layer.Layer{}, &imagebuilder.LayerBuildError{Layer: name, Path: c.metadataPath(fingerprint), Err: err}
	}
	c.index.Add(fingerprint, e)

	dcontext.GetLoggerWithField(ctx, "layer", name).Infof("built layer %s (%d bytes)", l.Descriptor.Digest, l.Descriptor.Size)
	return l, nil
}

// Lookup returns the layer cached for fingerprint. Entries whose blob is
// missing or corrupt are evicted and reported as misses.
func (c *Cache) Lookup(ctx context.Context, fingerprint digest.Digest) (layer.Layer, bool) {
	e, ok := c.index.Get(fingerprint)
	if !ok {
		var err error
		e, err = c.readMetadata(fingerprint)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				dcontext.GetLogger(ctx).Warnf("ignoring unreadable cache metadata for %s: %v", fingerprint, err)
			}
			return layer.Layer{}, false
		}
	}

	if !e.verified {
		if err := c.verifyBlob(e.Descriptor); err != nil {
			dcontext.GetLoggerWithField(ctx, "layer", e.Name).Warnf("evicting corrupt cache entry %s: %v", fingerprint, err)
			c.evict(fingerprint)
			return layer.Layer{}, false
		}
		e.verified = true
		c.index.Add(fingerprint, e)
	} else if !c.blobPresent(e.Descriptor) {
		dcontext.GetLoggerWithField(ctx, "layer", e.Name).Warnf("evicting cache entry %s: blob %s is missing", fingerprint, e.Descriptor.Digest)
		c.evict(fingerprint)
		return layer.Layer{}, false
	}

	return e.layer(), true
}

func (c *Cache) evict(fingerprint digest.Digest) {
	c.index.Remove(fingerprint)
	_ = os.Remove(c.metadataPath(fingerprint))
}

func (c *Cache) readMetadata(fingerprint digest.Digest) (entry, error) {
	b, err := os.ReadFile(c.metadataPath(fingerprint))
	if err != nil {
		return entry{}, err
	}
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return entry{}, err
	}
	if e.Fingerprint != fingerprint {
		return entry{}, fmt.Errorf("metadata is for fingerprint %s", e.Fingerprint)
	}
	if err := e.Descriptor.Digest.Validate(); err != nil {
		return entry{}, err
	}
	return e, nil
}

func (c *Cache) writeMetadata(e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(c.root, tmpDir), "metadata-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.metadataPath(e.Fingerprint))
}

func (c *Cache) metadataPath(fingerprint digest.Digest) string {
	return filepath.Join(c.root, metadataDir, fingerprint.Encoded()+".json")
}
