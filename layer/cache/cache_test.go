package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/layer"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Parameters{Directory: t.TempDir()})
	require.NoError(t, err)
	return c
}

// staticBuild returns a BuildFunc writing content and counting its calls.
func staticBuild(content string, calls *int32) BuildFunc {
	return func(ctx context.Context, w io.Writer) (layer.Layer, error) {
		atomic.AddInt32(calls, 1)
		if _, err := io.WriteString(w, content); err != nil {
			return layer.Layer{}, err
		}
		return layer.Layer{
			Name: "test",
			Descriptor: v1.Descriptor{
				MediaType: v1.MediaTypeImageLayerGzip,
				Digest:    digest.FromString(content),
				Size:      int64(len(content)),
			},
			DiffID: digest.FromString("uncompressed " + content),
		}, nil
	}
}

func TestGetOrBuildCachesByFingerprint(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	fp := digest.FromString("inputs")

	var calls int32
	l, hit, err := c.GetOrBuild(ctx, "test", fp, staticBuild("layer one", &calls))
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, digest.FromString("layer one"), l.Descriptor.Digest)

	again, hit, err := c.GetOrBuild(ctx, "test", fp, staticBuild("layer one", &calls))
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, l, again)
	require.EqualValues(t, 1, calls)

	f, err := c.OpenBlob(l.Descriptor.Digest)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "layer one", string(b))
}

func TestMetadataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fp := digest.FromString("inputs")

	c, err := New(Parameters{Directory: dir})
	require.NoError(t, err)
	var calls int32
	built, _, err := c.GetOrBuild(ctx, "test", fp, staticBuild("persisted", &calls))
	require.NoError(t, err)

	reopened, err := FromParameters(map[string]interface{}{"directory": dir, "indexsize": 8})
	require.NoError(t, err)
	l, hit, err := reopened.GetOrBuild(ctx, "test", fp, staticBuild("persisted", &calls))
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, built, l)
	require.EqualValues(t, 1, calls)
}

func TestCorruptBlobIsRebuilt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fp := digest.FromString("inputs")

	c, err := New(Parameters{Directory: dir})
	require.NoError(t, err)
	var calls int32
	l, _, err := c.GetOrBuild(ctx, "test", fp, staticBuild("original", &calls))
	require.NoError(t, err)

	// Same size, different content.
	require.NoError(t, os.WriteFile(c.blobPath(l.Descriptor.Digest), []byte("tampered"), 0o644))

	// A fresh process has not verified the entry yet.
	reopened, err := New(Parameters{Directory: dir})
	require.NoError(t, err)
	_, hit := reopened.Lookup(ctx, fp)
	require.False(t, hit)
	_, err = os.Stat(reopened.metadataPath(fp))
	require.True(t, errors.Is(err, os.ErrNotExist), "corrupt entry should be evicted")

	rebuilt, hit, err := reopened.GetOrBuild(ctx, "test", fp, staticBuild("original", &calls))
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, l, rebuilt)
	require.EqualValues(t, 2, calls)
}

func TestMissingBlobIsMiss(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	fp := digest.FromString("inputs")

	var calls int32
	l, _, err := c.GetOrBuild(ctx, "test", fp, staticBuild("gone", &calls))
	require.NoError(t, err)
	require.NoError(t, os.Remove(c.blobPath(l.Descriptor.Digest)))

	_, hit, err := c.GetOrBuild(ctx, "test", fp, staticBuild("gone", &calls))
	require.NoError(t, err)
	require.False(t, hit)
	require.EqualValues(t, 2, calls)
	require.True(t, c.HasBlob(l.Descriptor))
}

func TestConcurrentBuildsAreShared(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	fp := digest.FromString("inputs")

	release := make(chan struct{})
	var calls int32
	build := func(ctx context.Context, w io.Writer) (layer.Layer, error) {
		<-release
		return staticBuild("shared", &calls)(ctx, w)
	}

	const callers = 8
	var (
		wg      sync.WaitGroup
		results = make([]layer.Layer, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrBuild(ctx, "test", fp, build)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.EqualValues(t, 1, calls)
}

func TestJoinedBuildSurvivesCanceledStarter(t *testing.T) {
	c := newCache(t)
	fp := digest.FromString("inputs")

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	starterDone := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrBuild(ctx, "test", fp, func(ctx context.Context, w io.Writer) (layer.Layer, error) {
			close(started)
			<-ctx.Done()
			return layer.Layer{}, ctx.Err()
		})
		starterDone <- err
	}()
	<-started

	var calls int32
	joinerDone := make(chan error, 1)
	var joined layer.Layer
	go func() {
		var err error
		joined, _, err = c.GetOrBuild(context.Background(), "test", fp, staticBuild("joined", &calls))
		joinerDone <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-starterDone, context.Canceled)
	require.NoError(t, <-joinerDone)
	require.Equal(t, digest.FromString("joined"), joined.Descriptor.Digest)
	require.EqualValues(t, 1, calls)
}

func TestBuildFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	fp := digest.FromString("inputs")

	failure := &imagebuilder.LayerBuildError{Layer: "test", Err: os.ErrPermission}
	_, _, err := c.GetOrBuild(ctx, "test", fp, func(context.Context, io.Writer) (layer.Layer, error) {
		return layer.Layer{}, failure
	})
	require.ErrorIs(t, err, os.ErrPermission)

	var calls int32
	_, hit, err := c.GetOrBuild(ctx, "test", fp, staticBuild("second try", &calls))
	require.NoError(t, err)
	require.False(t, hit)
	require.EqualValues(t, 1, calls)

	entries, err := os.ReadDir(filepath.Join(c.Directory(), tmpDir))
	require.NoError(t, err)
	require.Empty(t, entries, "temporary files should be cleaned up")
}

func TestLayerFromSource(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.jar"), []byte("jar"), 0o644))
	s := layer.Source{Name: "dependencies", Files: []string{filepath.Join(src, "app.jar")}, ExtractionPath: layer.DependenciesPath}

	l, hit, err := c.Layer(ctx, s)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "dependencies", l.Name)

	again, hit, err := c.Layer(ctx, s)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, l, again)
}

func TestPutBlob(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	content := []byte("base layer")
	desc := v1.Descriptor{Digest: digest.FromBytes(content), Size: int64(len(content))}
	require.False(t, c.HasBlob(desc))

	n, err := c.PutBlob(ctx, desc, bytes.NewReader(content))
	require.NoError(t, err)
	require.EqualValues(t, len(content), n)
	require.True(t, c.HasBlob(desc))

	bad := v1.Descriptor{Digest: digest.FromString("other"), Size: int64(len(content))}
	_, err = c.PutBlob(ctx, bad, bytes.NewReader(content))
	var buildErr *imagebuilder.LayerBuildError
	require.ErrorAs(t, err, &buildErr)
	require.False(t, c.HasBlob(bad))

	_, err = c.OpenBlob(bad.Digest)
	require.ErrorIs(t, err, imagebuilder.ErrBlobUnknown)
}

func TestPutBlobCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newCache(t)

	content := []byte("never stored")
	desc := v1.Descriptor{Digest: digest.FromBytes(content), Size: int64(len(content))}
	_, err := c.PutBlob(ctx, desc, bytes.NewReader(content))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, c.HasBlob(desc))
}

func TestFromParametersRequiresDirectory(t *testing.T) {
	_, err := FromParameters(map[string]interface{}{"indexsize": 4})
	require.Error(t, err)

	_, err = FromParameters(map[string]interface{}{"directory": t.TempDir(), "indexsize": "many"})
	require.Error(t, err)
}
