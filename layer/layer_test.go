package layer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func classesTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "com", "example", "Main.class"), "main", 0o600)
	writeFile(t, filepath.Join(dir, "com", "example", "util", "Helper.class"), "helper", 0o644)
	writeFile(t, filepath.Join(dir, "run.sh"), "#!/bin/sh\n", 0o700)
	return dir
}

type tarEntry struct {
	name     string
	typeflag byte
	mode     int64
	size     int64
	content  string
}

func readLayer(t *testing.T, blob []byte) []tarEntry {
	t.Helper()
	require.Greater(t, len(blob), 10)
	// MTIME occupies bytes 4 to 8 of the gzip header.
	require.Equal(t, []byte{0, 0, 0, 0}, blob[4:8], "gzip header carries a modification time")

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	require.Empty(t, gz.Name)
	require.True(t, gz.ModTime.IsZero())

	var entries []tarEntry
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, ModTime, hdr.ModTime.UTC())
		require.Zero(t, hdr.Uid)
		require.Zero(t, hdr.Gid)
		require.Empty(t, hdr.Uname)
		require.Empty(t, hdr.Gname)

		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries = append(entries, tarEntry{
			name:     hdr.Name,
			typeflag: hdr.Typeflag,
			mode:     hdr.Mode,
			size:     hdr.Size,
			content:  string(content),
		})
	}
	return entries
}

func TestBuildLayout(t *testing.T) {
	src := Source{Name: "classes", Files: []string{classesTree(t)}, ExtractionPath: ClassesPath}

	var buf bytes.Buffer
	l, err := Build(context.Background(), src, &buf)
	require.NoError(t, err)

	require.Equal(t, "classes", l.Name)
	require.Equal(t, digest.FromBytes(buf.Bytes()), l.Descriptor.Digest)
	require.Equal(t, int64(buf.Len()), l.Descriptor.Size)

	entries := readLayer(t, buf.Bytes())
	require.Equal(t, []tarEntry{
		{name: "app/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/classes/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/classes/com/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/classes/com/example/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/classes/com/example/Main.class", typeflag: tar.TypeReg, mode: 0o644, size: 4, content: "main"},
		{name: "app/classes/com/example/util/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/classes/com/example/util/Helper.class", typeflag: tar.TypeReg, mode: 0o644, size: 6, content: "helper"},
		{name: "app/classes/run.sh", typeflag: tar.TypeReg, mode: 0o755, size: 10, content: "#!/bin/sh\n"},
	}, entries)

	gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	uncompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(uncompressed), l.DiffID)
}

func TestBuildFilesGoUnderExtractionPath(t *testing.T) {
	dir := t.TempDir()
	jar1 := filepath.Join(dir, "b.jar")
	jar2 := filepath.Join(dir, "nested", "a.jar")
	writeFile(t, jar1, "b", 0o644)
	writeFile(t, jar2, "a", 0o644)

	var buf bytes.Buffer
	_, err := Build(context.Background(), Source{Name: "dependencies", Files: []string{jar1, jar2}, ExtractionPath: DependenciesPath}, &buf)
	require.NoError(t, err)

	var names []string
	for _, e := range readLayer(t, buf.Bytes()) {
		names = append(names, e.name)
	}
	require.Equal(t, []string{"app/", "app/libs/", "app/libs/a.jar", "app/libs/b.jar"}, names)
}

func TestBuildIsReproducible(t *testing.T) {
	dir := classesTree(t)
	src := Source{Name: "classes", Files: []string{dir}, ExtractionPath: ClassesPath}

	var first bytes.Buffer
	l1, err := Build(context.Background(), src, &first)
	require.NoError(t, err)

	// Different timestamps and permission bits that normalize to the same
	// mode must not change the result.
	later := time.Now().Add(time.Hour)
	require.NoError(t, filepath.Walk(dir, func(p string, _ os.FileInfo, err error) error {
		require.NoError(t, err)
		return os.Chtimes(p, later, later)
	}))
	require.NoError(t, os.Chmod(filepath.Join(dir, "com", "example", "Main.class"), 0o640))

	var second bytes.Buffer
	l2, err := Build(context.Background(), src, &second)
	require.NoError(t, err)

	require.Equal(t, first.Bytes(), second.Bytes())
	require.Equal(t, l1, l2)

	// The same tree copied elsewhere builds the same layer.
	copyDir := classesTree(t)
	var third bytes.Buffer
	l3, err := Build(context.Background(), Source{Name: "classes", Files: []string{copyDir}, ExtractionPath: ClassesPath}, &third)
	require.NoError(t, err)
	require.Equal(t, l1.Descriptor.Digest, l3.Descriptor.Digest)
	require.Equal(t, l1.DiffID, l3.DiffID)
}

func TestBuildContentChangesDigest(t *testing.T) {
	dir := classesTree(t)
	src := Source{Name: "classes", Files: []string{dir}, ExtractionPath: ClassesPath}

	l1, err := Build(context.Background(), src, io.Discard)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "com", "example", "Main.class"), "MAIN", 0o644)
	l2, err := Build(context.Background(), src, io.Discard)
	require.NoError(t, err)

	require.NotEqual(t, l1.Descriptor.Digest, l2.Descriptor.Digest)
	require.NotEqual(t, l1.DiffID, l2.DiffID)
}

func TestBuildMissingInput(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.jar")
	_, err := Build(context.Background(), Source{Name: "dependencies", Files: []string{missing}, ExtractionPath: DependenciesPath}, io.Discard)

	var layerErr *imagebuilder.LayerBuildError
	require.ErrorAs(t, err, &layerErr)
	require.Equal(t, "dependencies", layerErr.Layer)
	require.Equal(t, missing, layerErr.Path)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestBuildWriteFailure(t *testing.T) {
	src := Source{Name: "classes", Files: []string{classesTree(t)}, ExtractionPath: ClassesPath}
	_, err := Build(context.Background(), src, failingWriter{})

	var layerErr *imagebuilder.LayerBuildError
	require.ErrorAs(t, err, &layerErr)
}

func TestBuildCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, Source{Name: "classes", Files: []string{classesTree(t)}, ExtractionPath: ClassesPath}, io.Discard)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFingerprint(t *testing.T) {
	dir := classesTree(t)
	src := Source{Name: "classes", Files: []string{dir}, ExtractionPath: ClassesPath}

	fp1, err := Fingerprint(context.Background(), src)
	require.NoError(t, err)
	fp2, err := Fingerprint(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	// Moving the same inputs to a different extraction path is a different layer.
	other := src
	other.ExtractionPath = ResourcesPath
	fpOther, err := Fingerprint(context.Background(), other)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fpOther)

	// Touching a file changes the fingerprint.
	later := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "run.sh"), later, later))
	fp3, err := Fingerprint(context.Background(), src)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)

	// Adding a file changes the fingerprint.
	writeFile(t, filepath.Join(dir, "extra.properties"), "x=1", 0o644)
	fp4, err := Fingerprint(context.Background(), src)
	require.NoError(t, err)
	require.NotEqual(t, fp3, fp4)
}

func TestJavaSourcesOrder(t *testing.T) {
	sources := JavaSources([]string{"a.jar"}, nil, []string{"classes"})
	require.Len(t, sources, 3)
	require.Equal(t, "dependencies", sources[0].Name)
	require.Equal(t, DependenciesPath, sources[0].ExtractionPath)
	require.Equal(t, "resources", sources[1].Name)
	require.True(t, sources[1].IsEmpty())
	require.Equal(t, "classes", sources[2].Name)
	require.Equal(t, ClassesPath, sources[2].ExtractionPath)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}
