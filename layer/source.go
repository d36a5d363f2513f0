package layer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/distribution/imagebuilder"
	"github.com/opencontainers/go-digest"
)

const (
	// DependenciesPath is where dependency archives are placed in the image.
	DependenciesPath = "/app/libs/"

	// ResourcesPath is where resource files are placed in the image.
	ResourcesPath = "/app/resources/"

	// ClassesPath is where compiled classes are placed in the image.
	ClassesPath = "/app/classes/"
)

// Source is a logical group of application inputs that becomes one layer.
type Source struct {
	// Name identifies the layer in logs and history, e.g. "classes".
	Name string

	// Files lists files and directories on the local filesystem. A file
	// is placed directly under ExtractionPath; the contents of a directory
	// are placed under ExtractionPath keeping their relative paths.
	Files []string

	// ExtractionPath is the absolute directory inside the image.
	ExtractionPath string
}

// JavaSources returns the default application layers in increasing order of
// volatility: dependencies, resources, classes.
func JavaSources(dependencies, resources, classes []string) []Source {
	return []Source{
		{Name: "dependencies", Files: dependencies, ExtractionPath: DependenciesPath},
		{Name: "resources", Files: resources, ExtractionPath: ResourcesPath},
		{Name: "classes", Files: classes, ExtractionPath: ClassesPath},
	}
}

// IsEmpty reports whether s has no inputs.
func (s Source) IsEmpty() bool {
	return len(s.Files) == 0
}

// entry is one file system object of a layer.
type entry struct {
	// name is the in-image path without leading slash.
	name string
	// source is the path on the local filesystem; empty for implicit
	// parent directories.
	source string
	info   fs.FileInfo
}

func (e entry) isDir() bool {
	return e.info == nil || e.info.IsDir()
}

// collect walks the inputs of s and returns its entries sorted by in-image
// path, including every parent directory.
func collect(ctx context.Context, s Source) ([]entry, error) {
	root := strings.Trim(path.Clean("/"+s.ExtractionPath), "/")
	if root == "" {
		return nil, &imagebuilder.LayerBuildError{Layer: s.Name, Err: fmt.Errorf("invalid extraction path %q", s.ExtractionPath)}
	}

	byName := make(map[string]entry)
	add := func(e entry) {
		byName[e.name] = e
		for dir := path.Dir(e.name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := byName[dir]; !ok {
				byName[dir] = entry{name: dir}
			}
		}
	}
	add(entry{name: root})

	for _, input := range s.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Lstat(input)
		if err != nil {
			return nil, &imagebuilder.LayerBuildError{Layer: s.Name, Path: input, Err: err}
		}

		if !info.IsDir() {
			add(entry{name: path.Join(root, filepath.Base(input)), source: input, info: info})
			continue
		}

		err = filepath.WalkDir(input, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(input, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			add(entry{name: path.Join(root, filepath.ToSlash(rel)), source: p, info: info})
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &imagebuilder.LayerBuildError{Layer: s.Name, Path: input, Err: err}
		}
	}

	entries := make([]entry, 0, len(byName))
	for _, e := range byName {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})
	return entries, nil
}

// Fingerprint identifies the current state of the inputs of s: the
// extraction path and the path, size, modification time and mode of every
// file and directory reachable from the inputs. It does not read file
// contents.
func Fingerprint(ctx context.Context, s Source) (digest.Digest, error) {
	entries, err := collect(ctx, s)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	fmt.Fprintf(h, "extraction %s\n", s.ExtractionPath)
	for _, e := range entries {
		if e.info == nil {
			fmt.Fprintf(h, "dir %s\n", e.name)
			continue
		}
		fmt.Fprintf(h, "%s %s %d %d %o\n",
			e.name, e.source, e.info.Size(), e.info.ModTime().UnixNano(), uint32(e.info.Mode()))
	}
	return digest.NewDigest(digest.SHA256, h), nil
}
