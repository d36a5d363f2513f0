// Package buildcontext exports a build as a directory that a Dockerfile
// based builder can consume: the application files grouped per layer and a
// Dockerfile that assembles them on top of the base image.
package buildcontext

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/distribution/imagebuilder/configuration"
	"github.com/distribution/imagebuilder/layer"
)

// ClearDirectoryError is returned when the export directory cannot be
// emptied.
type ClearDirectoryError struct {
	Dir string
	Err error
}

func (e *ClearDirectoryError) Error() string {
	return fmt.Sprintf("Export Docker context failed because cannot clear directory '%s'", e.Dir)
}

func (e *ClearDirectoryError) Unwrap() error { return e.Err }

// Export replaces the contents of dir with the build context of cfg.
func Export(dir string, cfg *configuration.BuildConfiguration) error {
	if err := os.RemoveAll(dir); err != nil {
		return &ClearDirectoryError{Dir: dir, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ClearDirectoryError{Dir: dir, Err: err}
	}

	var copies []copyInstruction
	for _, src := range cfg.Layers() {
		if src.IsEmpty() {
			continue
		}
		name := contextDirectory(src)
		if err := copySource(src, filepath.Join(dir, name)); err != nil {
			return err
		}
		copies = append(copies, copyInstruction{from: name, to: src.ExtractionPath})
	}

	dockerfile, err := renderDockerfile(cfg, copies)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "Dockerfile"), dockerfile, 0o644)
}

// contextDirectory names the directory of src inside the context.
func contextDirectory(src layer.Source) string {
	if src.Name == "dependencies" {
		return "libs"
	}
	return src.Name
}

type copyInstruction struct {
	from string
	to   string
}

// renderDockerfile renders the Dockerfile of cfg. ENV and LABEL entries are sorted
// by key; ENTRYPOINT and CMD use the exec form.
func renderDockerfile(cfg *configuration.BuildConfiguration, copies []copyInstruction) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", cfg.BaseImage())

	if len(copies) > 0 {
		b.WriteString("\n")
	}
	for _, c := range copies {
		fmt.Fprintf(&b, "COPY %s %s\n", c.from, c.to)
	}
	b.WriteString("\n")

	writeKeyValues(&b, "ENV", cfg.Environment())
	if ports := cfg.ExposedPorts(); len(ports) > 0 {
		fmt.Fprintf(&b, "EXPOSE %s\n", strings.Join(ports, " "))
	}
	writeKeyValues(&b, "LABEL", cfg.Labels())

	entrypoint, err := json.Marshal(cfg.Entrypoint())
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&b, "ENTRYPOINT %s\n", entrypoint)

	args := cfg.JavaArguments()
	if args == nil {
		args = []string{}
	}
	cmd, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&b, "CMD %s\n", cmd)

	return []byte(b.String()), nil
}

func writeKeyValues(b *strings.Builder, instruction string, kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s %s=%s\n", instruction, k, strconv.Quote(kv[k]))
	}
}

// copySource copies the inputs of src into dst the way they are laid out in
// the layer: files directly, directories by their contents.
func copySource(src layer.Source, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, input := range src.Files {
		info, err := os.Stat(input)
		if err != nil {
			return fmt.Errorf("exporting layer %s: %w", src.Name, err)
		}
		if !info.IsDir() {
			if err := copyFile(input, filepath.Join(dst, filepath.Base(input)), info.Mode()); err != nil {
				return fmt.Errorf("exporting layer %s: %w", src.Name, err)
			}
			continue
		}

		err = filepath.WalkDir(input, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(input, p)
			if err != nil {
				return err
			}
			target := filepath.Join(dst, rel)
			if d.IsDir() {
				return os.MkdirAll(target, 0o755)
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			return copyFile(p, target, info.Mode())
		})
		if err != nil {
			return fmt.Errorf("exporting layer %s: %w", src.Name, err)
		}
	}
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
