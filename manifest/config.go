package manifest

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// JavaClasspath is the classpath of the application layers inside the
	// image.
	JavaClasspath = "/app/libs/*:/app/resources/:/app/classes/"

	defaultOS           = "linux"
	defaultArchitecture = "amd64"
)

// JavaEntrypoint returns the command line that starts mainClass with the
// application layers on the classpath.
func JavaEntrypoint(jvmFlags []string, mainClass string) []string {
	entrypoint := make([]string, 0, len(jvmFlags)+4)
	entrypoint = append(entrypoint, "java")
	entrypoint = append(entrypoint, jvmFlags...)
	return append(entrypoint, "-cp", JavaClasspath, mainClass)
}

// ContainerConfiguration is the runtime configuration recorded in the image
// configuration blob.
type ContainerConfiguration struct {
	Created      time.Time
	OS           string
	Architecture string
	Variant      string

	Entrypoint []string
	Cmd        []string

	// Env is serialized as KEY=value entries sorted by key.
	Env map[string]string

	// ExposedPorts are "port" or "port/proto"; tcp is assumed when the
	// protocol is missing.
	ExposedPorts []string

	Labels     map[string]string
	WorkingDir string
	User       string

	// History precedes the history entries of the assembled layers. It is
	// normally inherited from the base image.
	History []v1.History
}

// Inherit returns a copy of c completed from the base image configuration:
// base environment variables, labels and ports are kept unless c overrides
// them, and platform, working directory, user and history are taken from the
// base when c leaves them unset. Entrypoint and Cmd are never inherited.
func (c ContainerConfiguration) Inherit(base *v1.Image) ContainerConfiguration {
	out := c.clone()
	if base == nil {
		return out
	}

	env := make(map[string]string, len(base.Config.Env)+len(c.Env))
	for _, kv := range base.Config.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	maps.Copy(env, c.Env)
	out.Env = env

	if len(base.Config.Labels) > 0 {
		labels := maps.Clone(base.Config.Labels)
		maps.Copy(labels, c.Labels)
		out.Labels = labels
	}

	ports := make(map[string]struct{}, len(base.Config.ExposedPorts)+len(c.ExposedPorts))
	for p := range base.Config.ExposedPorts {
		ports[p] = struct{}{}
	}
	for _, p := range c.ExposedPorts {
		ports[normalizePort(p)] = struct{}{}
	}
	out.ExposedPorts = slices.Sorted(maps.Keys(ports))

	if out.OS == "" {
		out.OS = base.OS
	}
	if out.Architecture == "" {
		out.Architecture = base.Architecture
		if out.Variant == "" {
			out.Variant = base.Variant
		}
	}
	if out.WorkingDir == "" {
		out.WorkingDir = base.Config.WorkingDir
	}
	if out.User == "" {
		out.User = base.Config.User
	}
	out.History = append(slices.Clone(base.History), c.History...)
	return out
}

func (c ContainerConfiguration) clone() ContainerConfiguration {
	out := c
	out.Entrypoint = slices.Clone(c.Entrypoint)
	out.Cmd = slices.Clone(c.Cmd)
	out.Env = maps.Clone(c.Env)
	out.ExposedPorts = slices.Clone(c.ExposedPorts)
	out.Labels = maps.Clone(c.Labels)
	out.History = slices.Clone(c.History)
	return out
}

// EnvList returns the environment as KEY=value entries sorted by key.
func (c ContainerConfiguration) EnvList() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, len(keys))
	for i, k := range keys {
		env[i] = k + "=" + c.Env[k]
	}
	return env
}

func normalizePort(port string) string {
	if strings.Contains(port, "/") {
		return strings.ToLower(port)
	}
	return port + "/tcp"
}

// image builds the image-spec configuration for the given root filesystem.
func (c ContainerConfiguration) image(diffIDs []digest.Digest, history []v1.History) v1.Image {
	created := c.Created.UTC()

	img := v1.Image{
		Created: &created,
		Platform: v1.Platform{
			OS:           c.OS,
			Architecture: c.Architecture,
			Variant:      c.Variant,
		},
		Config: v1.ImageConfig{
			Env:        c.EnvList(),
			Entrypoint: c.Entrypoint,
			Cmd:        c.Cmd,
			Labels:     c.Labels,
			WorkingDir: c.WorkingDir,
			User:       c.User,
		},
		RootFS: v1.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		History: history,
	}
	if img.OS == "" {
		img.OS = defaultOS
	}
	if img.Architecture == "" {
		img.Architecture = defaultArchitecture
	}
	if len(c.ExposedPorts) > 0 {
		img.Config.ExposedPorts = make(map[string]struct{}, len(c.ExposedPorts))
		for _, p := range c.ExposedPorts {
			img.Config.ExposedPorts[normalizePort(p)] = struct{}{}
		}
	}
	return img
}

// ParseConfig parses an image configuration blob. Docker and OCI
// configurations share the fields used here.
func ParseConfig(b []byte) (*v1.Image, error) {
	var img v1.Image
	if err := json.Unmarshal(b, &img); err != nil {
		return nil, fmt.Errorf("parsing image configuration: %w", err)
	}
	if img.RootFS.Type != "" && img.RootFS.Type != "layers" {
		return nil, fmt.Errorf("unsupported rootfs type %q", img.RootFS.Type)
	}
	return &img, nil
}
