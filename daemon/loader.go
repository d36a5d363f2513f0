package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
)

// Loader loads a docker save tarball into a daemon and returns what the
// daemon reported.
type Loader interface {
	Load(ctx context.Context, tarball io.Reader) (string, error)
}

// DockerLoader loads images through the Docker Engine API.
type DockerLoader struct {
	cli *client.Client
}

// NewDockerLoader connects to the daemon configured by the DOCKER_HOST,
// DOCKER_API_VERSION, DOCKER_CERT_PATH and DOCKER_TLS_VERIFY environment
// variables.
func NewDockerLoader() (*DockerLoader, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLoader{cli: cli}, nil
}

// Load sends tarball to the daemon.
func (d *DockerLoader) Load(ctx context.Context, tarball io.Reader) (string, error) {
	resp, err := d.cli.ImageLoad(ctx, tarball)
	if err != nil {
		return "", fmt.Errorf("docker load failed: %w", err)
	}
	defer resp.Body.Close()
	return readLoadResponse(resp.Body)
}

// Close releases the connection to the daemon.
func (d *DockerLoader) Close() error {
	return d.cli.Close()
}

// readLoadResponse collects the progress stream of an image load and
// returns the first error it reports.
func readLoadResponse(r io.Reader) (string, error) {
	var out strings.Builder
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out.String(), fmt.Errorf("reading docker load response: %w", err)
		}
		if msg.Error != nil {
			return out.String(), fmt.Errorf("docker load failed: %w", msg.Error)
		}
		if msg.ErrorMessage != "" {
			return out.String(), fmt.Errorf("docker load failed: %s", msg.ErrorMessage)
		}
		out.WriteString(msg.Stream)
	}
	return strings.TrimSpace(out.String()), nil
}

// Load streams img into loader tagged as tag.
func Load(ctx context.Context, loader Loader, img *manifest.Image, tag string, open BlobOpener) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteTarball(ctx, pw, img, []string{tag}, open))
	}()

	out, err := loader.Load(ctx, pr)
	// Unblock the writer if the loader stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return "", err
	}
	dcontext.GetLoggerWithField(ctx, "image", tag).Infof("loaded image into daemon: %s", out)
	return out, nil
}
