package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	orascreds "oras.land/oras-go/v2/registry/remote/credentials"
)

const (
	helperPrefix = "docker-credential-"

	// identityTokenUsername is the username a helper reports when Secret
	// holds an identity token.
	identityTokenUsername = "<token>"

	// helperNotFoundMessage is printed by the reference helpers when they
	// hold nothing for the server.
	helperNotFoundMessage = "credentials not found in native keychain"
)

// ErrHelperNotFound is returned when the credential helper program is not
// installed.
var ErrHelperNotFound = errors.New("credential helper not found")

// HelperError describes a credential helper that ran and failed.
type HelperError struct {
	Program  string
	ExitCode int
	Output   string
}

func (e *HelperError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exited with status %d", e.Program, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Program, e.ExitCode, e.Output)
}

// Runner executes a credential helper program with stdin as input and
// returns its standard output.
type Runner interface {
	Run(ctx context.Context, program string, args []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs helpers as subprocesses found on PATH.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, program string, args []string, stdin []byte) ([]byte, error) {
	path, err := exec.LookPath(program)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHelperNotFound, program)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			output := strings.TrimSpace(stdout.String())
			if output == "" {
				output = strings.TrimSpace(stderr.String())
			}
			return nil, &HelperError{Program: program, ExitCode: exitErr.ExitCode(), Output: output}
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// helperResponse is the JSON envelope written by "docker-credential-<name> get".
type helperResponse struct {
	ServerURL string
	Username  string
	Secret    string
}

// Helper retrieves credentials from a docker credential helper.
type Helper struct {
	// Name is the helper suffix, e.g. "gcr" for docker-credential-gcr.
	Name string

	// Runner executes the helper. ExecRunner is used when nil.
	Runner Runner
}

// Program returns the executable name of the helper.
func (h *Helper) Program() string {
	if strings.HasPrefix(h.Name, helperPrefix) {
		return h.Name
	}
	return helperPrefix + h.Name
}

// Retrieve implements Retriever.
func (h *Helper) Retrieve(ctx context.Context, registry string) (Credential, error) {
	runner := h.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	serverURL := orascreds.ServerAddressFromRegistry(registry)
	out, err := runner.Run(ctx, h.Program(), []string{"get"}, []byte(serverURL))
	if err != nil {
		var helperErr *HelperError
		if errors.As(err, &helperErr) && strings.Contains(helperErr.Output, helperNotFoundMessage) {
			return Anonymous, fmt.Errorf("%s: %w", h.Program(), ErrNotFound)
		}
		return Anonymous, err
	}

	var resp helperResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Anonymous, fmt.Errorf("%s returned malformed output: %w", h.Program(), err)
	}
	if resp.Secret == "" {
		return Anonymous, fmt.Errorf("%s returned no secret for %s", h.Program(), serverURL)
	}

	if resp.Username == identityTokenUsername {
		return Credential{IdentityToken: resp.Secret}, nil
	}
	return Credential{Username: resp.Username, Secret: resp.Secret}, nil
}
