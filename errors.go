package imagebuilder

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBlobUnknown is returned when a blob is not present in a cache or
// registry.
var ErrBlobUnknown = errors.New("unknown blob")

// ErrManifestUnknown is returned when a manifest cannot be found.
var ErrManifestUnknown = errors.New("unknown manifest")

// ConfigurationError is returned when a build configuration is incomplete or
// invalid. It carries every problem found, not just the first one.
type ConfigurationError struct {
	Problems []string
}

// Error joins the problems the way a sentence would: "a", "a and b",
// "a, b, and c".
func (e *ConfigurationError) Error() string {
	switch len(e.Problems) {
	case 0:
		return "invalid configuration"
	case 1:
		return e.Problems[0]
	case 2:
		return e.Problems[0] + " and " + e.Problems[1]
	}

	var b strings.Builder
	b.WriteString(e.Problems[0])
	for i := 1; i < len(e.Problems); i++ {
		if i == len(e.Problems)-1 {
			b.WriteString(", and ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(e.Problems[i])
	}
	return b.String()
}

// InvalidReferenceError is returned when an image reference cannot be parsed.
type InvalidReferenceError struct {
	Reference string
	Err       error
}

func (e *InvalidReferenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid image reference %q", e.Reference)
	}
	return fmt.Sprintf("invalid image reference %q: %v", e.Reference, e.Err)
}

func (e *InvalidReferenceError) Unwrap() error { return e.Err }

// CredentialsError is returned when no usable credentials could be found for
// a registry after every source was consulted.
type CredentialsError struct {
	Registry string
	Failures []error
	Err      error
}

func (e *CredentialsError) Error() string {
	msg := fmt.Sprintf("no usable credentials for registry %s", e.Registry)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Failures) > 0 {
		reasons := make([]string, 0, len(e.Failures))
		for _, f := range e.Failures {
			reasons = append(reasons, f.Error())
		}
		msg += " (tried: " + strings.Join(reasons, "; ") + ")"
	}
	return msg
}

func (e *CredentialsError) Unwrap() error { return e.Err }

// LayerBuildError is returned when reading layer inputs or writing the layer
// cache fails.
type LayerBuildError struct {
	Layer string
	Path  string
	Err   error
}

func (e *LayerBuildError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("building layer %s failed at %s: %v", e.Layer, e.Path, e.Err)
	default:
		return fmt.Sprintf("building layer %s failed: %v", e.Layer, e.Err)
	}
}

func (e *LayerBuildError) Unwrap() error { return e.Err }

// RegistryError describes a failed registry operation. StatusCode is zero for
// failures that never produced an HTTP response.
type RegistryError struct {
	Op         string
	Registry   string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *RegistryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "registry %s: %s failed", e.Registry, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RegistryError) Unwrap() error { return e.Err }

// CancellationError is returned when a build stops because its context was
// canceled. It is not a defect.
type CancellationError struct {
	Stage string
	Err   error
}

func (e *CancellationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("build canceled: %v", e.Err)
	}
	return fmt.Sprintf("build canceled during %s: %v", e.Stage, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }
