package credentials

import (
	"context"
	"fmt"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/internal/dcontext"
)

// Step is one named source in a Chain.
type Step struct {
	Name      string
	Retriever Retriever
}

// Resolution is the outcome of resolving credentials for a registry.
type Resolution struct {
	Registry   string
	Credential Credential

	// Source names the step that produced Credential, or "anonymous".
	Source string

	// Failures holds the error of every step consulted before Source.
	Failures []error
}

// Chain consults its steps in order and stops at the first one that yields a
// credential.
type Chain struct {
	steps          []Step
	allowAnonymous bool
}

// NewChain returns a Chain over steps. When allowAnonymous is set an
// exhausted chain resolves to Anonymous instead of failing.
func NewChain(allowAnonymous bool, steps ...Step) *Chain {
	return &Chain{steps: steps, allowAnonymous: allowAnonymous}
}

// ChainOptions selects the standard sources of a Chain.
type ChainOptions struct {
	// Known credentials take precedence over every other source.
	Known Credential

	// Helper is the credential helper suffix; empty skips the helper step.
	Helper string

	// Runner executes the helper. ExecRunner is used when nil.
	Runner Runner

	// DockerConfigPath overrides the default config.json location.
	DockerConfigPath string

	// DisableDockerConfig skips the config.json step.
	DisableDockerConfig bool

	// DenyAnonymous makes an exhausted chain fail with CredentialsError.
	DenyAnonymous bool
}

// NewStandardChain builds the explicit, helper, docker config, anonymous
// chain.
func NewStandardChain(opts ChainOptions) *Chain {
	var steps []Step
	if !opts.Known.IsAnonymous() {
		steps = append(steps, Step{Name: "configured credentials", Retriever: Static(opts.Known)})
	}
	if opts.Helper != "" {
		helper := &Helper{Name: opts.Helper, Runner: opts.Runner}
		steps = append(steps, Step{Name: helper.Program(), Retriever: helper})
	}
	if !opts.DisableDockerConfig {
		steps = append(steps, Step{Name: "docker config", Retriever: &DockerConfig{Path: opts.DockerConfigPath}})
	}
	return NewChain(!opts.DenyAnonymous, steps...)
}

// Resolve walks the chain for registry. Step failures are logged at warn
// level and collected; they only matter once every step failed.
func (c *Chain) Resolve(ctx context.Context, registry string) (Resolution, error) {
	res := Resolution{Registry: registry}
	logger := dcontext.GetLoggerWithField(ctx, "registry", registry)

	for _, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return res, &imagebuilder.CancellationError{Stage: "credentials", Err: err}
		}

		cred, err := step.Retriever.Retrieve(ctx, registry)
		if err != nil {
			res.Failures = append(res.Failures, fmt.Errorf("%s: %w", step.Name, err))
			logger.Warnf("credential source %s failed: %v", step.Name, err)
			continue
		}
		if cred.IsAnonymous() {
			res.Failures = append(res.Failures, fmt.Errorf("%s: %w", step.Name, ErrNotFound))
			continue
		}

		logger.Debugf("using credentials from %s", step.Name)
		res.Credential = cred
		res.Source = step.Name
		return res, nil
	}

	if !c.allowAnonymous {
		return res, &imagebuilder.CredentialsError{Registry: registry, Failures: res.Failures}
	}

	logger.Infof("no credentials found, using anonymous access")
	res.Credential = Anonymous
	res.Source = "anonymous"
	return res, nil
}
