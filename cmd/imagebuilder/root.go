package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/distribution/imagebuilder/builder"
	"github.com/distribution/imagebuilder/configuration"
	"github.com/distribution/imagebuilder/internal/dcontext"
	prometheus "github.com/distribution/imagebuilder/metrics"
	"github.com/distribution/imagebuilder/version"
	"github.com/docker/go-metrics"
	"github.com/spf13/cobra"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(BuildCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	BuildCmd.Flags().StringVarP(&targetName, "target", "t", "registry", "where to put the image: registry, daemon or context")
	BuildCmd.Flags().StringVar(&contextDir, "context-dir", "", "directory to write the Docker build context to (target context)")
	BuildCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "address to serve prometheus metrics on while building")
}

// RootCmd is the main command for the 'imagebuilder' binary.
var RootCmd = &cobra.Command{
	Use:   "imagebuilder",
	Short: "`imagebuilder` builds container images for Java applications without a daemon",
	Long:  "`imagebuilder` builds container images for Java applications without a daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			version.FprintVersion(cmd.OutOrStdout())
			return nil
		}
		return cmd.Usage()
	},
}

var (
	targetName string
	contextDir string
	debugAddr  string
)

// BuildCmd is the cobra command that corresponds to the build subcommand
var BuildCmd = &cobra.Command{
	Use:          "build <options>",
	Short:        "`build` builds an image described by an options file",
	Long:         "`build` builds an image described by an options file and pushes it to the target registry, loads it into the Docker daemon or writes a Docker build context",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := builder.ParseTarget(targetName)
		if err != nil {
			return err
		}

		opts, err := resolveOptions(args[0])
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		ctx := dcontext.WithVersion(dcontext.Background(), version.Version())
		ctx, err = configureLogging(ctx, opts)
		if err != nil {
			return fmt.Errorf("unable to configure logging with options: %w", err)
		}

		draft, err := opts.Builder(dcontext.GetLogger(ctx))
		if err != nil {
			return err
		}
		cfg, err := draft.Build()
		if err != nil {
			return err
		}

		prometheus.Register()
		if debugAddr != "" {
			go serveMetrics(ctx, debugAddr)
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := builder.New(cfg, builder.Options{
			Target:     target,
			ContextDir: contextDir,
			RetryMax:   opts.Registry.MaxRetries,
			Timeout:    opts.Registry.Timeout,
			ChunkSize:  opts.Registry.ChunkSize,
		}).Run(ctx)
		if err != nil {
			return err
		}

		printResult(cmd, res)
		return nil
	},
}

func printResult(cmd *cobra.Command, res *builder.Result) {
	out := cmd.OutOrStdout()
	switch res.Target {
	case builder.TargetBuildContext:
		fmt.Fprintf(out, "Created Docker context at %s\n", res.ContextDir)
	case builder.TargetDaemon:
		fmt.Fprintf(out, "Built image to Docker daemon as %s\n", res.ImageReference)
		fmt.Fprintf(out, "Image ID: %s\n", res.ConfigDigest)
	default:
		fmt.Fprintf(out, "Built and pushed image as %s\n", res.ImageReference)
		fmt.Fprintf(out, "Digest: %s\n", res.ManifestDigest)
		fmt.Fprintf(out, "Image ID: %s\n", res.ConfigDigest)
	}
}

// resolveOptions reads the options file at path. Relative layer inputs and
// a relative cache directory are resolved against the directory of the file.
func resolveOptions(path string) (*configuration.Options, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	opts, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	resolve := func(files []string) {
		for i, f := range files {
			if !filepath.IsAbs(f) {
				files[i] = filepath.Join(dir, f)
			}
		}
	}
	resolve(opts.Layers.Dependencies)
	resolve(opts.Layers.Resources)
	resolve(opts.Layers.Classes)
	for _, extra := range opts.Layers.Extra {
		resolve(extra.Files)
	}
	if cacheDir, ok := opts.Cache["directory"].(string); ok && cacheDir != "" && !filepath.IsAbs(cacheDir) {
		opts.Cache["directory"] = filepath.Join(dir, cacheDir)
	}
	return opts, nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	dcontext.GetLogger(ctx).Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		dcontext.GetLogger(ctx).Warnf("metrics server stopped: %v", err)
	}
}
