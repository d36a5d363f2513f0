package configuration

import (
	"errors"
	"testing"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/layer"
	"github.com/distribution/imagebuilder/manifest"
	"github.com/distribution/imagebuilder/reference"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func validBuilder(logger dcontext.Logger) *Builder {
	return NewBuilder(logger).
		SetBaseImage(reference.MustParse("gcr.io/distroless/java@sha256:6c3c624b58dbbcd3c0dd82b4c53f04194d1247c6eebdaab7c610cf7d66709b3b")).
		SetTargetImage(reference.MustParse("localhost:5000/app:1")).
		SetMainClass("com.example.Main")
}

func TestBuildMissingEverything(t *testing.T) {
	_, err := NewBuilder(nil).Build()

	var cfgErr *imagebuilder.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "base image is required but not set, target image is required but not set, and main class is required but not set", err.Error())
	require.Len(t, cfgErr.Problems, 3)
}

func TestBuildTwoProblems(t *testing.T) {
	_, err := NewBuilder(nil).
		SetBaseImage(reference.MustParse("busybox")).
		Build()
	require.EqualError(t, err, "target image is required but not set and main class is required but not set")
}

func TestBuildOneProblem(t *testing.T) {
	_, err := validBuilder(nil).SetMainClass("com.example.1Main").Build()
	require.EqualError(t, err, "main class 'com.example.1Main' is not a valid Java class name")
}

func TestBuildRejectsRelativeExtractionPath(t *testing.T) {
	_, err := validBuilder(nil).
		SetLayers([]layer.Source{{Name: "extra", Files: []string{"x"}, ExtractionPath: "opt/x"}}).
		Build()
	require.EqualError(t, err, "layer 'extra' extraction path 'opt/x' is not absolute")
}

func TestBuildWarnsAboutDefaultTag(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	_, err := validBuilder(logrus.NewEntry(logger)).
		SetBaseImage(reference.MustParse("busybox")).
		Build()
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "Base image 'docker.io/library/busybox:latest' does not use a specific image digest - build may not be reproducible", entry.Message)
}

func TestBuildDoesNotWarnForExplicitLatest(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	_, err := validBuilder(logrus.NewEntry(logger)).
		SetBaseImage(reference.MustParse("busybox:latest")).
		Build()
	require.NoError(t, err)
	require.Empty(t, hook.AllEntries())
}

func TestBuildDoesNotWarnForPinnedBase(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	_, err := validBuilder(logrus.NewEntry(logger)).Build()
	require.NoError(t, err)
	require.Empty(t, hook.AllEntries())
}

func TestBuildDefaults(t *testing.T) {
	cfg, err := validBuilder(nil).Build()
	require.NoError(t, err)

	require.Equal(t, manifest.FormatDockerV22, cfg.TargetFormat())
	require.Equal(t, DefaultConcurrency, cfg.Concurrency())
	require.Equal(t, time.Unix(0, 0).UTC(), cfg.CreationTime())
	require.False(t, cfg.AllowInsecureRegistries())
	require.Empty(t, cfg.JavaArguments())
	require.Equal(t, map[string]interface{}{"directory": ""}, cfg.CacheParameters())
}

func TestConfigurationIsImmutable(t *testing.T) {
	env := map[string]string{"A": "1"}
	args := []string{"serve"}
	sources := []layer.Source{{Name: "classes", Files: []string{"build/classes"}, ExtractionPath: layer.ClassesPath}}

	b := validBuilder(nil).SetEnvironment(env).SetJavaArguments(args).SetLayers(sources)
	cfg, err := b.Build()
	require.NoError(t, err)

	env["A"] = "changed"
	args[0] = "changed"
	sources[0].Files[0] = "changed"
	b.SetMainClass("com.example.Other")

	got := cfg.Environment()
	require.Equal(t, map[string]string{"A": "1"}, got)
	got["B"] = "2"
	require.Equal(t, map[string]string{"A": "1"}, cfg.Environment())

	gotArgs := cfg.JavaArguments()
	require.Equal(t, []string{"serve"}, gotArgs)
	gotArgs[0] = "changed"
	require.Equal(t, []string{"serve"}, cfg.JavaArguments())

	gotLayers := cfg.Layers()
	require.Equal(t, []string{"build/classes"}, gotLayers[0].Files)
	gotLayers[0].Files[0] = "changed"
	require.Equal(t, []string{"build/classes"}, cfg.Layers()[0].Files)

	require.Equal(t, "com.example.Main", cfg.MainClass())
}

func TestContainerConfiguration(t *testing.T) {
	cfg, err := validBuilder(nil).
		SetJvmFlags([]string{"-Xms64m"}).
		SetJavaArguments([]string{"--verbose"}).
		SetEnvironment(map[string]string{"MODE": "test"}).
		SetExposedPorts([]string{"8080"}).
		Build()
	require.NoError(t, err)

	cc := cfg.ContainerConfiguration()
	require.Equal(t, []string{"java", "-Xms64m", "-cp", "/app/libs/*:/app/resources/:/app/classes/", "com.example.Main"}, cc.Entrypoint)
	require.Equal(t, []string{"--verbose"}, cc.Cmd)
	require.Equal(t, map[string]string{"MODE": "test"}, cc.Env)
	require.Equal(t, []string{"8080"}, cc.ExposedPorts)
	require.Equal(t, cfg.CreationTime(), cc.Created)
}

func TestIsValidJavaClass(t *testing.T) {
	for _, name := range []string{
		"Main",
		"com.example.Main",
		"my_package.$Proxy1",
		"_x.y_",
		"ünïcode.Klasse",
		"a1.b2.C3",
	} {
		require.True(t, IsValidJavaClass(name), name)
	}

	for _, name := range []string{
		"",
		".Main",
		"com..Main",
		"com.example.",
		"1com.Main",
		"com.example.Main-Class",
		"com example.Main",
		"com/example/Main",
	} {
		require.False(t, IsValidJavaClass(name), name)
	}
}
