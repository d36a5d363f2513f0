package dcontext

import (
	"context"
	"testing"
)

func TestVersionContext(t *testing.T) {
	ctx := Background()

	if GetVersion(ctx) != "" {
		t.Fatal("context should not yet have a version")
	}

	expected := "0.1-whatever"
	ctx = WithVersion(ctx, expected)
	version := GetVersion(ctx)

	if version != expected {
		t.Fatalf("version was not set: %q != %q", version, expected)
	}
}

func TestBuildIDContext(t *testing.T) {
	ctx := WithBuildID(Background(), "build-1")

	if GetBuildID(ctx) != "build-1" {
		t.Fatalf("build id was not set: %q", GetBuildID(ctx))
	}

	entry, ok := ctx.Value(loggerKey{}).(interface{ String() (string, error) })
	if !ok || entry == nil {
		t.Fatal("expected a logger to be pushed onto the context")
	}
}

func TestDetachedContext(t *testing.T) {
	parent, cancel := context.WithCancel(WithBuildID(Background(), "build-2"))
	detached := DetachedContext(parent)
	cancel()

	if detached.Err() != nil {
		t.Fatalf("detached context should not be canceled: %v", detached.Err())
	}
	if Parent(detached).Err() == nil {
		t.Fatal("parent of detached context should be canceled")
	}
	if GetBuildID(detached) != "build-2" {
		t.Fatalf("detached context lost values: %q", GetBuildID(detached))
	}
	if Parent(parent) != parent {
		t.Fatal("parent of a non-detached context should be itself")
	}
}
