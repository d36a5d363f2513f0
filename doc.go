// Package imagebuilder builds container images from an application's
// compiled artifacts without a container daemon. The goal is to produce
// reproducible images and ship them to a registry, a local daemon or a build
// context directory.
//
// This is accomplished with a set of components that are wired together by
// the builder package.
//
// Configuration
//
// A BuildConfiguration describes one build: base and target image, the
// credentials for each, the entrypoint and the runtime flags. It is produced
// by a validating builder and never changes afterwards.
//
// Layer
//
// Application files are grouped by volatility (dependencies, resources,
// classes) and each group becomes one layer. Identical inputs always produce
// byte-identical layers, which lets a content-addressable cache skip the work
// entirely on the next build.
//
// Manifest
//
// The manifest ties the configuration blob and the ordered layers together in
// either the Docker V2.2 or the OCI format.
//
// Registry
//
// Blobs and manifests are moved with the registry HTTP API. A blob already
// present on the registry is never uploaded again.
//
// The types in this package form the error taxonomy shared by the other
// packages.
package imagebuilder
