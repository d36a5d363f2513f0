package metrics

import (
	"sync"

	"github.com/docker/go-metrics"
)

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "imagebuilder"
)

var (
	// CacheNamespace is the prometheus namespace of layer cache operations
	CacheNamespace = metrics.NewNamespace(NamespacePrefix, "cache", nil)

	// RegistryNamespace is the prometheus namespace of registry client operations
	RegistryNamespace = metrics.NewNamespace(NamespacePrefix, "registry", nil)

	// BuildNamespace is the prometheus namespace of build stages
	BuildNamespace = metrics.NewNamespace(NamespacePrefix, "build", nil)
)

var registerOnce sync.Once

// Register registers every namespace with the default prometheus registry.
// Calling it more than once has no effect.
func Register() {
	registerOnce.Do(func() {
		metrics.Register(CacheNamespace)
		metrics.Register(RegistryNamespace)
		metrics.Register(BuildNamespace)
	})
}
