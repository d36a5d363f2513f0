package notifications

import (
	"errors"
	"time"

	"github.com/opencontainers/go-digest"
)

// Build event actions.
const (
	EventActionStageStart  = "stage.start"
	EventActionStageDone   = "stage.done"
	EventActionLayerBuilt  = "layer.built"
	EventActionBlobPushed  = "blob.pushed"
	EventActionBlobMounted = "blob.mounted"
	EventActionBlobSkipped = "blob.skipped"
)

// ErrSinkClosed is returned if a write is issued to a sink that has been
// closed. If encountered, the error should be considered terminal and
// retries will not be successful.
var ErrSinkClosed = errors.New("sink: closed")

// Event describes one step of a build.
type Event struct {
	// ID provides a unique identifier for the event.
	ID string `json:"id,omitempty"`

	// Timestamp is the time at which the event occurred.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// BuildID identifies the build that emitted the event.
	BuildID string `json:"build,omitempty"`

	// Action indicates what happened.
	Action string `json:"action,omitempty"`

	// Stage is the build stage the event belongs to.
	Stage string `json:"stage,omitempty"`

	// Duration is set on stage.done events.
	Duration time.Duration `json:"duration,omitempty"`

	// Target describes the layer or blob the event is about, if any.
	Target struct {
		// Layer names the layer, e.g. "classes".
		Layer string `json:"layer,omitempty"`

		// MediaType is the media type of the blob.
		MediaType string `json:"mediaType,omitempty"`

		// Digest identifies the blob.
		Digest digest.Digest `json:"digest,omitempty"`

		// Size of the blob in bytes.
		Size int64 `json:"size,omitempty"`

		// Repository is the destination of pushed blobs.
		Repository string `json:"repository,omitempty"`

		// FromRepository is the source of mounted blobs.
		FromRepository string `json:"fromRepository,omitempty"`

		// Cached is set on layer.built events served from the layer cache.
		Cached bool `json:"cached,omitempty"`
	} `json:"target,omitempty"`
}
