package notifications

import (
	"time"

	"github.com/distribution/imagebuilder/internal/uuid"
	events "github.com/docker/go-events"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Bridge turns build progress into events written to a sink.
type Bridge struct {
	buildID string
	sink    events.Sink
}

// NewBridge returns a Bridge writing events of build buildID to sink.
func NewBridge(buildID string, sink events.Sink) *Bridge {
	return &Bridge{buildID: buildID, sink: sink}
}

// StageStarted records the start of stage.
func (b *Bridge) StageStarted(stage string) error {
	event := b.createEvent(EventActionStageStart)
	event.Stage = stage
	return b.sink.Write(*event)
}

// StageDone records that stage finished after d.
func (b *Bridge) StageDone(stage string, d time.Duration) error {
	event := b.createEvent(EventActionStageDone)
	event.Stage = stage
	event.Duration = d
	return b.sink.Write(*event)
}

// LayerBuilt records an application layer, built or taken from the cache.
func (b *Bridge) LayerBuilt(layer string, desc v1.Descriptor, cached bool) error {
	event := b.createBlobEvent(EventActionLayerBuilt, "", desc)
	event.Target.Layer = layer
	event.Target.Cached = cached
	return b.sink.Write(*event)
}

// BlobPushed records a blob uploaded to repository.
func (b *Bridge) BlobPushed(repository string, desc v1.Descriptor) error {
	return b.sink.Write(*b.createBlobEvent(EventActionBlobPushed, repository, desc))
}

// BlobMounted records a blob mounted into repository from fromRepository.
func (b *Bridge) BlobMounted(repository, fromRepository string, desc v1.Descriptor) error {
	event := b.createBlobEvent(EventActionBlobMounted, repository, desc)
	event.Target.FromRepository = fromRepository
	return b.sink.Write(*event)
}

// BlobSkipped records a blob repository already had.
func (b *Bridge) BlobSkipped(repository string, desc v1.Descriptor) error {
	return b.sink.Write(*b.createBlobEvent(EventActionBlobSkipped, repository, desc))
}

func (b *Bridge) createBlobEvent(action, repository string, desc v1.Descriptor) *Event {
	event := b.createEvent(action)
	event.Target.MediaType = desc.MediaType
	event.Target.Digest = desc.Digest
	event.Target.Size = desc.Size
	event.Target.Repository = repository
	return event
}

// createEvent returns a new event, timestamped, with the specified action.
func (b *Bridge) createEvent(action string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		BuildID:   b.buildID,
		Action:    action,
	}
}
