package notifications

import (
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestBridgeEvents(t *testing.T) {
	var sink recordingSink
	b := NewBridge("build-1", &sink)
	desc := v1.Descriptor{
		MediaType: v1.MediaTypeImageLayerGzip,
		Digest:    digest.FromString("layer"),
		Size:      5,
	}

	require.NoError(t, b.StageStarted("BuildAppLayers"))
	require.NoError(t, b.LayerBuilt("classes", desc, true))
	require.NoError(t, b.BlobPushed("app", desc))
	require.NoError(t, b.BlobMounted("app", "library/base", desc))
	require.NoError(t, b.BlobSkipped("app", desc))
	require.NoError(t, b.StageDone("BuildAppLayers", time.Second))

	require.Len(t, sink.events, 6)
	actions := make([]string, len(sink.events))
	for i, e := range sink.events {
		actions[i] = e.Action
		require.Equal(t, "build-1", e.BuildID)
		require.NotEmpty(t, e.ID)
		require.False(t, e.Timestamp.IsZero())
	}
	require.Equal(t, []string{
		EventActionStageStart,
		EventActionLayerBuilt,
		EventActionBlobPushed,
		EventActionBlobMounted,
		EventActionBlobSkipped,
		EventActionStageDone,
	}, actions)

	built := sink.events[1]
	require.Equal(t, "classes", built.Target.Layer)
	require.True(t, built.Target.Cached)
	require.Equal(t, desc.Digest, built.Target.Digest)

	require.Equal(t, "library/base", sink.events[3].Target.FromRepository)
	require.Equal(t, time.Second, sink.events[5].Duration)
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	sink := NewLogSink(logrus.NewEntry(logger))
	b := NewBridge("build-2", sink)

	require.NoError(t, b.StageStarted("Push"))
	require.NoError(t, b.LayerBuilt("classes", v1.Descriptor{Digest: digest.FromString("x"), Size: 10}, false))
	require.NoError(t, b.BlobSkipped("app", v1.Descriptor{Digest: digest.FromString("x")}))

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	require.Equal(t, "Push started", entries[0].Message)
	require.Equal(t, "Push", entries[0].Data["stage"])
	require.Equal(t, "build-2", entries[0].Data["build.id"])
	require.Equal(t, logrus.InfoLevel, entries[1].Level)
	require.Equal(t, "layer classes built (10 bytes)", entries[1].Message)
	require.Equal(t, logrus.DebugLevel, entries[2].Level)

	require.Error(t, sink.Write("not an event"))
}
