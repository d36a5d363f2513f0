package manifestlist

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const expectedManifestListSerialization = `{
   "schemaVersion": 2,
   "mediaType": "application/vnd.docker.distribution.manifest.list.v2+json",
   "manifests": [
      {
         "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
         "digest": "sha256:1a9ec845ee94c202b2d5da74a24f0ed2058318bfa9879fa541efaecba272e86b",
         "size": 985,
         "platform": {
            "architecture": "amd64",
            "os": "linux",
            "features": [
               "sse4"
            ]
         }
      },
      {
         "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
         "digest": "sha256:6346340964309634683409684360934680934608934608934608934068934608",
         "size": 2392,
         "platform": {
            "architecture": "arm64",
            "os": "linux",
            "variant": "v8"
         }
      }
   ]
}`

func makeTestManifestList(t *testing.T, mediaType string) ([]ManifestDescriptor, *DeserializedManifestList) {
	manifestDescriptors := []ManifestDescriptor{
		{
			Descriptor: v1.Descriptor{
				MediaType: "application/vnd.docker.distribution.manifest.v2+json",
				Digest:    "sha256:1a9ec845ee94c202b2d5da74a24f0ed2058318bfa9879fa541efaecba272e86b",
				Size:      985,
			},
			Platform: PlatformSpec{
				Architecture: "amd64",
				OS:           "linux",
				Features:     []string{"sse4"},
			},
		},
		{
			Descriptor: v1.Descriptor{
				MediaType: "application/vnd.docker.distribution.manifest.v2+json",
				Digest:    "sha256:6346340964309634683409684360934680934608934608934608934068934608",
				Size:      2392,
			},
			Platform: PlatformSpec{
				Architecture: "arm64",
				OS:           "linux",
				Variant:      "v8",
			},
		},
	}

	deserialized, err := fromDescriptorsWithMediaType(manifestDescriptors, mediaType)
	if err != nil {
		t.Fatalf("error creating DeserializedManifestList: %v", err)
	}

	return manifestDescriptors, deserialized
}

func TestManifestList(t *testing.T) {
	manifestDescriptors, deserialized := makeTestManifestList(t, MediaTypeManifestList)
	mediaType, canonical, _ := deserialized.Payload()

	if mediaType != MediaTypeManifestList {
		t.Fatalf("unexpected media type: %s", mediaType)
	}

	// Check that the canonical field is the same as json.MarshalIndent
	// with these parameters.
	expected, err := json.MarshalIndent(&deserialized.ManifestList, "", "   ")
	if err != nil {
		t.Fatalf("error marshaling manifest list: %v", err)
	}
	if !bytes.Equal(expected, canonical) {
		t.Fatalf("manifest bytes not equal:\nexpected:\n%s\nactual:\n%s\n", string(expected), string(canonical))
	}

	// Check that the canonical field has the expected value.
	if !bytes.Equal([]byte(expectedManifestListSerialization), canonical) {
		t.Fatalf("manifest bytes not equal:\nexpected:\n%s\nactual:\n%s\n", expectedManifestListSerialization, string(canonical))
	}

	var unmarshalled DeserializedManifestList
	if err := json.Unmarshal(deserialized.canonical, &unmarshalled); err != nil {
		t.Fatalf("error unmarshaling manifest: %v", err)
	}

	if !reflect.DeepEqual(&unmarshalled, deserialized) {
		t.Fatalf("manifests are different after unmarshaling: %v != %v", unmarshalled, *deserialized)
	}

	references := deserialized.References()
	if len(references) != 2 {
		t.Fatalf("unexpected number of references: %d", len(references))
	}
	for i := range references {
		platform := manifestDescriptors[i].Platform
		expectedPlatform := &v1.Platform{
			Architecture: platform.Architecture,
			OS:           platform.OS,
			OSFeatures:   platform.OSFeatures,
			OSVersion:    platform.OSVersion,
			Variant:      platform.Variant,
		}
		if !reflect.DeepEqual(references[i].Platform, expectedPlatform) {
			t.Fatalf("unexpected value %d returned by References: %v", i, references[i])
		}
		references[i].Platform = nil
		if !reflect.DeepEqual(references[i], manifestDescriptors[i].Descriptor) {
			t.Fatalf("unexpected value %d returned by References: %v", i, references[i])
		}
	}
}

func TestUnmarshalMediaTypes(t *testing.T) {
	for _, testcase := range []struct {
		mediaType   string
		shouldError bool
	}{
		{MediaTypeManifestList, false},
		{"", true},
		{MediaTypeManifestList + "XXX", true},
	} {
		_, m := makeTestManifestList(t, testcase.mediaType)
		_, canonical, _ := m.Payload()

		_, descriptor, err := Unmarshal(canonical)
		if testcase.shouldError {
			if err == nil {
				t.Fatalf("%q: bad content type should have produced error", testcase.mediaType)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: error unmarshaling manifest list: %v", testcase.mediaType, err)
		}
		if descriptor.MediaType != MediaTypeManifestList {
			t.Fatalf("Bad media type '%v' for descriptor", descriptor.MediaType)
		}
	}
}

func TestUnmarshalRejectsManifest(t *testing.T) {
	_, _, err := Unmarshal([]byte(`{"schemaVersion":2,"mediaType":"` + MediaTypeManifestList + `","config":{},"layers":[]}`))
	if err == nil {
		t.Fatal("manifest should not be accepted as a manifest list")
	}
}

func TestFindPlatform(t *testing.T) {
	_, deserialized := makeTestManifestList(t, MediaTypeManifestList)
	refs := deserialized.References()

	desc, err := FindPlatform(refs, "linux", "amd64", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Digest != "sha256:1a9ec845ee94c202b2d5da74a24f0ed2058318bfa9879fa541efaecba272e86b" {
		t.Fatalf("unexpected descriptor selected: %v", desc)
	}

	desc, err = FindPlatform(refs, "linux", "arm64", "v8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Size != 2392 {
		t.Fatalf("unexpected descriptor selected: %v", desc)
	}

	if _, err := FindPlatform(refs, "linux", "arm64", "v7"); !errors.Is(err, ErrNoMatchingPlatform) {
		t.Fatalf("expected ErrNoMatchingPlatform, got %v", err)
	}
	if _, err := FindPlatform(refs, "windows", "amd64", ""); !errors.Is(err, ErrNoMatchingPlatform) {
		t.Fatalf("expected ErrNoMatchingPlatform, got %v", err)
	}
	if _, err := FindPlatform([]v1.Descriptor{{Size: 1}}, "linux", "amd64", ""); err == nil {
		t.Fatal("descriptor without platform should not match")
	}
}
