package testutil

// PushImage stores every blob and the manifest of img in repo under tag.
func (r *Registry) PushImage(repo, tag string, img *BaseImage) {
	for _, l := range img.Layers {
		r.AddBlob(repo, l.Content)
	}
	r.AddBlob(repo, img.Config)
	r.AddManifest(repo, tag, img.ManifestDescriptor.MediaType, img.Manifest)
}

// PushManifestList stores list in repo under tag. The images it references
// must already be pushed.
func (r *Registry) PushManifestList(repo, tag, mediaType string, payload []byte) {
	r.AddManifest(repo, tag, mediaType, payload)
}
