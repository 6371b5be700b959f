package domain

import "time"

// ImageStatus tells whether an image was kept or discarded as a near-duplicate
type ImageStatus string

const (
	ImageKept      ImageStatus = "KEPT"
	ImageDuplicate ImageStatus = "DUPLICATE"
)

// ImageRecord is one candidate image seen for a property
type ImageRecord struct {
	JobID           string
	PropertyID      string
	Source          string
	ContentHash     string
	Fingerprint     uint64
	StorageLocation string
	Status          ImageStatus
	DuplicateOf     string
	SourceURL       string
	Width           int
	Height          int
	CreatedAt       time.Time
}

// Key identifies the record within its property: images are unique per
// (job, property, source, content hash).
func (r *ImageRecord) Key() string {
	return r.JobID + "/" + r.Source + "/" + r.ContentHash
}

// ManifestEntry is handed to downstream consumers for every kept image
type ManifestEntry struct {
	JobID           string `json:"job_id"`
	PropertyID      string `json:"property_id"`
	Source          string `json:"source"`
	StorageLocation string `json:"storage_location"`
	Fingerprint     string `json:"fingerprint"`
}
