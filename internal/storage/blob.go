package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore keeps image bytes on disk, content-addressed per property and source:
//
//	<root>/<property>/<source>/<sha256>.<ext>
type BlobStore struct {
	root string
}

// NewBlobStore creates the blob directory if needed
func NewBlobStore(root string) (*BlobStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// Path returns where a blob lives without touching the disk
func (b *BlobStore) Path(propertyID, source, contentHash, format string) string {
	return filepath.Join(b.root, safeName(propertyID), safeName(source), safeName(contentHash)+extension(format))
}

// Put stores data atomically and returns its location. Rewriting an existing
// blob is skipped since the name is derived from the content.
func (b *BlobStore) Put(propertyID, source, contentHash, format string, data []byte) (string, error) {
	path := b.Path(propertyID, source, contentHash, format)
	if info, err := os.Stat(path); err == nil && info.Size() == int64(len(data)) {
		return path, nil
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to store image blob: %w", err)
	}
	return path, nil
}

// Get reads a stored blob
func (b *BlobStore) Get(location string) ([]byte, error) {
	rel, err := filepath.Rel(b.root, location)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("location %s is outside the blob directory", location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("failed to read image blob: %w", err)
	}
	return data, nil
}

func extension(format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return ".jpg"
	case "png":
		return ".png"
	case "gif":
		return ".gif"
	case "webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// safeName maps an identifier to a single path element made of [A-Za-z0-9._-]
func safeName(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	name := sb.String()
	if name == "" || strings.Trim(name, ".") == "" {
		return "_" + name
	}
	return name
}
