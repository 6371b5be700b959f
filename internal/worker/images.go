package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/listing-extractor/internal/dedup"
	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/source"
)

// storeImages hashes every candidate, admits it through the dedup index and
// writes the blob and image record. It returns the number of images kept.
// Re-running it for the same attempt is safe: images already recorded are
// counted, not stored again. Byte-identical copies within one fetch count once.
func (p *Pool) storeImages(ctx context.Context, attempt *domain.SourceAttempt, images []source.RawImage) (int, error) {
	kept := 0
	seen := make(map[string]bool, len(images))
	for _, raw := range images {
		sum := sha256.Sum256(raw.Data)
		contentHash := hex.EncodeToString(sum[:])
		if seen[contentHash] {
			continue
		}
		seen[contentHash] = true

		existing, err := p.cfg.Store.GetImage(ctx, attempt.JobID, attempt.PropertyID, attempt.Source, contentHash)
		if err == nil {
			if existing.Status == domain.ImageKept {
				kept++
			}
			continue
		}
		if !errors.Is(err, domain.ErrImageNotFound) {
			return kept, fmt.Errorf("failed to look up image record: %w", err)
		}

		res, err := p.cfg.Hasher.Fingerprint(raw.Data)
		if err != nil {
			p.logger.Warn("Skipping undecodable image",
				slog.String("job_id", attempt.JobID),
				slog.String("property_id", attempt.PropertyID),
				slog.String("source", attempt.Source),
				slog.String("url", raw.URL),
				slog.String("error", err.Error()),
			)
			continue
		}

		record := domain.ImageRecord{
			JobID:       attempt.JobID,
			PropertyID:  attempt.PropertyID,
			Source:      attempt.Source,
			ContentHash: contentHash,
			Fingerprint: uint64(res.Fingerprint),
			SourceURL:   raw.URL,
			Width:       res.Width,
			Height:      res.Height,
			CreatedAt:   p.now(),
		}
		entry := dedup.Entry{
			Key:         record.Key(),
			JobID:       record.JobID,
			Source:      record.Source,
			ContentHash: record.ContentHash,
			Fingerprint: res.Fingerprint,
		}

		decision, err := p.cfg.Index.Admit(ctx, attempt.PropertyID, entry, len(images), func(d dedup.Decision) error {
			return p.commitImage(ctx, &record, raw.Data, res.Format, d)
		})
		if err != nil {
			return kept, err
		}

		if !decision.Keep {
			p.logger.Debug("Near-duplicate image discarded",
				slog.String("job_id", attempt.JobID),
				slog.String("property_id", attempt.PropertyID),
				slog.String("source", attempt.Source),
				slog.String("duplicate_of", decision.DuplicateOf.Key),
				slog.Int("distance", decision.Distance),
			)
			continue
		}
		kept++
		if decision.Existing {
			continue
		}

		entryOut := domain.ManifestEntry{
			JobID:           record.JobID,
			PropertyID:      record.PropertyID,
			Source:          record.Source,
			StorageLocation: record.StorageLocation,
			Fingerprint:     res.Fingerprint.String(),
		}
		if err := p.cfg.Manifest.Publish(ctx, entryOut); err != nil {
			p.logger.Warn("Failed to publish manifest entry",
				slog.String("job_id", record.JobID),
				slog.String("property_id", record.PropertyID),
				slog.String("error", err.Error()),
			)
		}
	}
	return kept, nil
}

// commitImage persists a dedup decision. It runs under the property lock, so
// the index only records the image once the blob and record are durable.
func (p *Pool) commitImage(ctx context.Context, record *domain.ImageRecord, data []byte, format string, d dedup.Decision) error {
	if d.Existing {
		return nil
	}
	if !d.Keep {
		record.Status = domain.ImageDuplicate
		record.DuplicateOf = d.DuplicateOf.Key
		return p.cfg.Store.UpsertImage(ctx, record)
	}

	location, err := p.cfg.Blobs.Put(record.PropertyID, record.Source, record.ContentHash, format, data)
	if err != nil {
		return err
	}
	record.StorageLocation = location
	record.Status = domain.ImageKept
	if err := p.cfg.Store.UpsertImage(ctx, record); err != nil {
		return err
	}

	for _, s := range d.Supersedes {
		old, err := p.cfg.Store.GetImage(ctx, s.JobID, record.PropertyID, s.Source, s.ContentHash)
		if err != nil {
			return fmt.Errorf("failed to load superseded image: %w", err)
		}
		old.Status = domain.ImageDuplicate
		old.DuplicateOf = record.Key()
		if err := p.cfg.Store.UpsertImage(ctx, old); err != nil {
			return err
		}
		p.logger.Info("Image superseded by higher-priority source",
			slog.String("property_id", record.PropertyID),
			slog.String("superseded", s.Key),
			slog.String("by", record.Key()),
		)
	}
	return nil
}
