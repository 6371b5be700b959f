package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/phash"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

// Progress computes the job's current counters from the store
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (*domain.Progress, error) {
	job, err := o.cfg.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.cfg.Store.ListPropertyTasks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return domain.BuildProgress(job, tasks), nil
}

// ListJobs returns jobs newest first
func (o *Orchestrator) ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.BatchJob, error) {
	return o.cfg.Store.ListJobs(ctx, filter)
}

// AwaitCompletion blocks until every attempt of the job is terminal, then
// finalizes the job and returns its report. It wakes on settle notifications
// from an in-process worker pool and otherwise polls the store.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, jobID string) (*domain.BatchReport, error) {
	settled, unsubscribe := o.subscribe(jobID)
	defer unsubscribe()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := o.checkCompletion(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if done {
			return o.Report(ctx, jobID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-settled:
		case <-ticker.C:
		}
	}
}

// Report assembles the job's per-property outcomes and the manifest of kept
// images. Attempts reused from earlier jobs contribute those jobs' images.
func (o *Orchestrator) Report(ctx context.Context, jobID string) (*domain.BatchReport, error) {
	job, err := o.cfg.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.cfg.Store.ListPropertyTasks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	images := map[string][]domain.ImageRecord{}
	load := func(id string) ([]domain.ImageRecord, error) {
		if recs, ok := images[id]; ok {
			return recs, nil
		}
		recs, err := o.cfg.Store.ListImages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}
		images[id] = recs
		return recs, nil
	}

	report := &domain.BatchReport{
		JobID:       job.ID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Properties:  make([]domain.PropertyReport, 0, len(tasks)),
		Manifest:    []domain.ManifestEntry{},
	}

	own, err := load(jobID)
	if err != nil {
		return nil, err
	}
	for _, r := range own {
		if r.Status == domain.ImageDuplicate {
			report.Totals.Duplicates++
		}
	}

	for _, pt := range tasks {
		pr := domain.BuildPropertyReport(pt)
		pr.ImageCount = 0

		for _, a := range pt.Attempts {
			if a.State != domain.AttemptSucceeded {
				continue
			}
			from := jobID
			if a.ReusedFromJob != "" {
				from = a.ReusedFromJob
			}
			recs, err := load(from)
			if err != nil {
				return nil, err
			}
			for _, r := range recs {
				if r.Status != domain.ImageKept || r.PropertyID != pt.PropertyID || r.Source != a.Source {
					continue
				}
				report.Manifest = append(report.Manifest, domain.ManifestEntry{
					JobID:           r.JobID,
					PropertyID:      r.PropertyID,
					Source:          r.Source,
					StorageLocation: r.StorageLocation,
					Fingerprint:     phash.Fingerprint(r.Fingerprint).String(),
				})
				pr.ImageCount++
			}
		}

		report.Properties = append(report.Properties, pr)
		switch pr.Outcome {
		case domain.OutcomeComplete:
			report.Totals.Complete++
		case domain.OutcomePartial:
			report.Totals.Partial++
		case domain.OutcomeFailed:
			report.Totals.Failed++
		default:
			report.Totals.Pending++
		}
	}

	sort.Slice(report.Properties, func(i, j int) bool {
		return report.Properties[i].PropertyID < report.Properties[j].PropertyID
	})
	sort.Slice(report.Manifest, func(i, j int) bool {
		a, b := report.Manifest[i], report.Manifest[j]
		if a.PropertyID != b.PropertyID {
			return a.PropertyID < b.PropertyID
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.StorageLocation < b.StorageLocation
	})
	report.Totals.Properties = len(report.Properties)
	report.Totals.KeptImages = len(report.Manifest)
	return report, nil
}

// SourceHealth lists breaker and pacing state for every configured source.
// Sources never used yet report a closed circuit.
func (o *Orchestrator) SourceHealth(ctx context.Context) ([]domain.SourceHealth, error) {
	stored, err := o.cfg.Store.ListSourceHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load source health: %w", err)
	}

	byName := make(map[string]domain.SourceHealth, len(stored))
	for _, h := range stored {
		byName[h.Source] = h
	}
	for _, name := range o.cfg.Sources.Names() {
		if _, ok := byName[name]; ok {
			continue
		}
		h := domain.SourceHealth{
			Source:  name,
			Circuit: domain.CircuitState{Source: name, State: domain.CircuitClosed},
			Rate:    domain.RateBudget{Source: name},
		}
		if o.cfg.Limiter != nil {
			h.Rate = o.cfg.Limiter.Snapshot(name)
		}
		byName[name] = h
	}

	out := make([]domain.SourceHealth, 0, len(byName))
	for _, h := range byName {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}
