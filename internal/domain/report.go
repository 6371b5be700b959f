package domain

import (
	"sort"
	"time"
)

// SourceCounts aggregates attempt states for one source across a job
type SourceCounts struct {
	Succeeded         int `json:"succeeded"`
	PermanentlyFailed int `json:"permanently_failed"`
	SkippedByCircuit  int `json:"skipped_by_circuit"`
	Cancelled         int `json:"cancelled"`
	Pending           int `json:"pending"`
	Images            int `json:"images"`
}

// Progress is a point-in-time view of a job computed from the state store
type Progress struct {
	JobID     string                  `json:"job_id"`
	Status    JobStatus               `json:"status"`
	Completed int                     `json:"completed"`
	Total     int                     `json:"total"`
	PerSource map[string]SourceCounts `json:"per_source"`
}

// PropertyOutcome summarises one property in a report
type PropertyOutcome string

const (
	OutcomeComplete PropertyOutcome = "complete"
	OutcomePartial  PropertyOutcome = "partial"
	OutcomeFailed   PropertyOutcome = "failed"
	OutcomePending  PropertyOutcome = "pending"
)

// PropertyReport lists, per property, where each requested source ended up
type PropertyReport struct {
	PropertyID        string            `json:"property_id"`
	Outcome           PropertyOutcome   `json:"outcome"`
	Succeeded         []string          `json:"succeeded"`
	PermanentlyFailed []string          `json:"permanently_failed"`
	PendingCircuit    []string          `json:"pending_circuit"`
	Cancelled         []string          `json:"cancelled"`
	Pending           []string          `json:"pending"`
	Errors            map[string]string `json:"errors,omitempty"`
	ImageCount        int               `json:"image_count"`
}

// ReportTotals holds job-wide counters
type ReportTotals struct {
	Properties int `json:"properties"`
	Complete   int `json:"complete"`
	Partial    int `json:"partial"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	KeptImages int `json:"kept_images"`
	Duplicates int `json:"duplicates"`
}

// BatchReport is the final (or current) account of a job
type BatchReport struct {
	JobID       string           `json:"job_id"`
	Status      JobStatus        `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Properties  []PropertyReport `json:"properties"`
	Manifest    []ManifestEntry  `json:"manifest"`
	Totals      ReportTotals     `json:"totals"`
}

// BuildProgress derives progress counters from the job's property tasks
func BuildProgress(job *BatchJob, tasks []PropertyTask) *Progress {
	p := &Progress{
		JobID:     job.ID,
		Status:    job.Status,
		Total:     job.TaskCount(),
		PerSource: make(map[string]SourceCounts, len(job.Sources)),
	}
	for _, src := range job.Sources {
		p.PerSource[src] = SourceCounts{}
	}
	for _, t := range tasks {
		for src, a := range t.Attempts {
			c := p.PerSource[src]
			switch a.State {
			case AttemptSucceeded:
				c.Succeeded++
			case AttemptPermanentlyFailed:
				c.PermanentlyFailed++
			case AttemptSkippedByCircuit:
				c.SkippedByCircuit++
			case AttemptCancelled:
				c.Cancelled++
			default:
				c.Pending++
			}
			if a.State.IsTerminal() {
				p.Completed++
			}
			c.Images += a.ImageCount
			p.PerSource[src] = c
		}
	}
	return p
}

// BuildPropertyReport classifies a property task for the batch report
func BuildPropertyReport(t PropertyTask) PropertyReport {
	r := PropertyReport{
		PropertyID:        t.PropertyID,
		Succeeded:         []string{},
		PermanentlyFailed: []string{},
		PendingCircuit:    []string{},
		Cancelled:         []string{},
		Pending:           []string{},
		ImageCount:        t.ImageCount,
	}
	for src, a := range t.Attempts {
		switch a.State {
		case AttemptSucceeded:
			r.Succeeded = append(r.Succeeded, src)
		case AttemptPermanentlyFailed:
			r.PermanentlyFailed = append(r.PermanentlyFailed, src)
		case AttemptSkippedByCircuit:
			r.PendingCircuit = append(r.PendingCircuit, src)
		case AttemptCancelled:
			r.Cancelled = append(r.Cancelled, src)
		default:
			r.Pending = append(r.Pending, src)
		}
		if a.LastError != "" && a.State != AttemptSucceeded {
			if r.Errors == nil {
				r.Errors = make(map[string]string)
			}
			r.Errors[src] = a.LastError
		}
	}
	for _, list := range [][]string{r.Succeeded, r.PermanentlyFailed, r.PendingCircuit, r.Cancelled, r.Pending} {
		sort.Strings(list)
	}

	total := len(t.Attempts)
	switch {
	case len(r.Pending) > 0:
		r.Outcome = OutcomePending
	case len(r.Succeeded) == total && total > 0:
		r.Outcome = OutcomeComplete
	case len(r.Succeeded) > 0:
		r.Outcome = OutcomePartial
	default:
		r.Outcome = OutcomeFailed
	}
	return r
}
