// Package reindex recomputes derived search state for whole resource types,
// page by page. Each page is one queue job that re-enqueues its successor
// with updated checkpoint state: per-invocation work stays bounded, the
// queue's own retry/backoff covers transient page failures, and progress
// persisted in the AsyncJob record survives process restarts.
package reindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/pulse/internal/asyncjob"
	"github.com/carebridge/pulse/internal/domain"
	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/queue"
)

const (
	QueueName = "reindex"
	JobType   = "reindex_page"

	// DefaultBatchSize is the fixed page size. checkpointBatches controls
	// how often progress is flushed to the AsyncJob record: every N pages,
	// plus always on resource-type completion.
	DefaultBatchSize  = 500
	checkpointBatches = 5

	// PageMaxAttempts bounds retries of a single page before the chain is
	// declared failed for that resource type.
	PageMaxAttempts = 5
)

// TypeResult is the recorded outcome for one finished resource type.
type TypeResult struct {
	ResourceType string `json:"resourceType"`
	Count        int    `json:"count"`
	ElapsedMS    int64  `json:"elapsedMs"`
	Error        string `json:"error,omitempty"`
}

// JobData is the self-chained checkpoint state. ResourceTypes holds the
// remaining types with the current one first. Horizon is fixed at job
// creation: resources written after it are excluded and picked up by a
// later run.
type JobData struct {
	AsyncJobID         string       `json:"asyncJobId"`
	ResourceTypes      []string     `json:"resourceTypes"`
	Cursor             string       `json:"cursor,omitempty"`
	Count              int          `json:"count"`
	CheckpointCount    int          `json:"checkpointCount"`
	StartTime          time.Time    `json:"startTime"`
	Horizon            time.Time    `json:"endTimestamp"`
	LastSeenTimestamp  time.Time    `json:"nextTimestamp"`
	SearchFilter       string       `json:"searchFilter,omitempty"`
	MaxResourceVersion *int         `json:"maxResourceVersion,omitempty"`
	Results            []TypeResult `json:"results,omitempty"`
}

type Controller struct {
	Repo      fhir.Repository
	Jobs      *asyncjob.Store
	Enq       queue.Enqueuer
	Log       *slog.Logger
	BatchSize int
}

func NewController(repo fhir.Repository, jobs *asyncjob.Store, enq queue.Enqueuer, log *slog.Logger) *Controller {
	return &Controller{Repo: repo, Jobs: jobs, Enq: enq, Log: log, BatchSize: DefaultBatchSize}
}

// StartOptions configures a new reindex chain. SearchFilter is an optional
// extra criteria string ("Person?gender=unknown") applied to matching
// resource types; MaxResourceVersion restricts the run to resources whose
// derived state predates the given schema version.
type StartOptions struct {
	ResourceTypes      []string
	SearchFilter       string
	MaxResourceVersion *int
}

// Start begins a reindex chain against an existing AsyncJob and returns
// after the first page job is enqueued. Progress is pollable via the
// AsyncJob record.
func (c *Controller) Start(ctx context.Context, asyncJobID string, opts StartOptions) error {
	if len(opts.ResourceTypes) == 0 {
		return fmt.Errorf("reindex requires at least one resource type")
	}
	now := time.Now().UTC()
	data := JobData{
		AsyncJobID:         asyncJobID,
		ResourceTypes:      opts.ResourceTypes,
		StartTime:          now,
		Horizon:            now,
		SearchFilter:       opts.SearchFilter,
		MaxResourceVersion: opts.MaxResourceVersion,
	}
	return c.enqueuePage(ctx, data)
}

// Handle processes one page: search, reindex the batch in one transactional
// unit, advance the cursor, and re-enqueue. Any search or reindex error is
// returned as-is so the queue retries this page without losing the progress
// of earlier pages.
func (c *Controller) Handle(ctx context.Context, job *domain.Job) error {
	var data JobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("unmarshal reindex payload: %w", err)
	}
	if len(data.ResourceTypes) == 0 {
		return nil
	}
	current := data.ResourceTypes[0]
	log := c.Log.With("async_job", data.AsyncJobID, "resource_type", current)

	result, err := c.Repo.Search(ctx, c.pageRequest(current, data))
	if err != nil {
		return fmt.Errorf("search %s page: %w", current, err)
	}

	if len(result.Entries) > 0 {
		if err := c.Repo.Reindex(ctx, result.Entries); err != nil {
			return fmt.Errorf("reindex %s batch: %w", current, err)
		}
		data.Count += len(result.Entries)
		data.LastSeenTimestamp = result.Entries[len(result.Entries)-1].LastUpdated()
	}

	if result.NextCursor != "" {
		data.Cursor = result.NextCursor
		if data.Count-data.CheckpointCount >= c.batchSize()*checkpointBatches {
			if err := c.Jobs.Checkpoint(ctx, data.AsyncJobID, c.buildOutput(data, false)); err != nil {
				log.Warn("checkpoint write failed; continuing", "err", err)
			} else {
				data.CheckpointCount = data.Count
			}
		}
		return c.enqueuePage(ctx, data)
	}

	// Current resource type exhausted.
	elapsed := time.Since(data.StartTime)
	data.Results = append(data.Results, TypeResult{
		ResourceType: current,
		Count:        data.Count,
		ElapsedMS:    elapsed.Milliseconds(),
	})
	log.Info("resource type reindexed", "count", data.Count, "elapsed", elapsed.String())
	data.ResourceTypes = data.ResourceTypes[1:]

	if len(data.ResourceTypes) == 0 {
		return c.finish(ctx, data)
	}

	// Next type starts with a fresh cursor and start time; the horizon is
	// shared by the whole run.
	data.Cursor = ""
	data.Count = 0
	data.CheckpointCount = 0
	data.StartTime = time.Now().UTC()
	data.LastSeenTimestamp = time.Time{}
	if err := c.Jobs.Checkpoint(ctx, data.AsyncJobID, c.buildOutput(data, false)); err != nil {
		log.Warn("checkpoint write failed; continuing", "err", err)
	}
	return c.enqueuePage(ctx, data)
}

// OnJobFailed is the queue failure hook for the reindex queue. A page that
// exhausted its attempts fails only its resource type: the error and a
// resumable checkpoint are recorded, and the chain continues with the
// remaining types instead of aborting outright.
func (c *Controller) OnJobFailed(ctx context.Context, job *domain.Job, cause error) {
	var data JobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		c.Log.Error("reindex failure hook: bad payload", "job_id", job.ID, "err", err)
		return
	}
	if len(data.ResourceTypes) == 0 {
		return
	}
	current := data.ResourceTypes[0]
	data.Results = append(data.Results, TypeResult{
		ResourceType: current,
		Count:        data.Count,
		ElapsedMS:    time.Since(data.StartTime).Milliseconds(),
		Error:        cause.Error(),
	})
	c.Log.Error("reindex resource type failed",
		"async_job", data.AsyncJobID, "resource_type", current, "err", cause)
	data.ResourceTypes = data.ResourceTypes[1:]

	if len(data.ResourceTypes) == 0 {
		if err := c.finish(ctx, data); err != nil {
			c.Log.Error("reindex finish failed", "async_job", data.AsyncJobID, "err", err)
		}
		return
	}

	data.Cursor = ""
	data.Count = 0
	data.CheckpointCount = 0
	data.StartTime = time.Now().UTC()
	data.LastSeenTimestamp = time.Time{}
	if err := c.enqueuePage(ctx, data); err != nil {
		c.Log.Error("reindex failure hook: re-enqueue failed",
			"async_job", data.AsyncJobID, "err", err)
	}
}

// finish marks the AsyncJob terminal with the aggregate report: completed
// when every type succeeded, error when any recorded a failure.
func (c *Controller) finish(ctx context.Context, data JobData) error {
	output := c.buildOutput(data, true)
	for _, r := range data.Results {
		if r.Error != "" {
			return c.Jobs.Fail(ctx, data.AsyncJobID, output)
		}
	}
	return c.Jobs.Complete(ctx, data.AsyncJobID, output)
}

func (c *Controller) pageRequest(resourceType string, data JobData) fhir.SearchRequest {
	req := fhir.SearchRequest{
		ResourceType:      resourceType,
		Count:             c.batchSize(),
		Cursor:            data.Cursor,
		SortByLastUpdated: true,
		Filters: []fhir.Filter{{
			Code:     "_lastUpdated",
			Operator: fhir.OpBefore,
			Value:    data.Horizon.Format(time.RFC3339Nano),
		}},
		MaxResourceVersion: data.MaxResourceVersion,
	}
	if data.SearchFilter != "" {
		if extra, err := fhir.ParseCriteria(data.SearchFilter); err == nil && extra.ResourceType == resourceType {
			req.Filters = append(req.Filters, extra.Filters...)
		}
	}
	return req
}

// buildOutput renders the AsyncJob output: one parameter per finished type
// with count and elapsedTime, plus an in-progress parameter carrying the
// cursor, running count, and the timestamp high-water mark when the chain
// is still mid-type.
func (c *Controller) buildOutput(data JobData, final bool) []asyncjob.Parameter {
	var out []asyncjob.Parameter
	for _, r := range data.Results {
		p := asyncjob.Parameter{
			Name: r.ResourceType,
			Part: []asyncjob.Parameter{
				{Name: "count", ValueInteger: asyncjob.Int(r.Count)},
				{Name: "elapsedTime", ValueInteger: asyncjob.Int(int(r.ElapsedMS))},
			},
		}
		if r.Error != "" {
			p.Part = append(p.Part, asyncjob.Parameter{Name: "error", ValueString: r.Error})
		}
		out = append(out, p)
	}
	if !final && len(data.ResourceTypes) > 0 {
		part := []asyncjob.Parameter{
			{Name: "count", ValueInteger: asyncjob.Int(data.Count)},
		}
		if data.Cursor != "" {
			part = append(part, asyncjob.Parameter{Name: "cursor", ValueString: data.Cursor})
		}
		if !data.LastSeenTimestamp.IsZero() {
			part = append(part, asyncjob.Parameter{
				Name:          "nextTimestamp",
				ValueDateTime: data.LastSeenTimestamp.UTC().Format(time.RFC3339Nano),
			})
		}
		out = append(out, asyncjob.Parameter{Name: data.ResourceTypes[0], Part: part})
	}
	return out
}

func (c *Controller) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}

// enqueuePage submits the next chain link. The idempotency key includes the
// cursor so a double-submit of the same page dedupes while distinct pages
// never collide.
func (c *Controller) enqueuePage(ctx context.Context, data JobData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal reindex job: %w", err)
	}
	cursor := data.Cursor
	if cursor == "" {
		cursor = "start"
	}
	_, err = c.Enq.Enqueue(ctx, queue.EnqueueOptions{
		Queue:          QueueName,
		Type:           JobType,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("reindex:%s:%s:%s", data.AsyncJobID, data.ResourceTypes[0], cursor),
		MaxAttempts:    PageMaxAttempts,
		BackoffBase:    time.Second,
	})
	if err != nil {
		return fmt.Errorf("enqueue reindex page: %w", err)
	}
	return nil
}
