// Package download ingests externally hosted attachment content. When a
// committed resource references an external URL, a download job fetches the
// bytes, stores them as an internal Binary, and rewrites the reference so
// the platform never depends on the external host again.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/pulse/internal/domain"
	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/ratelimit"
)

const (
	QueueName = "downloads"
	JobType   = "download_content"

	// MaxAttempts bounds retries for one attachment. Unreachable hosts are
	// common; three tries with backoff is enough before giving up.
	MaxAttempts = 3

	fetchTimeout = 120 * time.Second

	// maxContentBytes caps a single attachment fetch.
	maxContentBytes = 1 << 30
)

// JobData identifies the owning resource and the URL to ingest. Identifiers
// only: the worker re-reads the owner at execution time.
type JobData struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	URL          string `json:"url"`
}

// ContentStore persists raw Binary content. The repository holds the Binary
// resource row; the content store holds its bytes.
type ContentStore interface {
	WriteBinary(ctx context.Context, binaryID, contentType string, content io.Reader) error
}

type Worker struct {
	Repo  fhir.Repository
	Store ContentStore
	HTTP  *http.Client
	Log   *slog.Logger

	// Quota, when set, records each ingested attachment as a write against
	// the owning tenant's bucket. Advisory only: ingestion is never rejected
	// on quota, but the consumption shows up in the tenant's window.
	Quota     ratelimit.CounterStore
	QuotaOpts ratelimit.Options
}

func NewWorker(repo fhir.Repository, store ContentStore, log *slog.Logger) *Worker {
	return &Worker{
		Repo:  repo,
		Store: store,
		HTTP:  &http.Client{Timeout: fetchTimeout},
		Log:   log,
	}
}

// Handle executes one download job. The job is dropped without error when
// its referent is gone or no longer mentions the URL: both mean a later
// commit superseded this work. Fetch and store failures return an error so
// the queue retries.
func (w *Worker) Handle(ctx context.Context, job *domain.Job) error {
	var data JobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("unmarshal download payload: %w", err)
	}
	log := w.Log.With("resource", data.ResourceType+"/"+data.ID, "url", data.URL)

	owner, err := w.Repo.ReadResource(ctx, data.ResourceType, data.ID)
	if err != nil {
		if fhir.IsMissing(err) {
			log.Info("download skipped: resource is gone")
			return nil
		}
		return fmt.Errorf("read download owner: %w", err)
	}

	serialized, err := owner.Stringify()
	if err != nil {
		return fmt.Errorf("serialize download owner: %w", err)
	}
	if !strings.Contains(string(serialized), data.URL) {
		log.Info("download skipped: url no longer referenced")
		return nil
	}

	binary, err := w.fetch(ctx, owner, data.URL)
	if err != nil {
		return err
	}
	log.Info("attachment ingested", "binary", binary.Reference())
	w.recordQuota(ctx, owner.Project())

	return w.rewrite(ctx, data, binary)
}

// recordQuota charges the ingested write to the owning tenant in advisory
// mode. Quota exhaustion or a counter-store outage only warns.
func (w *Worker) recordQuota(ctx context.Context, tenant string) {
	if w.Quota == nil || tenant == "" {
		return
	}
	opts := w.QuotaOpts
	opts.Identity = "system"
	opts.Tenant = tenant
	opts.Enforced = false
	_ = ratelimit.New(w.Quota, w.Log, opts).Consume(ctx, ratelimit.CostWrite())
}

// fetch downloads the URL and materializes it as a project-scoped Binary:
// resource row first, then content bytes keyed by the Binary id.
func (w *Worker) fetch(ctx context.Context, owner fhir.Resource, url string) (fhir.Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: received status %d", url, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	binary := fhir.Resource{
		"resourceType": "Binary",
		"id":           uuid.NewString(),
		"contentType":  contentType,
		"securityContext": map[string]any{
			"reference": owner.Reference(),
		},
	}
	binary.SetMeta("project", owner.Project())
	binary, err = w.Repo.CreateResource(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("create binary: %w", err)
	}

	if err := w.Store.WriteBinary(ctx, binary.ID(), contentType, io.LimitReader(resp.Body, maxContentBytes)); err != nil {
		return nil, fmt.Errorf("store binary content: %w", err)
	}
	return binary, nil
}

// rewrite re-reads the owner and replaces every occurrence of the external
// URL with the canonical Binary reference. The re-read narrows the window
// against concurrent edits; a commit landing between read and update is
// surfaced as an error and retried.
func (w *Worker) rewrite(ctx context.Context, data JobData, binary fhir.Resource) error {
	owner, err := w.Repo.ReadResource(ctx, data.ResourceType, data.ID)
	if err != nil {
		if fhir.IsMissing(err) {
			w.Log.Info("download rewrite skipped: resource is gone",
				"resource", data.ResourceType+"/"+data.ID)
			return nil
		}
		return fmt.Errorf("re-read download owner: %w", err)
	}

	serialized, err := owner.Stringify()
	if err != nil {
		return fmt.Errorf("serialize download owner: %w", err)
	}
	if !strings.Contains(string(serialized), data.URL) {
		return nil
	}

	encodedURL, err := json.Marshal(data.URL)
	if err != nil {
		return fmt.Errorf("encode url: %w", err)
	}
	encodedRef, err := json.Marshal(binary.Reference())
	if err != nil {
		return fmt.Errorf("encode binary reference: %w", err)
	}
	rewritten := strings.ReplaceAll(string(serialized), string(encodedURL), string(encodedRef))

	updated, err := fhir.ParseResource([]byte(rewritten))
	if err != nil {
		return fmt.Errorf("parse rewritten owner: %w", err)
	}
	// The rewrite is attributed to the platform, not the last human editor.
	updated.SetMeta("author", map[string]any{"reference": "system"})

	if _, err := w.Repo.UpdateResource(ctx, updated); err != nil {
		return fmt.Errorf("update download owner: %w", err)
	}
	return nil
}
