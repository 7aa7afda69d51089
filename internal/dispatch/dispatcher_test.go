package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/carebridge/pulse/internal/download"
	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/fhir/fhirtest"
	"github.com/carebridge/pulse/internal/queue"
	"github.com/carebridge/pulse/internal/subscription"
)

// fakeEnqueuer records submissions and dedupes on (queue, idempotency key)
// like the real store.
type fakeEnqueuer struct {
	jobs []queue.EnqueueOptions
	seen map[string]bool
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{seen: make(map[string]bool)}
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, opts queue.EnqueueOptions) (queue.EnqueueResult, error) {
	key := opts.Queue + "|" + opts.IdempotencyKey
	if f.seen[key] {
		return queue.EnqueueResult{JobID: uuid.New(), Inserted: false}, nil
	}
	f.seen[key] = true
	f.jobs = append(f.jobs, opts)
	return queue.EnqueueResult{JobID: uuid.New(), Inserted: true}, nil
}

func (f *fakeEnqueuer) byQueue(name string) []queue.EnqueueOptions {
	var out []queue.EnqueueOptions
	for _, j := range f.jobs {
		if j.Queue == name {
			out = append(out, j)
		}
	}
	return out
}

func newDispatcher(repo fhir.Repository, enq queue.Enqueuer) *Dispatcher {
	return &Dispatcher{
		Repo:           repo,
		Enq:            enq,
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		BaseURL:        "https://pulse.example.com/fhir/R4/",
		StorageBaseURL: "https://storage.example.com/",
		AutoDownload:   true,
	}
}

func mustCreate(t *testing.T, repo *fhirtest.Repo, res fhir.Resource) fhir.Resource {
	t.Helper()
	created, err := repo.CreateResource(context.Background(), res)
	if err != nil {
		t.Fatalf("create %s: %v", res.Type(), err)
	}
	return created
}

func activeSubscription(project, criteria string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Subscription",
		"status":       "active",
		"criteria":     criteria,
		"meta":         map[string]any{"project": project},
		"channel": map[string]any{
			"type":     "rest-hook",
			"endpoint": "https://example.com/hook",
		},
	}
}

func TestResourceChangedEnqueuesMatchingSubscriptions(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	sub := mustCreate(t, repo, activeSubscription("proj-1", "Patient?name=Smith"))
	mustCreate(t, repo, activeSubscription("proj-1", "Patient?name=Jones"))
	mustCreate(t, repo, activeSubscription("proj-2", "Patient?name=Smith")) // other tenant

	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
		"name":         []any{map[string]any{"family": "Smith"}},
	})

	if err := d.ResourceChanged(context.Background(), InteractionCreate, patient, nil); err != nil {
		t.Fatalf("ResourceChanged: %v", err)
	}

	jobs := enq.byQueue(subscription.QueueName)
	if len(jobs) != 1 {
		t.Fatalf("got %d notification jobs, want 1", len(jobs))
	}
	var data subscription.JobData
	if err := json.Unmarshal(jobs[0].Payload, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data.SubscriptionID != sub.ID() {
		t.Fatalf("subscription = %q, want %q", data.SubscriptionID, sub.ID())
	}
	if data.ResourceType != "Patient" || data.ID != patient.ID() || data.VersionID != "1" {
		t.Fatalf("identifiers = %+v", data)
	}
	// Identifiers only: the payload never embeds the resource body.
	var raw map[string]any
	_ = json.Unmarshal(jobs[0].Payload, &raw)
	if _, ok := raw["resource"]; ok {
		t.Fatal("payload carries a resource body")
	}
}

func TestResourceChangedSkipsInactiveSubscriptions(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	off := activeSubscription("proj-1", "Patient")
	off["status"] = "off"
	mustCreate(t, repo, off)

	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
	})
	if err := d.ResourceChanged(context.Background(), InteractionCreate, patient, nil); err != nil {
		t.Fatal(err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("got %d jobs, want 0", len(enq.jobs))
	}
}

func TestResourceChangedSkipsInvalidCriteria(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	mustCreate(t, repo, activeSubscription("proj-1", "")) // unparseable
	mustCreate(t, repo, activeSubscription("proj-1", "Patient"))

	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
	})
	if err := d.ResourceChanged(context.Background(), InteractionCreate, patient, nil); err != nil {
		t.Fatal(err)
	}
	// The broken subscription is skipped; the valid one still fires.
	if len(enq.byQueue(subscription.QueueName)) != 1 {
		t.Fatalf("got %d jobs, want 1", len(enq.byQueue(subscription.QueueName)))
	}
}

func TestResourceChangedIgnoresAuditEvents(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	mustCreate(t, repo, activeSubscription("proj-1", "AuditEvent"))
	audit := mustCreate(t, repo, fhir.Resource{
		"resourceType": "AuditEvent",
		"meta":         map[string]any{"project": "proj-1"},
	})
	if err := d.ResourceChanged(context.Background(), InteractionCreate, audit, nil); err != nil {
		t.Fatal(err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("audit event triggered %d jobs", len(enq.jobs))
	}
}

func TestResourceChangedDispatchesOnDelete(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	mustCreate(t, repo, activeSubscription("proj-1", "Patient"))
	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
		"photo": []any{map[string]any{
			"contentType": "image/jpeg",
			"url":         "https://elsewhere.example.org/a.jpg",
		}},
	})

	if err := d.ResourceChanged(context.Background(), InteractionDelete, patient, nil); err != nil {
		t.Fatal(err)
	}
	var data subscription.JobData
	jobs := enq.byQueue(subscription.QueueName)
	if len(jobs) != 1 {
		t.Fatalf("got %d notification jobs, want 1", len(jobs))
	}
	_ = json.Unmarshal(jobs[0].Payload, &data)
	if data.Interaction != "delete" {
		t.Fatalf("interaction = %q", data.Interaction)
	}
	// Deletes never trigger downloads.
	if n := len(enq.byQueue(download.QueueName)); n != 0 {
		t.Fatalf("delete enqueued %d download jobs", n)
	}
}

func TestDownloadFanOut(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
		"photo": []any{
			map[string]any{
				"contentType": "image/jpeg",
				"url":         "https://elsewhere.example.org/a.jpg",
			},
			// Internal URLs are never downloaded.
			map[string]any{
				"contentType": "image/jpeg",
				"url":         "https://storage.example.com/binary/xyz",
			},
			map[string]any{
				"contentType": "image/jpeg",
				"url":         "Binary/abc",
			},
		},
	})

	if err := d.ResourceChanged(context.Background(), InteractionCreate, patient, nil); err != nil {
		t.Fatal(err)
	}
	jobs := enq.byQueue(download.QueueName)
	if len(jobs) != 1 {
		t.Fatalf("got %d download jobs, want 1", len(jobs))
	}
	var data download.JobData
	_ = json.Unmarshal(jobs[0].Payload, &data)
	if data.URL != "https://elsewhere.example.org/a.jpg" {
		t.Fatalf("url = %q", data.URL)
	}
	if data.ResourceType != "Patient" || data.ID != patient.ID() {
		t.Fatalf("identifiers = %+v", data)
	}
}

func TestDownloadFanOutSkipsCarriedOverURLs(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	previous := fhir.Resource{
		"resourceType": "Patient",
		"id":           "p1",
		"meta":         map[string]any{"project": "proj-1", "versionId": "1"},
		"photo": []any{map[string]any{
			"contentType": "image/jpeg",
			"url":         "https://elsewhere.example.org/a.jpg",
		}},
	}
	current := previous.Clone()
	current.SetMeta("versionId", "2")

	if err := d.ResourceChanged(context.Background(), InteractionUpdate, current, previous); err != nil {
		t.Fatal(err)
	}
	// The URL was already present in the previous version: an earlier
	// commit owns the download.
	if n := len(enq.byQueue(download.QueueName)); n != 0 {
		t.Fatalf("got %d download jobs, want 0", n)
	}
}

func TestDownloadFanOutDisabled(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)
	d.AutoDownload = false

	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
		"photo": []any{map[string]any{
			"contentType": "image/jpeg",
			"url":         "https://elsewhere.example.org/a.jpg",
		}},
	})
	if err := d.ResourceChanged(context.Background(), InteractionCreate, patient, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(enq.byQueue(download.QueueName)); n != 0 {
		t.Fatalf("got %d download jobs with auto-download off", n)
	}
}

func TestEnqueueNotificationIdempotent(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	mustCreate(t, repo, activeSubscription("proj-1", "Patient"))
	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
	})

	// The dispatcher running twice for one commit must not duplicate jobs.
	for i := 0; i < 2; i++ {
		if err := d.ResourceChanged(context.Background(), InteractionCreate, patient, nil); err != nil {
			t.Fatal(err)
		}
	}
	if len(enq.byQueue(subscription.QueueName)) != 1 {
		t.Fatalf("got %d jobs, want 1", len(enq.byQueue(subscription.QueueName)))
	}
}

func TestMaxAttemptsOverrideCapped(t *testing.T) {
	repo := fhirtest.NewRepo()
	enq := newFakeEnqueuer()
	d := newDispatcher(repo, enq)

	over := activeSubscription("proj-1", "Patient")
	over["extension"] = []any{map[string]any{
		"url":          fhir.ExtSubscriptionMaxAttempts,
		"valueInteger": float64(99),
	}}
	mustCreate(t, repo, over)

	patient := mustCreate(t, repo, fhir.Resource{
		"resourceType": "Patient",
		"meta":         map[string]any{"project": "proj-1"},
	})
	if err := d.ResourceChanged(context.Background(), InteractionCreate, patient, nil); err != nil {
		t.Fatal(err)
	}
	jobs := enq.byQueue(subscription.QueueName)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if jobs[0].MaxAttempts != subscription.MaxJobAttempts {
		t.Fatalf("max attempts = %d, want cap %d", jobs[0].MaxAttempts, subscription.MaxJobAttempts)
	}
}
