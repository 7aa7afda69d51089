// Package dispatch reacts to committed resource mutations. It runs
// synchronously in the write path, strictly after commit, and its only side
// effect is enqueueing follow-on jobs; the heavy work happens in workers.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carebridge/pulse/internal/download"
	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/queue"
	"github.com/carebridge/pulse/internal/subscription"
)

type Interaction string

const (
	InteractionCreate Interaction = "create"
	InteractionUpdate Interaction = "update"
	InteractionDelete Interaction = "delete"
)

// auditResourceTypes never trigger fan-out. Subscription delivery records
// AuditEvents; dispatching on those would loop forever.
var auditResourceTypes = map[string]bool{
	"AuditEvent": true,
}

type Dispatcher struct {
	Repo fhir.Repository
	Enq  queue.Enqueuer
	Log  *slog.Logger

	// BaseURL and StorageBaseURL identify internally stored content;
	// attachment URLs under either prefix are never downloaded.
	BaseURL        string
	StorageBaseURL string

	// AutoDownload gates the download fan-out rule entirely.
	AutoDownload bool
}

// ResourceChanged evaluates all fan-out rules for one committed mutation.
// Each rule is independent: a failure in one is logged and does not stop the
// others. The returned error reports enqueue infrastructure failures only.
func (d *Dispatcher) ResourceChanged(ctx context.Context, interaction Interaction, res, previous fhir.Resource) error {
	if res == nil || auditResourceTypes[res.Type()] {
		return nil
	}

	var firstErr error
	if interaction != InteractionDelete && d.AutoDownload {
		if err := d.addDownloadJobs(ctx, res, previous); err != nil {
			d.Log.Error("download fan-out failed", "resource", res.Reference(), "err", err)
			firstErr = err
		}
	}
	if err := d.addSubscriptionJobs(ctx, interaction, res); err != nil {
		d.Log.Error("subscription fan-out failed", "resource", res.Reference(), "err", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// addDownloadJobs enqueues one download task per external attachment URL
// introduced by this mutation. URLs already present in the previous version
// are skipped: an earlier commit already enqueued them.
func (d *Dispatcher) addDownloadJobs(ctx context.Context, res, previous fhir.Resource) error {
	var prevSerialized []byte
	if previous != nil {
		prevSerialized, _ = previous.Stringify()
	}

	for _, url := range attachmentURLs(res) {
		if !d.isExternalURL(url) {
			continue
		}
		if prevSerialized != nil && strings.Contains(string(prevSerialized), url) {
			continue
		}

		payload, err := json.Marshal(download.JobData{
			ResourceType: res.Type(),
			ID:           res.ID(),
			URL:          url,
		})
		if err != nil {
			return fmt.Errorf("marshal download job: %w", err)
		}
		urlHash := sha256.Sum256([]byte(url))
		_, err = d.Enq.Enqueue(ctx, queue.EnqueueOptions{
			Queue:          download.QueueName,
			Type:           download.JobType,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("dl:%s:%s:%s", res.Reference(), res.VersionID(), hex.EncodeToString(urlHash[:8])),
			MaxAttempts:    download.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("enqueue download for %s: %w", res.Reference(), err)
		}
		d.Log.Info("enqueued download job", "resource", res.Reference(), "url", url)
	}
	return nil
}

// isExternalURL reports whether an attachment URL points outside internal
// storage. Internal forms: the platform's own Binary endpoint, the storage
// service, and canonical "Binary/<id>" references.
func (d *Dispatcher) isExternalURL(url string) bool {
	return strings.HasPrefix(url, "https://") &&
		!strings.HasPrefix(url, d.BaseURL+"Binary/") &&
		!strings.HasPrefix(url, d.StorageBaseURL) &&
		!strings.HasPrefix(url, "Binary/")
}

// addSubscriptionJobs evaluates every active subscription in the resource's
// tenant and enqueues a notification job for each match. The payload carries
// identifiers only: by delivery time the resource may have changed again,
// and the worker re-reads everything.
func (d *Dispatcher) addSubscriptionJobs(ctx context.Context, interaction Interaction, res fhir.Resource) error {
	project := res.Project()
	if project == "" {
		return nil
	}

	result, err := d.Repo.Search(ctx, fhir.SearchRequest{
		ResourceType: "Subscription",
		Count:        1000,
		Filters: []fhir.Filter{
			{Code: "_project", Operator: fhir.OpEquals, Value: project},
			{Code: "status", Operator: fhir.OpEquals, Value: "active"},
		},
	})
	if err != nil {
		return fmt.Errorf("search subscriptions: %w", err)
	}

	requestTime := time.Now().UTC().Format(time.RFC3339Nano)
	for _, subRes := range result.Entries {
		sub := fhir.ParseSubscription(subRes)
		if sub.ChannelType != fhir.ChannelRestHook && sub.ChannelType != fhir.ChannelBot {
			d.Log.Warn("skipping subscription with unrecognized channel",
				"subscription", sub.ID, "channel", sub.ChannelType)
			continue
		}

		criteria, err := fhir.ParseCriteria(sub.Criteria)
		if err != nil {
			// Fatal configuration on this one subscription; the others
			// are unaffected.
			d.Log.Warn("skipping subscription with unparseable criteria",
				"subscription", sub.ID, "criteria", sub.Criteria, "err", err)
			continue
		}
		if !criteria.Matches(res) {
			continue
		}

		if err := d.enqueueNotification(ctx, interaction, res, sub, requestTime); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueueNotification(ctx context.Context, interaction Interaction, res fhir.Resource, sub fhir.Subscription, requestTime string) error {
	payload, err := json.Marshal(subscription.JobData{
		SubscriptionID: sub.ID,
		ResourceType:   res.Type(),
		ID:             res.ID(),
		VersionID:      res.VersionID(),
		Interaction:    string(interaction),
		RequestTime:    requestTime,
	})
	if err != nil {
		return fmt.Errorf("marshal notification job: %w", err)
	}

	maxAttempts := subscription.DefaultAttempts
	if sub.MaxAttempts > 0 {
		maxAttempts = sub.MaxAttempts
	}
	if maxAttempts > subscription.MaxJobAttempts {
		maxAttempts = subscription.MaxJobAttempts
	}

	_, err = d.Enq.Enqueue(ctx, queue.EnqueueOptions{
		Queue:   subscription.QueueName,
		Type:    subscription.JobType,
		Payload: payload,
		// One job per (resource-version, subscription) pair.
		IdempotencyKey: fmt.Sprintf("sub:%s:%s:%s", sub.ID, res.Reference(), res.VersionID()),
		MaxAttempts:    maxAttempts,
		BackoffBase:    time.Second,
	})
	if err != nil {
		return fmt.Errorf("enqueue notification for %s: %w", sub.ID, err)
	}
	d.Log.Info("enqueued notification job",
		"subscription", sub.ID,
		"resource", res.Reference(),
		"version", res.VersionID(),
		"interaction", interaction)
	return nil
}

// attachmentURLs walks the resource looking for attachment-shaped objects:
// any nested map carrying both a url and a contentType. The walk is generic
// because the subsystem does not know resource schemas.
func attachmentURLs(res fhir.Resource) []string {
	var urls []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			url, hasURL := val["url"].(string)
			_, hasCT := val["contentType"]
			if hasURL && hasCT {
				urls = append(urls, url)
			}
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(map[string]any(res))
	return urls
}
