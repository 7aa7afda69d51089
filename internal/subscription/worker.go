// Package subscription delivers resource-change notifications to
// subscriber-configured channels: signed rest-hook webhooks and sandboxed
// bot functions.
//
// A delivery is never based on the snapshot taken at enqueue time. The
// subscription and the resource are both re-read when the job is leased, so
// a subscription deactivated (or a resource deleted) between enqueue and
// delivery turns the job into a silent no-op.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/carebridge/pulse/internal/bots"
	"github.com/carebridge/pulse/internal/domain"
	"github.com/carebridge/pulse/internal/fhir"
)

const (
	QueueName = "subscriptions"
	JobType   = "subscription_delivery"

	// DefaultAttempts applies unless the subscription carries a
	// max-attempts override. MaxJobAttempts is the hard ceiling: with a 1s
	// exponential base, 18 attempts spans roughly three days of outage.
	DefaultAttempts = 3
	MaxJobAttempts  = 18

	// RequestTimeout bounds one outbound webhook POST.
	RequestTimeout = 120 * time.Second
)

// JobData is the notification payload: identifiers only, never the resource
// body.
type JobData struct {
	SubscriptionID string `json:"subscriptionId"`
	ResourceType   string `json:"resourceType"`
	ID             string `json:"id"`
	VersionID      string `json:"versionId"`
	Interaction    string `json:"interaction"`
	RequestTime    string `json:"requestTime"`
}

// Deliverer is the subscription delivery worker.
type Deliverer struct {
	Repo fhir.Repository
	HTTP *http.Client
	Bots bots.Executor
	Log  *slog.Logger
}

func NewDeliverer(repo fhir.Repository, executor bots.Executor, log *slog.Logger) *Deliverer {
	return &Deliverer{
		Repo: repo,
		HTTP: &http.Client{Timeout: RequestTimeout},
		Bots: executor,
		Log:  log,
	}
}

// Handle processes one notification job. Returning nil covers both success
// and every terminal-but-expected drop; a returned error means the queue
// should retry with backoff.
func (d *Deliverer) Handle(ctx context.Context, job *domain.Job) error {
	var data JobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("unmarshal notification payload: %w", err)
	}
	log := d.Log.With("subscription", data.SubscriptionID, "resource", data.ResourceType+"/"+data.ID)

	subRes, err := d.Repo.ReadResource(ctx, "Subscription", data.SubscriptionID)
	if fhir.IsMissing(err) {
		log.Debug("subscription gone; dropping notification")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read subscription: %w", err)
	}
	sub := fhir.ParseSubscription(subRes)
	if !sub.Active() {
		log.Debug("subscription not active; dropping notification")
		return nil
	}

	if data.Interaction != "delete" {
		current, err := d.Repo.ReadResource(ctx, data.ResourceType, data.ID)
		if fhir.IsMissing(err) {
			log.Debug("resource gone; dropping notification")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read resource: %w", err)
		}
		if job.Attempt > 0 && current.VersionID() != data.VersionID {
			// A retry for a superseded version delivers nothing; the
			// newer version enqueued its own notification.
			log.Debug("resource version superseded; dropping retry",
				"job_version", data.VersionID, "current_version", current.VersionID())
			return nil
		}
	}

	// Build the outbound body from the exact version referenced by the job.
	versioned, err := d.Repo.ReadVersion(ctx, data.ResourceType, data.ID, data.VersionID)
	if fhir.IsMissing(err) {
		log.Debug("resource version gone; dropping notification")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}

	switch sub.ChannelType {
	case fhir.ChannelRestHook:
		if len(sub.Endpoint) > 4 && sub.Endpoint[:4] == "Bot/" {
			return d.execBot(ctx, sub, versioned, data)
		}
		return d.sendRestHook(ctx, job, sub, versioned, data)
	case fhir.ChannelBot:
		return d.execBot(ctx, sub, versioned, data)
	default:
		// The dispatcher filters channels, but the subscription may have
		// been edited since enqueue. Unsupported now means skip.
		log.Warn("unsupported channel type at delivery time", "channel", sub.ChannelType)
		return nil
	}
}

// execBot runs the tenant-authored function for this notification. Bot
// execution is always terminal: a thrown error is recorded as a minor
// failure, never retried.
func (d *Deliverer) execBot(ctx context.Context, sub fhir.Subscription, resource fhir.Resource, data JobData) error {
	result := d.Bots.Execute(ctx, bots.Request{
		BotRef:      sub.Endpoint,
		Resource:    resource,
		Interaction: data.Interaction,
		Project:     sub.Project,
	})

	outcome := AuditOutcomeSuccess
	desc := fmt.Sprintf("Bot %s executed successfully", sub.Endpoint)
	if result.Err != nil {
		outcome = AuditOutcomeMinorFailure
		desc = fmt.Sprintf("Bot %s failed: %v", sub.Endpoint, result.Err)
	}
	if result.Log != "" {
		desc += "\n" + result.Log
	}
	d.writeAuditEvent(ctx, resource, sub, data.RequestTime, outcome, desc)
	return nil
}
