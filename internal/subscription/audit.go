package subscription

import (
	"context"
	"time"

	"github.com/carebridge/pulse/internal/fhir"
)

// Audit outcome codes, following the AuditEvent value set.
const (
	AuditOutcomeSuccess        = "0"
	AuditOutcomeMinorFailure   = "4"
	AuditOutcomeSeriousFailure = "8"
)

// writeAuditEvent records one delivery attempt. Audit records are immutable
// and written for every attempt, success or failure; losing one is logged
// but never fails the delivery job, and AuditEvents themselves never
// trigger fan-out.
func (d *Deliverer) writeAuditEvent(ctx context.Context, resource fhir.Resource, sub fhir.Subscription, requestTime, outcome, description string) {
	event := fhir.Resource{
		"resourceType": "AuditEvent",
		"meta": map[string]any{
			"project": sub.Project,
		},
		"period": map[string]any{
			"start": requestTime,
			"end":   time.Now().UTC().Format(time.RFC3339Nano),
		},
		"recorded":    time.Now().UTC().Format(time.RFC3339Nano),
		"action":      "E",
		"outcome":     outcome,
		"outcomeDesc": description,
		"entity": []any{
			map[string]any{"what": map[string]any{"reference": resource.Reference()}},
			map[string]any{"what": map[string]any{"reference": "Subscription/" + sub.ID}},
		},
	}
	if _, err := d.Repo.CreateResource(ctx, event); err != nil {
		d.Log.Error("failed to write audit event",
			"subscription", sub.ID, "resource", resource.Reference(), "err", err)
	}
}
