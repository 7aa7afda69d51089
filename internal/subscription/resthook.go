package subscription

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/carebridge/pulse/internal/domain"
	"github.com/carebridge/pulse/internal/fhir"
)

// sendRestHook performs one webhook delivery attempt and records an audit
// entry for it, success or failure.
func (d *Deliverer) sendRestHook(ctx context.Context, job *domain.Job, sub fhir.Subscription, resource fhir.Resource, data JobData) error {
	if sub.Endpoint == "" {
		// The subscription was edited after the job was created.
		d.Log.Warn("rest-hook subscription missing endpoint; skipping", "subscription", sub.ID)
		return nil
	}

	var body []byte
	if data.Interaction == "delete" {
		body = []byte("{}")
	} else {
		var err error
		body, err = resource.Stringify()
		if err != nil {
			return fmt.Errorf("serialize resource: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rest-hook request: %w", err)
	}
	buildRestHookHeaders(req.Header, sub, resource, data.Interaction, body)

	d.Log.Info("sending rest hook", "subscription", sub.ID, "endpoint", sub.Endpoint)
	resp, err := d.HTTP.Do(req)
	if err != nil {
		// Network errors are transient: audit, then let the queue retry.
		d.writeAuditEvent(ctx, resource, sub, data.RequestTime, AuditOutcomeMinorFailure,
			fmt.Sprintf("Attempt %d received error %v", job.Attempt, err))
		return fmt.Errorf("rest-hook request: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	resp.Body.Close()

	d.Log.Info("received rest hook status", "subscription", sub.ID, "status", resp.StatusCode)
	success := deliverySucceeded(sub, resp.StatusCode)
	outcome := AuditOutcomeSuccess
	if !success {
		outcome = AuditOutcomeMinorFailure
	}
	d.writeAuditEvent(ctx, resource, sub, data.RequestTime, outcome,
		fmt.Sprintf("Attempt %d received status %d", job.Attempt, resp.StatusCode))

	if !success {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// deliverySucceeded decides whether a response status is terminal for this
// delivery. With custom success codes, the subscription's ranges decide.
// Otherwise any status of 410 or below is terminal, including client
// errors, while anything strictly above 410 is retried. That threshold is
// long-standing observed behavior; subscribers rely on 4xx rejections not
// being hammered with retries.
func deliverySucceeded(sub fhir.Subscription, status int) bool {
	if len(sub.SuccessCodes) > 0 {
		for _, r := range sub.SuccessCodes {
			if r.Contains(status) {
				return true
			}
		}
		return false
	}
	return status <= 410
}

// buildRestHookHeaders assembles the outbound header set: content type,
// subscription metadata, the subscriber's configured headers, and the HMAC
// signature when a shared secret is configured.
func buildRestHookHeaders(h http.Header, sub fhir.Subscription, resource fhir.Resource, interaction string, body []byte) {
	h.Set("Content-Type", "application/fhir+json")
	h.Set("X-Subscription", sub.ID)
	h.Set("X-Interaction", interaction)
	if interaction == "delete" {
		h.Set("X-Deleted-Resource", resource.Reference())
	}

	for _, header := range sub.Headers {
		name, value, ok := strings.Cut(header, ":")
		if !ok {
			continue
		}
		h.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if sub.Secret != "" {
		mac := hmac.New(sha256.New, []byte(sub.Secret))
		mac.Write(body)
		h.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
}
