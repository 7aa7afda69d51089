package fhir

import (
	"strconv"
	"strings"
)

// Extension URLs recognized on Subscription resources.
const (
	ExtSubscriptionSecret       = "https://carebridge.dev/fhir/StructureDefinition/subscription-secret"
	ExtSubscriptionMaxAttempts  = "https://carebridge.dev/fhir/StructureDefinition/subscription-max-attempts"
	ExtSubscriptionSuccessCodes = "https://carebridge.dev/fhir/StructureDefinition/subscription-success-codes"
)

const (
	ChannelRestHook = "rest-hook"
	ChannelBot      = "bot"
)

// Subscription is the parsed view of a Subscription resource. Subscriptions
// are externally owned and read-only to this subsystem; this view is rebuilt
// from the current resource every time it is needed.
type Subscription struct {
	ID       string
	Status   string
	Criteria string
	Project  string

	ChannelType string
	Endpoint    string
	Headers     []string // "Name: value" pairs from channel.header

	// Secret, when present, enables the X-Signature HMAC header.
	Secret string

	// MaxAttempts overrides the default delivery retry bound when > 0.
	MaxAttempts int

	// SuccessCodes, when non-empty, replaces the default status policy for
	// deciding whether a delivery attempt succeeded.
	SuccessCodes []StatusRange
}

func (s *Subscription) Active() bool { return s.Status == "active" }

// ParseSubscription extracts the delivery-relevant fields from a
// Subscription resource.
func ParseSubscription(res Resource) Subscription {
	sub := Subscription{
		ID:       res.ID(),
		Status:   res.str("status"),
		Criteria: res.str("criteria"),
		Project:  res.Project(),
		Secret:   res.ExtensionString(ExtSubscriptionSecret),
	}
	if n, ok := res.ExtensionInt(ExtSubscriptionMaxAttempts); ok && n > 0 {
		sub.MaxAttempts = n
	}
	if codes := res.ExtensionString(ExtSubscriptionSuccessCodes); codes != "" {
		sub.SuccessCodes = parseStatusRanges(codes)
	}

	channel, ok := res["channel"].(map[string]any)
	if !ok {
		return sub
	}
	sub.ChannelType, _ = channel["type"].(string)
	sub.Endpoint, _ = channel["endpoint"].(string)
	sub.Headers = asStrings(channel["header"])
	return sub
}

// StatusRange is an inclusive HTTP status range like "200-299" or a single
// code like "404".
type StatusRange struct {
	Low, High int
}

func (r StatusRange) Contains(status int) bool {
	return status >= r.Low && status <= r.High
}

// parseStatusRanges parses a comma-separated list of codes and ranges.
// Invalid entries are dropped rather than failing the whole list, so one
// typo cannot disable a subscription's custom policy entirely.
func parseStatusRanges(s string) []StatusRange {
	var out []StatusRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if low, high, ok := strings.Cut(part, "-"); ok {
			l, err1 := strconv.Atoi(strings.TrimSpace(low))
			h, err2 := strconv.Atoi(strings.TrimSpace(high))
			if err1 == nil && err2 == nil && l <= h {
				out = append(out, StatusRange{Low: l, High: h})
			}
			continue
		}
		if code, err := strconv.Atoi(part); err == nil {
			out = append(out, StatusRange{Low: code, High: code})
		}
	}
	return out
}
