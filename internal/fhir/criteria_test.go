package fhir

import "testing"

func patient() Resource {
	return Resource{
		"resourceType": "Patient",
		"id":           "p1",
		"gender":       "female",
		"name": []any{
			map[string]any{
				"family": "Smith",
				"given":  []any{"Alice", "Jane"},
			},
		},
		"identifier": []any{
			map[string]any{"system": "http://example.com/mrn", "value": "12345"},
		},
	}
}

func TestParseCriteria(t *testing.T) {
	c, err := ParseCriteria("Patient?name=Smith&gender=female")
	if err != nil {
		t.Fatalf("ParseCriteria: %v", err)
	}
	if c.ResourceType != "Patient" {
		t.Fatalf("resource type = %q", c.ResourceType)
	}
	if len(c.Filters) != 2 {
		t.Fatalf("got %d filters, want 2", len(c.Filters))
	}
}

func TestParseCriteriaNoQuery(t *testing.T) {
	c, err := ParseCriteria("Observation")
	if err != nil {
		t.Fatalf("ParseCriteria: %v", err)
	}
	if c.ResourceType != "Observation" || len(c.Filters) != 0 {
		t.Fatalf("got %+v", c)
	}
}

func TestParseCriteriaEmpty(t *testing.T) {
	if _, err := ParseCriteria(""); err == nil {
		t.Fatal("expected error for empty criteria")
	}
	if _, err := ParseCriteria("?name=x"); err == nil {
		t.Fatal("expected error for missing resource type")
	}
}

func TestCriteriaMatches(t *testing.T) {
	tests := []struct {
		criteria string
		want     bool
	}{
		{"Patient", true},
		{"Observation", false},
		{"Patient?name=Smith", true},
		{"Patient?name=smi", true}, // case-insensitive prefix
		{"Patient?name=Alice", true},
		{"Patient?name=Jones", false},
		{"Patient?gender=female", true},
		{"Patient?gender=male", false},
		{"Patient?_id=p1", true},
		{"Patient?_id=p2", false},
		{"Patient?identifier=12345", true},
		{"Patient?identifier=http://example.com/mrn|12345", true},
		{"Patient?identifier=http://other.com|12345", false},
		{"Patient?identifier=99999", false},
		{"Patient?name=Smith&gender=female", true},
		{"Patient?name=Smith&gender=male", false},
		// Unknown parameter codes never match.
		{"Patient?birthdate=1990", false},
	}
	for _, tt := range tests {
		c, err := ParseCriteria(tt.criteria)
		if err != nil {
			t.Fatalf("%s: %v", tt.criteria, err)
		}
		if got := c.Matches(patient()); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.criteria, got, tt.want)
		}
	}
}

func TestParseSubscriptionExtensions(t *testing.T) {
	res := Resource{
		"resourceType": "Subscription",
		"id":           "s1",
		"status":       "active",
		"criteria":     "Patient?name=Smith",
		"meta":         map[string]any{"project": "proj-1"},
		"channel": map[string]any{
			"type":     "rest-hook",
			"endpoint": "https://example.com/hook",
			"header":   []any{"Authorization: Bearer abc"},
		},
		"extension": []any{
			map[string]any{"url": ExtSubscriptionSecret, "valueString": "topsecret"},
			map[string]any{"url": ExtSubscriptionMaxAttempts, "valueInteger": float64(7)},
			map[string]any{"url": ExtSubscriptionSuccessCodes, "valueString": "200,300,400-505"},
		},
	}
	sub := ParseSubscription(res)
	if !sub.Active() {
		t.Fatal("expected active")
	}
	if sub.Project != "proj-1" {
		t.Fatalf("project = %q", sub.Project)
	}
	if sub.Secret != "topsecret" {
		t.Fatalf("secret = %q", sub.Secret)
	}
	if sub.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d", sub.MaxAttempts)
	}
	if len(sub.Headers) != 1 || sub.Headers[0] != "Authorization: Bearer abc" {
		t.Fatalf("headers = %v", sub.Headers)
	}
	if len(sub.SuccessCodes) != 3 {
		t.Fatalf("success codes = %v", sub.SuccessCodes)
	}
	for _, tc := range []struct {
		status int
		want   bool
	}{
		{200, true}, {300, true}, {404, true}, {505, true},
		{201, false}, {506, false}, {100, false},
	} {
		got := false
		for _, r := range sub.SuccessCodes {
			if r.Contains(tc.status) {
				got = true
				break
			}
		}
		if got != tc.want {
			t.Errorf("status %d: got %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestParseStatusRangesDropsInvalid(t *testing.T) {
	ranges := parseStatusRanges("200, banana, 500-400, 301-302,")
	if len(ranges) != 2 {
		t.Fatalf("got %v, want the 200 and 301-302 entries only", ranges)
	}
}
