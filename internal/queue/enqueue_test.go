package queue

import (
	"context"
	"strings"
	"testing"
)

func TestEnqueueValidation(t *testing.T) {
	cases := []struct {
		name string
		opts EnqueueOptions
		want string
	}{
		{"missing queue", EnqueueOptions{Type: "t", IdempotencyKey: "k"}, "queue name"},
		{"missing type", EnqueueOptions{Queue: "q", IdempotencyKey: "k"}, "job type"},
		{"missing key", EnqueueOptions{Queue: "q", Type: "t"}, "idempotency key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Enqueue(context.Background(), nil, tc.opts)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
