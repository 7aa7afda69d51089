package bots

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/fhir/fhirtest"
)

func newExecutor(timeout time.Duration) *FuncExecutor {
	return NewFuncExecutor(fhirtest.NewRepo(), timeout,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecuteCapturesLog(t *testing.T) {
	e := newExecutor(time.Second)
	e.Register("Bot/hello", func(ctx context.Context, caps Capabilities) error {
		caps.Log("processing", caps.Resource.Reference())
		caps.Log("done")
		return nil
	})

	result := e.Execute(context.Background(), Request{
		BotRef:   "Bot/hello",
		Resource: fhir.Resource{"resourceType": "Patient", "id": "p1"},
	})
	if result.Err != nil {
		t.Fatalf("Execute: %v", result.Err)
	}
	if !strings.Contains(result.Log, "processing Patient/p1") || !strings.Contains(result.Log, "done") {
		t.Fatalf("captured log = %q", result.Log)
	}
}

func TestExecuteUnknownBot(t *testing.T) {
	e := newExecutor(time.Second)
	result := e.Execute(context.Background(), Request{BotRef: "Bot/missing"})
	if result.Err == nil {
		t.Fatal("expected error for unknown bot")
	}
}

func TestExecuteReturnsFunctionError(t *testing.T) {
	e := newExecutor(time.Second)
	wantErr := errors.New("validation failed")
	e.Register("Bot/failing", func(ctx context.Context, caps Capabilities) error {
		return wantErr
	})
	result := e.Execute(context.Background(), Request{BotRef: "Bot/failing"})
	if !errors.Is(result.Err, wantErr) {
		t.Fatalf("err = %v", result.Err)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	e := newExecutor(time.Second)
	e.Register("Bot/panicky", func(ctx context.Context, caps Capabilities) error {
		panic("nil map write")
	})
	result := e.Execute(context.Background(), Request{BotRef: "Bot/panicky"})
	if result.Err == nil || !strings.Contains(result.Err.Error(), "panic") {
		t.Fatalf("err = %v", result.Err)
	}
}

func TestExecuteTimeBudget(t *testing.T) {
	e := newExecutor(50 * time.Millisecond)
	e.Register("Bot/slow", func(ctx context.Context, caps Capabilities) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	start := time.Now()
	result := e.Execute(context.Background(), Request{BotRef: "Bot/slow"})
	if result.Err == nil || !strings.Contains(result.Err.Error(), "time budget") {
		t.Fatalf("err = %v", result.Err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("execute blocked for %v", time.Since(start))
	}
}

func TestExecuteRepoCapability(t *testing.T) {
	repo := fhirtest.NewRepo()
	e := NewFuncExecutor(repo, time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Register("Bot/writer", func(ctx context.Context, caps Capabilities) error {
		_, err := caps.Repo.CreateResource(ctx, fhir.Resource{
			"resourceType": "Task",
			"status":       "requested",
		})
		return err
	})
	result := e.Execute(context.Background(), Request{BotRef: "Bot/writer"})
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if n := len(repo.SearchAll(context.Background(), "Task")); n != 1 {
		t.Fatalf("got %d tasks, want 1", n)
	}
}
