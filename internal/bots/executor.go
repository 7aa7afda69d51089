// Package bots executes tenant-authored functions in response to
// subscription notifications. Functions run behind an explicit Executor
// boundary with an injected capability set and a hard wall-clock budget;
// they get no ambient I/O and no filesystem.
package bots

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/carebridge/pulse/internal/fhir"
)

// Request is one bot invocation.
type Request struct {
	// BotRef is the "Bot/<id>" reference from the subscription channel.
	BotRef      string
	Resource    fhir.Resource
	Interaction string
	Project     string
}

// Result is the outcome of a bot run. Err is always terminal for the
// delivery job: bot failures are recorded, never retried.
type Result struct {
	Err error
	// Log is the captured console-style output of the run.
	Log string
}

// Executor runs a bot. Implementations decide how tenant code is hosted;
// the delivery worker only depends on this boundary.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Capabilities is the full set of powers handed to a function: the
// triggering resource, a repository handle scoped to the bot's tenant, and
// a log sink. Nothing else.
type Capabilities struct {
	Resource    fhir.Resource
	Interaction string
	Repo        fhir.Repository
	Log         func(args ...any)
}

// Func is a registered bot implementation.
type Func func(ctx context.Context, caps Capabilities) error

// FuncExecutor hosts named Go functions as bots. The registry is the
// pluggable seam: a scripting-engine-backed executor can replace it without
// touching the delivery worker.
type FuncExecutor struct {
	mu      sync.RWMutex
	funcs   map[string]Func
	repo    fhir.Repository
	timeout time.Duration
	log     *slog.Logger
}

func NewFuncExecutor(repo fhir.Repository, timeout time.Duration, log *slog.Logger) *FuncExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FuncExecutor{
		funcs:   make(map[string]Func),
		repo:    repo,
		timeout: timeout,
		log:     log,
	}
}

func (e *FuncExecutor) Register(botRef string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[botRef] = fn
}

// Execute runs the named bot with a wall-clock deadline. Panics inside the
// function are captured as errors; a function that outlives its budget is
// abandoned (its goroutine keeps only the canceled context).
func (e *FuncExecutor) Execute(ctx context.Context, req Request) Result {
	e.mu.RLock()
	fn, ok := e.funcs[req.BotRef]
	e.mu.RUnlock()
	if !ok {
		return Result{Err: fmt.Errorf("bot not found: %s", req.BotRef)}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var logBuf strings.Builder
	var logMu sync.Mutex
	caps := Capabilities{
		Resource:    req.Resource,
		Interaction: req.Interaction,
		Repo:        e.repo,
		Log: func(args ...any) {
			logMu.Lock()
			defer logMu.Unlock()
			fmt.Fprintln(&logBuf, args...)
		},
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("bot panic: %v", r)
			}
		}()
		done <- fn(runCtx, caps)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		err = fmt.Errorf("bot %s exceeded time budget of %s", req.BotRef, e.timeout)
	}

	logMu.Lock()
	captured := logBuf.String()
	logMu.Unlock()

	if err != nil {
		e.log.Warn("bot execution failed", "bot", req.BotRef, "err", err)
	}
	return Result{Err: err, Log: captured}
}
