// Package pipeline chains the selector, assembler, and provider connector
// into one request-scoped run. The Runner holds no per-request state;
// concurrent runs share nothing but the store and the provider client.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkaran/stanza/internal/assembler"
	"github.com/mkaran/stanza/internal/persona"
	"github.com/mkaran/stanza/internal/provider"
	"github.com/mkaran/stanza/internal/selector"
)

// ProfileLoader provides read access to profiles. Implemented by
// storage.Store.
type ProfileLoader interface {
	GetProfile(id string) (persona.Profile, error)
}

// Executor dispatches an assembled prompt. Implemented by provider.Client.
type Executor interface {
	Execute(ctx context.Context, prompt assembler.AssembledPrompt, opts provider.ExecutionOptions) (provider.ExecutionResult, error)
}

// Record summarizes one run for the caller's sink. The pipeline itself
// persists nothing.
type Record struct {
	ProfileID string
	TraceID   string
	Request   string
	Prompt    assembler.AssembledPrompt
	Result    provider.ExecutionResult
	Err       error
	StartedAt time.Time
}

// ResultSink receives a Record after every Run that reached the provider,
// success or failure. Selector and assembler errors never reach the sink:
// there is no execution to record.
type ResultSink interface {
	RecordRun(rec Record)
}

// Runner wires the three pipeline stages together.
type Runner struct {
	store    ProfileLoader
	executor Executor
	selOpts  selector.Options
	sink     ResultSink
}

// NewRunner creates a Runner. sink may be nil.
func NewRunner(store ProfileLoader, executor Executor, selOpts selector.Options, sink ResultSink) *Runner {
	return &Runner{store: store, executor: executor, selOpts: selOpts, sink: sink}
}

// Run loads the profile, selects and assembles sections for the context,
// and dispatches the result to the provider. The trace id in execOpts is
// forwarded to every stage that logs or calls out.
func (r *Runner) Run(ctx context.Context, profileID string, sc persona.SelectionContext, asmOpts assembler.Options, execOpts provider.ExecutionOptions) (provider.ExecutionResult, error) {
	prompt, err := r.Preview(ctx, profileID, sc, asmOpts)
	if err != nil {
		return provider.ExecutionResult{}, err
	}

	if execOpts.Input == "" {
		execOpts.Input = sc.Request
	}

	started := time.Now()
	result, err := r.executor.Execute(ctx, prompt, execOpts)
	if r.sink != nil {
		r.sink.RecordRun(Record{
			ProfileID: profileID,
			TraceID:   execOpts.TraceID,
			Request:   sc.Request,
			Prompt:    prompt,
			Result:    result,
			Err:       err,
			StartedAt: started,
		})
	}
	if err != nil {
		return provider.ExecutionResult{}, err
	}

	slog.Debug("pipeline run complete",
		"trace_id", execOpts.TraceID,
		"profile_id", profileID,
		"sections_included", len(prompt.Included),
		"attempts", result.Attempts,
		"finish_reason", result.FinishReason,
	)
	return result, nil
}

// Preview selects and assembles without calling the provider.
func (r *Runner) Preview(ctx context.Context, profileID string, sc persona.SelectionContext, asmOpts assembler.Options) (assembler.AssembledPrompt, error) {
	profile, err := r.store.GetProfile(profileID)
	if err != nil {
		return assembler.AssembledPrompt{}, fmt.Errorf("loading profile %s: %w", profileID, err)
	}

	sel, err := selector.Select(profile.Sections, sc, r.selOpts)
	if err != nil {
		return assembler.AssembledPrompt{}, err
	}

	return assembler.Assemble(ctx, profile, sel, asmOpts)
}

// PreviewBatch assembles one prompt per context concurrently. The profile
// is loaded once; assembly is pure computation over shared read-only data.
func (r *Runner) PreviewBatch(ctx context.Context, profileID string, contexts []persona.SelectionContext, asmOpts assembler.Options) ([]assembler.AssembledPrompt, error) {
	profile, err := r.store.GetProfile(profileID)
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", profileID, err)
	}

	out := make([]assembler.AssembledPrompt, len(contexts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, sc := range contexts {
		g.Go(func() error {
			sel, err := selector.Select(profile.Sections, sc, r.selOpts)
			if err != nil {
				return fmt.Errorf("context %d: %w", i, err)
			}
			prompt, err := assembler.Assemble(gCtx, profile, sel, asmOpts)
			if err != nil {
				return fmt.Errorf("context %d: %w", i, err)
			}
			out[i] = prompt
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
