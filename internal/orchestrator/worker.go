package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/copyforge/internal/provider"
	"github.com/lamim/copyforge/internal/router"
	"github.com/lamim/copyforge/internal/uniqueness"
	"github.com/lamim/copyforge/internal/util"
	"github.com/lamim/copyforge/internal/validator"
	"github.com/lamim/copyforge/pkg/models"
)

// Failure causes reported in the run summary
const (
	causePrompt    = "prompt"
	causeExhausted = "exhausted"
	causeGenerate  = "generation"
	causeWrite     = "write"
)

// PreviewLine is what a dry run writes instead of touching the record store
type PreviewLine struct {
	RecordID  string `json:"record_id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	WordCount int    `json:"word_count"`
	Text      string `json:"text"`
}

// taskError carries the summary cause alongside the underlying error
type taskError struct {
	cause string
	err   error
}

func (e *taskError) Error() string { return e.err.Error() }

func (e *taskError) Unwrap() error { return e.err }

func failed(cause string, err error) error {
	return &taskError{cause: cause, err: err}
}

func causeOf(err error) string {
	var te *taskError
	if errors.As(err, &te) {
		return te.cause
	}
	return causeGenerate
}

// generation accumulates what the provider calls for one task cost
type generation struct {
	attempt     *models.GenerationAttempt
	attempts    int
	generations int
	prompt      int
	completion  int
}

func (g *generation) add(a *models.GenerationAttempt) {
	g.attempt = a
	g.attempts += a.Attempts
	g.generations++
	g.prompt += a.PromptTokens
	g.completion += a.CompletionTokens
}

// worker processes tasks until the channel closes. stop is the run context:
// once it is done no new task is started, while tasks already running keep
// ctx until the shutdown grace period ends.
func (o *Orchestrator) worker(stop, ctx context.Context, workerID int, tasks <-chan models.GenerationTask, bar *progressbar.ProgressBar) {
	workerLogger := o.logger.With("worker_id", workerID)
	workerLogger.Debug("Worker started")
	o.deps.Metrics.WorkerStarted()
	defer o.deps.Metrics.WorkerFinished()

	for task := range tasks {
		if stop.Err() != nil && ctx.Err() == nil {
			// Sent while the stop raced the producer; the record stays untouched
			workerLogger.Debug("Dropped task received after stop", "record_id", task.RecordID)
			continue
		}
		if ctx.Err() != nil {
			// Drain without processing so the producer is never blocked
			o.deps.Reporter.Interrupted()
			continue
		}
		o.processTask(ctx, workerLogger.With("record_id", task.RecordID, "seq", task.Seq), task)
		_ = bar.Add(1)
	}

	workerLogger.Debug("Worker finished")
}

// processTask runs one record end to end and records its outcome
func (o *Orchestrator) processTask(ctx context.Context, logger *slog.Logger, task models.GenerationTask) {
	start := o.now()
	meta, err := o.generate(ctx, logger, task)
	o.deps.Metrics.RecordTaskStage("total", time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			// No checkpoint entry, the record is retried on the next run
			logger.Warn("Task interrupted", "error", err)
			o.deps.Reporter.Interrupted()
			return
		}
		cause := causeOf(err)
		logger.Error("Task failed", "cause", cause, "error", err)
		o.deps.Checkpoint.Upsert(task.RecordID, models.CheckpointEntry{
			Status: models.StatusError,
			Error:  util.TruncateString(err.Error(), 500),
			Meta:   meta,
		})
		o.deps.Reporter.Failure(cause)
		o.deps.Metrics.IncrementOutcome(string(models.StatusError))
		return
	}

	meta.DurationMS = time.Since(start).Milliseconds()
	o.deps.Checkpoint.Upsert(task.RecordID, models.CheckpointEntry{
		Status: models.StatusGenerated,
		Meta:   meta,
	})
	o.deps.Reporter.Outcome(models.StatusGenerated)
	o.deps.Metrics.IncrementOutcome(string(models.StatusGenerated))
	logger.Info("Generated output",
		"provider", meta.Provider,
		"words", meta.WordCount,
		"generations", meta.Generations,
		"duration", time.Since(start).Round(time.Millisecond))
}

// generate produces, checks and persists text for task. The returned meta is
// non-nil once any provider call succeeded, even when err is set.
func (o *Orchestrator) generate(ctx context.Context, logger *slog.Logger, task models.GenerationTask) (*models.OutputMeta, error) {
	base, err := o.deps.Prompts.Build(task)
	if err != nil {
		return nil, failed(causePrompt, err)
	}

	var gen generation
	out, err := o.generateValid(ctx, logger, task, base, &gen)
	if err != nil {
		return gen.meta(nil), err
	}

	admission, err := o.deps.Guard.Admit(out.Text)
	if err != nil {
		conflict := o.rejected(logger, err)
		rewrite, perr := o.deps.Prompts.Rewrite(base, conflict.Sentences, conflict.Similarity)
		if perr != nil {
			return gen.meta(nil), failed(causePrompt, perr)
		}
		logger.Info("Output not unique, requesting a rewrite", "reason", conflict.Reason)

		out, err = o.generateValid(ctx, logger, task, rewrite, &gen)
		if err != nil {
			return gen.meta(nil), err
		}
		admission, err = o.deps.Guard.Admit(out.Text)
		if err != nil {
			conflict = o.rejected(logger, err)
			return gen.meta(nil), failed("uniqueness:"+conflict.Reason, err)
		}
	}

	writeStart := o.now()
	err = o.persist(ctx, task, gen.attempt.Provider, out)
	o.deps.Metrics.RecordTaskStage("write", time.Since(writeStart))
	if err != nil {
		// Unwritten text must not block future outputs
		o.deps.Guard.Forget(admission)
		return gen.meta(out), failed(causeWrite, fmt.Errorf("write output: %w", err))
	}
	return gen.meta(out), nil
}

// generateValid calls the providers and validates the response, allowing a
// single corrective regeneration.
func (o *Orchestrator) generateValid(ctx context.Context, logger *slog.Logger, task models.GenerationTask, p provider.Prompt, gen *generation) (*models.ValidatedOutput, error) {
	text, err := o.call(ctx, p, gen)
	if err != nil {
		return nil, err
	}
	out, err := o.deps.Validator.Validate(text, task)
	if err == nil {
		return out, nil
	}

	rule := validator.RuleOf(err)
	o.deps.Metrics.IncrementValidationFailure(rule)
	var ve *validator.ValidationError
	if !errors.As(err, &ve) {
		return nil, failed("validation:"+rule, err)
	}
	logger.Info("Output failed validation, requesting a correction", "rule", ve.Rule, "reason", ve.Reason)

	corrected, perr := o.deps.Prompts.Correct(p, ve.Reason)
	if perr != nil {
		return nil, failed(causePrompt, perr)
	}
	text, err = o.call(ctx, corrected, gen)
	if err != nil {
		return nil, err
	}
	out, err = o.deps.Validator.Validate(text, task)
	if err != nil {
		rule = validator.RuleOf(err)
		o.deps.Metrics.IncrementValidationFailure(rule)
		return nil, failed("validation:"+rule, err)
	}
	return out, nil
}

func (o *Orchestrator) call(ctx context.Context, p provider.Prompt, gen *generation) (string, error) {
	start := o.now()
	attempt, err := o.deps.Generator.Generate(ctx, p)
	o.deps.Metrics.RecordTaskStage("generate", time.Since(start))
	if err != nil {
		if errors.Is(err, router.ErrProviderExhausted) {
			return "", failed(causeExhausted, err)
		}
		return "", failed(causeGenerate, err)
	}
	gen.add(attempt)
	return util.CleanMetaFromLLMResponse(util.StripThinkTags(attempt.Text)), nil
}

func (o *Orchestrator) rejected(logger *slog.Logger, err error) *uniqueness.ConflictError {
	var conflict *uniqueness.ConflictError
	if !errors.As(err, &conflict) {
		conflict = &uniqueness.ConflictError{Reason: uniqueness.ReasonSentence}
	}
	o.deps.Metrics.IncrementUniquenessRejection(conflict.Reason)
	logger.Debug("Uniqueness rejection", "reason", conflict.Reason, "similarity", conflict.Similarity)
	return conflict
}

func (o *Orchestrator) persist(ctx context.Context, task models.GenerationTask, providerName string, out *models.ValidatedOutput) error {
	if o.opts.DryRun {
		return o.deps.Preview.Write(PreviewLine{
			RecordID:  task.RecordID,
			Name:      task.Name,
			Provider:  providerName,
			WordCount: out.WordCount,
			Text:      out.Text,
		})
	}
	return o.deps.Writer.WriteOutput(ctx, task.RecordID, out.Text)
}

func (g *generation) meta(out *models.ValidatedOutput) *models.OutputMeta {
	if g.attempt == nil {
		return nil
	}
	m := &models.OutputMeta{
		Provider:         g.attempt.Provider,
		Attempts:         g.attempts,
		Generations:      g.generations,
		PromptTokens:     g.prompt,
		CompletionTokens: g.completion,
	}
	if out != nil {
		m.WordCount = out.WordCount
	}
	return m
}
