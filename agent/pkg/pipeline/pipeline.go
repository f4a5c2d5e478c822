// Package pipeline turns natural-language questions into SQL through a
// sequence of discrete stages: relevancy, schema analysis, clarification,
// follow-up, generation, the destructive-operation gate and response
// formatting. Each run streams its events to the caller as the stages
// complete.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/alitto/pond/v2"
)

// ErrClosed is returned when a run is requested from a closed pipeline.
var ErrClosed = errors.New("pipeline closed")

const defaultSessionID = "default"

// Run outcomes reported to the Observer.
const (
	outcomeCompleted = "completed"
	outcomeStopped   = "stopped"
	outcomeSuspended = "suspended"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// Pipeline orchestrates question runs and destructive-statement
// confirmations.
type Pipeline struct {
	cfg *Config
	log *slog.Logger

	pool     pond.Pool
	registry *confirmRegistry
	lanes    *sessionLanes
	closed   atomic.Bool

	askStages []Stage
	respond   *respondStage
}

// New creates a new Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	respond := &respondStage{
		llm:     cfg.LLM,
		prompt:  cfg.Prompts.Format,
		exec:    cfg.Executor,
		schemas: cfg.SchemaFetcher,
		log:     cfg.Logger,
		maxRows: cfg.MaxResultRows,
	}

	return &Pipeline{
		cfg:      cfg,
		log:      cfg.Logger,
		pool:     pond.NewPool(cfg.MaxConcurrentRuns),
		registry: newConfirmRegistry(cfg.Clock, cfg.ConfirmationTTL),
		lanes:    newSessionLanes(),
		askStages: []Stage{
			&schemaStage{fetcher: cfg.SchemaFetcher},
			&relevancyStage{llm: cfg.LLM, prompt: cfg.Prompts.Relevancy},
			&analyzeStage{llm: cfg.LLM, prompt: cfg.Prompts.Analyze, log: cfg.Logger, timeout: cfg.SchemaTimeout},
			&clarifyStage{llm: cfg.LLM, prompt: cfg.Prompts.Clarify},
			&followUpStage{llm: cfg.LLM, prompt: cfg.Prompts.FollowUp},
			&generateStage{llm: cfg.LLM, prompt: cfg.Prompts.Generate, minConfidence: cfg.MinConfidence},
			gateStage{},
			respond,
		},
		respond: respond,
	}, nil
}

// Ask starts a run for a question. Any in-flight run of the same session is
// cancelled first. The run ends when its context is cancelled.
func (p *Pipeline) Ask(ctx context.Context, req Request) (*Run, error) {
	req = req.clone()
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, errors.New("question is required")
	}
	if req.SchemaID == "" {
		return nil, errors.New("schema id is required")
	}
	if req.SessionID == "" {
		req.SessionID = defaultSessionID
	}

	return p.start(ctx, "ask", req.SessionID, func(run *Run) string {
		if !p.emit(run, ReasoningStep("Analyzing user query and generating SQL...")) {
			return outcomeCancelled
		}
		return p.drive(run, &req, State{Question: req.Question}, p.askStages)
	})
}

// ConfirmRequest is the caller's reply to a destructive_confirmation event.
type ConfirmRequest struct {
	SessionID       string
	SchemaID        string
	Token           string // confirmation_id of the event
	Decision        Decision
	Statement       string // sql_query of the event
	QuestionHistory []string
}

// Confirm resolves the session's pending confirmation. CONFIRM executes the
// parked statement and formats its result; CANCEL discards it. A reply that
// does not match a live confirmation yields an error event.
func (p *Pipeline) Confirm(ctx context.Context, reply ConfirmRequest) (*Run, error) {
	if reply.Decision != DecisionConfirm && reply.Decision != DecisionCancel {
		return nil, fmt.Errorf("invalid decision %q", reply.Decision)
	}
	if reply.SessionID == "" {
		reply.SessionID = defaultSessionID
	}
	reply.QuestionHistory = append([]string(nil), reply.QuestionHistory...)

	return p.start(ctx, "confirm", reply.SessionID, func(run *Run) string {
		return p.driveConfirm(run, reply)
	})
}

// Reset cancels the session's in-flight run and discards its pending
// confirmation. It reports whether there was anything to drop.
func (p *Pipeline) Reset(sessionID string) bool {
	if sessionID == "" {
		sessionID = defaultSessionID
	}
	run := p.lanes.cancel(sessionID)
	dropped := p.registry.reset(sessionID)
	if run != nil || dropped {
		p.log.Info("pipeline: session reset", "session", sessionID, "run_cancelled", run != nil, "confirmation_dropped", dropped)
	}
	return run != nil || dropped
}

// ActiveRuns returns the number of sessions with an in-flight run.
func (p *Pipeline) ActiveRuns() int {
	return p.lanes.active()
}

// Close cancels all in-flight runs and waits for their drivers to exit.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.lanes.cancelAll()
	p.pool.StopAndWait()
}

// start registers a run in its session lane and submits its driver to the
// worker pool once the displaced run, if any, has exited.
func (p *Pipeline) start(ctx context.Context, kind, sessionID string, drive func(*Run) string) (*Run, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	run := newRun(ctx, sessionID, p.registry)
	prev := p.lanes.claim(run)

	p.log.Debug("pipeline: run started", "kind", kind, "session", sessionID, "displaced", prev != nil)

	go func() {
		if prev != nil {
			<-prev.Done()
		}
		task := p.pool.Submit(func() {
			defer p.lanes.release(run)
			defer run.finish()

			outcome := outcomeCancelled
			if run.ctx.Err() == nil {
				outcome = drive(run)
			}
			p.cfg.Observer.RunFinished(kind, outcome)
			p.log.Debug("pipeline: run finished", "kind", kind, "session", sessionID, "outcome", outcome)
		})
		if err := task.Wait(); err != nil {
			p.log.Error("pipeline: run failed", "kind", kind, "session", sessionID, "error", err)
			p.lanes.release(run)
			run.finish()
		}
	}()

	return run, nil
}

// drive runs stages in order, forwarding each stage's events as soon as it
// completes, until a stage stops or suspends the run.
func (p *Pipeline) drive(run *Run, req *Request, st State, stages []Stage) string {
	for _, stage := range stages {
		start := p.cfg.Clock.Now()
		res, ok := runStage(run.ctx, stage, req, st)
		if !ok {
			p.log.Debug("pipeline: stage result dropped after cancellation", "stage", stage.Name(), "session", req.SessionID)
			return outcomeCancelled
		}
		p.cfg.Observer.StageFinished(stage.Name(), p.cfg.Clock.Since(start))
		out, err := res.out, res.err

		if err == nil && out.Verdict == Suspend {
			p.suspend(run, req, out)
		}

		for _, ev := range out.Events {
			if !p.emit(run, ev) {
				return outcomeCancelled
			}
		}

		if err != nil {
			p.log.Warn("pipeline: stage failed", "stage", stage.Name(), "session", req.SessionID, "error", err)
			if !p.emit(run, ErrorEvent(userMessage(err))) {
				return outcomeCancelled
			}
			return outcomeError
		}

		st = out.State
		switch out.Verdict {
		case Stop:
			p.log.Info("pipeline: run stopped", "stage", stage.Name(), "session", req.SessionID)
			return outcomeStopped
		case Suspend:
			p.log.Info("pipeline: awaiting confirmation", "session", req.SessionID, "operation", st.Operation)
			return outcomeSuspended
		}
	}
	return outcomeCompleted
}

// suspend parks the run's destructive statement and stamps its token on the
// confirmation event. The confirmation stays provisional until the consumer
// drains the run.
func (p *Pipeline) suspend(run *Run, req *Request, out Outcome) {
	var sql string
	if out.State.Generation != nil {
		sql = out.State.Generation.SQL
	}
	token := p.registry.park(pendingConfirmation{
		SessionID: req.SessionID,
		SchemaID:  req.SchemaID,
		Statement: sql,
		Operation: out.State.Operation,
		Question:  out.State.Question,
	})
	for i := range out.Events {
		if out.Events[i].Type == EventDestructiveConfirmation {
			out.Events[i].ConfirmationID = token
		}
	}
	run.setPending(token)
}

func (p *Pipeline) driveConfirm(run *Run, reply ConfirmRequest) string {
	pending, err := p.registry.consume(reply.SessionID, reply.SchemaID, reply.Token, reply.Statement)
	if err != nil {
		p.cfg.Observer.ConfirmationResolved("stale")
		p.log.Warn("pipeline: confirmation rejected", "session", reply.SessionID, "error", err)
		if !p.emit(run, ErrorEvent(userMessage(err))) {
			return outcomeCancelled
		}
		return outcomeError
	}

	if reply.Decision == DecisionCancel {
		p.cfg.Observer.ConfirmationResolved("cancelled")
		p.log.Info("pipeline: destructive statement cancelled", "session", reply.SessionID, "operation", pending.Operation)
		if !p.emit(run, OperationCancelled()) {
			return outcomeCancelled
		}
		return outcomeStopped
	}

	p.cfg.Observer.ConfirmationResolved("confirmed")
	p.log.Info("pipeline: destructive statement confirmed", "session", reply.SessionID, "operation", pending.Operation)

	req := &Request{
		SessionID:       reply.SessionID,
		SchemaID:        pending.SchemaID,
		Question:        pending.Question,
		QuestionHistory: reply.QuestionHistory,
	}
	st := State{
		Question: pending.Question,
		Generation: &Generation{
			Translatable: true,
			SQL:          pending.Statement,
			Valid:        true,
		},
		Operation: pending.Operation,
	}
	return p.drive(run, req, st, []Stage{p.respond})
}

func (p *Pipeline) emit(run *Run, ev Event) bool {
	if !run.emit(ev) {
		return false
	}
	p.cfg.Observer.EventEmitted(ev.Type)
	return true
}

type stageResult struct {
	out Outcome
	err error
}

// runStage calls the stage in its own goroutine so the driver can abandon it
// on cancellation. It reports false when the run was cancelled first; the
// late result is dropped.
func runStage(ctx context.Context, stage Stage, req *Request, st State) (stageResult, bool) {
	done := make(chan stageResult, 1)
	go func() {
		out, err := stage.Run(ctx, req, st)
		done <- stageResult{out, err}
	}()

	select {
	case r := <-done:
		if ctx.Err() != nil {
			return stageResult{}, false
		}
		return r, true
	case <-ctx.Done():
		return stageResult{}, false
	}
}

// schemaStage loads the schema the rest of the run works against.
type schemaStage struct {
	fetcher SchemaFetcher
}

func (s *schemaStage) Name() string { return "schema" }

func (s *schemaStage) Run(ctx context.Context, req *Request, st State) (Outcome, error) {
	schema, err := s.fetcher.FetchSchema(ctx, req.SchemaID)
	if err != nil {
		return Outcome{}, &StageError{Stage: s.Name(), Kind: ErrSchemaUnavailable, Err: err}
	}
	st.Schema = schema
	return proceed(st), nil
}
