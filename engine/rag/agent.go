package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/executor"
	"github.com/WessleyAI/estate-rag/engine/planner"
	"github.com/WessleyAI/estate-rag/engine/responder"
)

// state is a position in the agent loop. Every stage moves the loop exactly
// one state forward and appends exactly one trace step.
type state int

const (
	stateStart state = iota
	stateClarified
	statePlanned
	stateExecuted
	stateResponded
)

// ClarifyOutput is the payload of the clarify step.
type ClarifyOutput struct {
	Original  string `json:"original"`
	Canonical string `json:"canonical"`
}

// PlanOutput is the payload of the plan step.
type PlanOutput struct {
	Filters   map[string]any  `json:"filters"`
	Strategy  domain.Strategy `json:"strategy"`
	Residual  string          `json:"residual,omitempty"`
	Ambiguous bool            `json:"ambiguous,omitempty"`
}

// ErrorOutput is the payload of the terminal error step.
type ErrorOutput struct {
	Kind    domain.FailureKind `json:"kind"`
	Stage   domain.StepName    `json:"stage"`
	Message string             `json:"message"`
}

// run carries one query through the loop.
type run struct {
	text  string
	k     int
	extra domain.Filters
	state state
	trace domain.Trace

	canonical string
	plan      domain.Plan
	results   domain.ResultSet
	outcome   executor.Outcome
	answer    domain.Answer
}

type stage struct {
	name domain.StepName
	next state
	do   func(context.Context, *run) (any, error)
}

func (s *Service) stages() []stage {
	return []stage{
		{domain.StepClarify, stateClarified, s.clarify},
		{domain.StepPlan, statePlanned, s.planStage},
		{domain.StepExecute, stateExecuted, s.execute},
		{domain.StepRespond, stateResponded, s.respond},
	}
}

// RunQuery answers text with at most k listings (k < 1 means the default).
// It never returns an error: failures end the trace with an error step and
// come back as a failure Answer alongside the partial trace.
func (s *Service) RunQuery(ctx context.Context, text string, k int) domain.Result {
	return s.RunQueryFiltered(ctx, text, k, domain.Filters{})
}

// RunQueryFiltered is RunQuery with caller-supplied filters laid over the
// ones the planner extracts.
func (s *Service) RunQueryFiltered(ctx context.Context, text string, k int, extra domain.Filters) domain.Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rag.RunQuery")
	defer span.End()

	s.ensureLoaded(ctx)
	if k < 1 {
		k = s.opts.DefaultK
	}
	r := &run{text: text, k: k, extra: extra, trace: make(domain.Trace, 0, 4)}

	for _, st := range s.stages() {
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return s.fail(r, st.name, domain.KindCanceled, err)
		}
		out, err := s.runStage(ctx, st, r)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.fail(r, st.name, classify(ctx, err), err)
		}
		r.state = st.next
		r.trace = append(r.trace, domain.Step{Name: st.name, Output: out})
	}

	outcome := "ok"
	if r.outcome.Degraded {
		outcome = "degraded"
	}
	s.metrics.Query(string(r.outcome.Strategy), outcome)
	span.SetAttributes(
		attribute.String("strategy", string(r.outcome.Strategy)),
		attribute.Int("results", len(r.results)),
	)
	return domain.Result{Trace: r.trace, Final: r.answer}
}

// runStage runs one stage in its own span, converting a panic into an error.
func (s *Service) runStage(ctx context.Context, st stage, r *run) (out any, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rag."+string(st.name))
	defer span.End()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("rag: stage panicked", "stage", st.name, "panic", p)
			out, err = nil, fmt.Errorf("rag: %s: panic: %v", st.name, p)
		}
		s.metrics.Stage(string(st.name), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return st.do(ctx, r)
}

// classify maps a stage error to a failure kind. A cancelled caller wins over
// whatever the stage reported; an expired deadline is classified by the error.
func classify(ctx context.Context, err error) domain.FailureKind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.KindCanceled
	}
	return domain.KindOf(err)
}

func (s *Service) fail(r *run, at domain.StepName, kind domain.FailureKind, err error) domain.Result {
	s.logger.Warn("rag: query failed", "stage", at, "kind", kind, "err", err)
	r.trace = append(r.trace, domain.Step{
		Name:   domain.StepError,
		Output: ErrorOutput{Kind: kind, Stage: at, Message: err.Error()},
	})
	strategy := r.plan.Strategy
	if r.state >= stateExecuted {
		strategy = r.outcome.Strategy
	}
	s.metrics.Query(string(strategy), string(kind))
	return domain.Result{Trace: r.trace, Final: responder.Failure(kind, err)}
}

func (s *Service) clarify(_ context.Context, r *run) (any, error) {
	r.canonical = planner.Clarify(r.text)
	return ClarifyOutput{Original: r.text, Canonical: r.canonical}, nil
}

func (s *Service) planStage(_ context.Context, r *run) (any, error) {
	r.plan = planner.Constrain(s.planner.Plan(r.canonical), r.extra)
	if r.plan.Ambiguous {
		s.logger.Debug("rag: ambiguous query, falling back to vector search", "query", r.canonical)
	}
	return PlanOutput{
		Filters:   r.plan.Filters.Map(),
		Strategy:  r.plan.Strategy,
		Residual:  r.plan.Residual,
		Ambiguous: r.plan.Ambiguous,
	}, nil
}

func (s *Service) execute(ctx context.Context, r *run) (any, error) {
	rs, outcome, err := s.exec.Execute(ctx, r.plan, r.k)
	if err != nil {
		return nil, err
	}
	r.results, r.outcome = rs, outcome
	return domain.ExecuteOutput{
		Strategy:     outcome.Strategy,
		Rows:         len(rs),
		IDs:          rs.IDs(),
		Degraded:     outcome.Degraded,
		FallbackFrom: outcome.FallbackFrom,
		Stale:        outcome.Stale,
	}, nil
}

func (s *Service) respond(_ context.Context, r *run) (any, error) {
	r.answer = responder.Respond(r.results)
	return r.answer, nil
}
