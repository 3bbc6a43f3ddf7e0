// Package engine is the dispatch scheduler: it resolves targets, gates
// requests through policy, walks the adapter candidate list in priority
// order with per-(target, channel) backoff, serializes same-target
// dispatches FIFO, and records every outcome.
package engine

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/channel"
	"desknerd-mcp-server/internal/policy"
	"desknerd-mcp-server/internal/registry"
)

// Recorder consumes finished outcomes, append-only.
type Recorder interface {
	Record(out action.Outcome) error
}

// FactSink receives dispatch events for the deductive store. All
// methods must be cheap and non-blocking.
type FactSink interface {
	OutcomeRecorded(out action.Outcome)
	PolicyEvaluated(target string, kind action.Kind, verdict, rule string)
	BackoffChanged(target, channel string, failures int)
}

// Config carries the scheduler tunables.
type Config struct {
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	PollBase       time.Duration
	PollCeiling    time.Duration
	DemoteAfter    int
}

// DispatchOptions adjust one dispatch call.
type DispatchOptions struct {
	// Strict makes ambiguous target resolution an error instead of
	// picking the best candidate.
	Strict bool
	// Confirm resolves require-confirmation policy verdicts. Nil means
	// confirmations are rejected.
	Confirm policy.ConfirmFunc
}

// Engine dispatches control requests through the adapter stack.
type Engine struct {
	registry *registry.Registry
	gate     *policy.Gate
	adapters []channel.Adapter
	recorder Recorder
	facts    FactSink

	backoff     *backoffTable
	poll        *backoffTable
	locks       *targetLocks
	demoteAfter int

	probeMu sync.Mutex
	probes  map[string]TargetState
}

// New builds the engine. Adapters are ordered by class; recorder and
// facts may be nil.
func New(reg *registry.Registry, gate *policy.Gate, adapters []channel.Adapter, recorder Recorder, facts FactSink, cfg Config) *Engine {
	sorted := append([]channel.Adapter{}, adapters...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Class() < sorted[j].Class() })

	return &Engine{
		registry:    reg,
		gate:        gate,
		adapters:    sorted,
		recorder:    recorder,
		facts:       facts,
		backoff:     newBackoffTable(cfg.BackoffBase, cfg.BackoffCeiling),
		poll:        newBackoffTable(cfg.PollBase, cfg.PollCeiling),
		locks:       newTargetLocks(),
		demoteAfter: cfg.DemoteAfter,
		probes:      make(map[string]TargetState),
	}
}

// Channels lists the registered adapter names in priority order.
func (e *Engine) Channels() []string {
	names := make([]string, len(e.adapters))
	for i, a := range e.adapters {
		names[i] = a.Name()
	}
	return names
}

// Dispatch runs one request end to end and returns its recorded
// outcome. It never retries an exhausted request; callers decide on
// higher-level retries from the outcome.
func (e *Engine) Dispatch(ctx context.Context, req *action.Request, opts DispatchOptions) action.Outcome {
	start := time.Now()

	if aerr := req.Validate(); aerr != nil {
		return e.finish(action.Failed(req, "", aerr), start)
	}

	target, err := e.registry.Resolve(ctx, req.Target, opts.Strict)
	if err != nil {
		return e.finish(action.Failed(req, "", asActionError(err)), start)
	}

	if out, ok := e.authorize(ctx, target, req, opts.Confirm); !ok {
		return e.finish(out, start)
	}

	if err := e.locks.acquire(ctx, target.Name); err != nil {
		aerr := action.NewError(action.CodeCancelled, "dispatch cancelled while queued").
			WithTarget(target.Name).WithCause(err)
		out := action.Failed(req, "", aerr)
		out.Target = target.Name
		return e.finish(out, start)
	}
	defer e.locks.release(target.Name)

	return e.finish(e.dispatchLocked(ctx, target, req), start)
}

// authorize evaluates and applies policy. The boolean is false when the
// request must not proceed; the outcome then carries the denial.
func (e *Engine) authorize(ctx context.Context, target registry.Target, req *action.Request, confirm policy.ConfirmFunc) (action.Outcome, bool) {
	decision := e.gate.Evaluate(target.Name, req)
	e.emitPolicy(target.Name, req.Kind, decision.Verdict, decision.Rule)

	if aerr := e.gate.Authorize(ctx, target.Name, req, confirm); aerr != nil {
		out := action.Denied(req, aerr)
		out.Target = target.Name
		return out, false
	}
	return action.Outcome{}, true
}

// dispatchLocked walks the candidate list under the target hold.
// Recoverable failures bump backoff and move on with no delay; fatal
// failures abort; cancellation is observed between attempts only.
func (e *Engine) dispatchLocked(ctx context.Context, target registry.Target, req *action.Request) action.Outcome {
	candidates := e.candidates(target, req.Kind)
	if len(candidates) == 0 {
		aerr := action.Errorf(action.CodeNoEligibleAdapter,
			"no channel can carry %s on %s right now", req.Kind, target.Name).WithTarget(target.Name)
		out := action.Failed(req, "", aerr)
		out.Target = target.Name
		return out
	}

	var lastErr *action.Error
	lastChannel := ""
	for _, adapter := range candidates {
		if err := ctx.Err(); err != nil {
			aerr := action.NewError(action.CodeCancelled, "dispatch cancelled").
				WithTarget(target.Name).WithCause(err)
			out := action.Failed(req, lastChannel, aerr)
			out.Target = target.Name
			return out
		}

		detail, aerr := adapter.Execute(ctx, target, req)
		if aerr == nil {
			e.backoff.reset(target.Name, adapter.Name())
			e.noteSuccess(target, req, detail)
			out := action.Succeeded(req, adapter.Name(), detail)
			out.Target = target.Name
			return out
		}

		aerr = aerr.WithChannel(adapter.Name()).WithTarget(target.Name)
		if !aerr.Recoverable {
			out := action.Failed(req, adapter.Name(), aerr)
			out.Target = target.Name
			return out
		}

		failures, cooldown := e.backoff.bump(target.Name, adapter.Name())
		e.emitBackoff(target.Name, adapter.Name(), failures)
		log.Printf("[ENGINE] %s on %s failed via %s (%s); cooldown %s after %d failures",
			req.Kind, target.Name, adapter.Name(), aerr.Code, cooldown, failures)
		lastErr = aerr
		lastChannel = adapter.Name()
	}

	out := action.Failed(req, lastChannel, lastErr)
	out.Target = target.Name
	return out
}

// candidates builds the ordered adapter list for one dispatch: class
// priority, filtered by kind support, capability hints, and backoff
// eligibility. Persistently failing adapters sort behind their class
// peers until their next success.
func (e *Engine) candidates(target registry.Target, kind action.Kind) []channel.Adapter {
	out := make([]channel.Adapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		if !a.Supports(kind) {
			continue
		}
		if a.Class() == channel.ClassScripted && !target.Scriptable && kind != action.KindRunCommand {
			continue
		}
		if !e.backoff.eligible(target.Name, a.Name()) {
			continue
		}
		out = append(out, a)
	}

	if e.demoteAfter > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Class() != out[j].Class() {
				return out[i].Class() < out[j].Class()
			}
			return !e.demoted(target.Name, out[i]) && e.demoted(target.Name, out[j])
		})
	}
	return out
}

func (e *Engine) demoted(target string, a channel.Adapter) bool {
	return e.backoff.failures(target, a.Name()) >= e.demoteAfter
}

// noteSuccess applies post-success registry effects: an activate that
// launched the target records launch recency and invalidates the
// enumeration snapshot.
func (e *Engine) noteSuccess(target registry.Target, req *action.Request, detail map[string]any) {
	if req.Kind != action.KindActivate {
		return
	}
	if launched, ok := detail["launched"].(bool); ok && launched {
		e.registry.MarkLaunched(target.Name)
	}
}

// CheckPolicy answers a dry-run policy question without dispatching.
// Unknown targets are evaluated under the caller-supplied name so rules
// can be checked before an application is installed.
func (e *Engine) CheckPolicy(ctx context.Context, targetName string, req *action.Request) (policy.Decision, error) {
	name := targetName
	target, err := e.registry.Resolve(ctx, targetName, false)
	switch {
	case err == nil:
		name = target.Name
	case action.ErrorCode(err) == action.CodeNotFound:
	default:
		return policy.Decision{}, err
	}
	return e.gate.Evaluate(name, req), nil
}

// finish stamps the elapsed time and records the outcome.
func (e *Engine) finish(out action.Outcome, start time.Time) action.Outcome {
	out.ElapsedMs = time.Since(start).Milliseconds()
	if e.recorder != nil {
		if err := e.recorder.Record(out); err != nil {
			log.Printf("[ENGINE] recording outcome %s: %v", out.RequestID, err)
		}
	}
	if e.facts != nil {
		e.facts.OutcomeRecorded(out)
	}
	return out
}

func (e *Engine) emitPolicy(target string, kind action.Kind, verdict, rule string) {
	if e.facts != nil {
		e.facts.PolicyEvaluated(target, kind, verdict, rule)
	}
}

func (e *Engine) emitBackoff(target, channel string, failures int) {
	if e.facts != nil {
		e.facts.BackoffChanged(target, channel, failures)
	}
}

func asActionError(err error) *action.Error {
	var aerr *action.Error
	if errors.As(err, &aerr) {
		return aerr
	}
	return action.NewError(action.CodeAdapterUnavailable, err.Error()).WithCause(err)
}

func probeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
