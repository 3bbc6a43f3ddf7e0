package engine

import (
	"context"
	"log"
	"time"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/channel"
	"desknerd-mcp-server/internal/policy"
	"desknerd-mcp-server/internal/registry"
)

// SequenceStep is one entry of a dispatch-sequence call.
type SequenceStep struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// DispatchSequence resolves the target once, holds it for the whole
// run, and dispatches the steps in order. Adjacent steps that route to
// the same batch-capable adapter merge into one invocation; every step
// still gets its own outcome. stopOnError stops at the first
// non-success. The returned error covers sequence-level failures
// (resolution, queue cancellation) that produced no outcomes.
func (e *Engine) DispatchSequence(ctx context.Context, targetName string, steps []SequenceStep, stopOnError bool, opts DispatchOptions) ([]action.Outcome, error) {
	if len(steps) == 0 {
		return nil, action.NewError(action.CodeMalformedRequest, "sequence needs at least one step")
	}

	target, err := e.registry.Resolve(ctx, targetName, opts.Strict)
	if err != nil {
		return nil, asActionError(err)
	}

	reqs := make([]*action.Request, len(steps))
	for i, step := range steps {
		kind, ok := action.ParseKind(step.Kind)
		if !ok {
			kind = action.Kind(step.Kind)
		}
		reqs[i] = action.NewRequest(target.Name, kind, step.Params)
	}

	if err := e.locks.acquire(ctx, target.Name); err != nil {
		return nil, action.NewError(action.CodeCancelled, "sequence cancelled while queued").
			WithTarget(target.Name).WithCause(err)
	}
	defer e.locks.release(target.Name)

	outcomes := make([]action.Outcome, 0, len(reqs))
	i := 0
	for i < len(reqs) {
		if err := ctx.Err(); err != nil {
			aerr := action.NewError(action.CodeCancelled, "sequence cancelled").
				WithTarget(target.Name).WithCause(err)
			out := action.Failed(reqs[i], "", aerr)
			out.Target = target.Name
			outcomes = append(outcomes, e.finish(out, time.Now()))
			break
		}

		req := reqs[i]
		stepStart := time.Now()

		if aerr := req.Validate(); aerr != nil {
			out := action.Failed(req, "", aerr)
			out.Target = target.Name
			outcomes = append(outcomes, e.finish(out, stepStart))
			if stopOnError {
				break
			}
			i++
			continue
		}

		decision := e.gate.Evaluate(target.Name, req)
		out, ok := e.authorize(ctx, target, req, opts.Confirm)
		if !ok {
			outcomes = append(outcomes, e.finish(out, stepStart))
			if stopOnError {
				break
			}
			i++
			continue
		}

		// Only plainly allowed steps may head a merge; a step that needed
		// confirmation runs alone.
		if adapter, batcher := e.batchHead(target, req); batcher != nil && decision.Verdict == policy.VerdictAllow {
			if end := e.extendBatch(target, adapter, reqs, i); end > i+1 {
				batch := e.executeBatch(ctx, target, adapter, batcher, reqs[i:end])
				outcomes = append(outcomes, batch...)
				if stopOnError && !batch[len(batch)-1].OK() {
					break
				}
				i = end
				continue
			}
		}

		stepOut := e.finish(e.dispatchLocked(ctx, target, req), stepStart)
		outcomes = append(outcomes, stepOut)
		if stopOnError && !stepOut.OK() {
			break
		}
		i++
	}
	return outcomes, nil
}

// batchHead returns the adapter that would carry req and, when it can
// merge this request, its batch surface.
func (e *Engine) batchHead(target registry.Target, req *action.Request) (channel.Adapter, channel.BatchExecutor) {
	candidates := e.candidates(target, req.Kind)
	if len(candidates) == 0 {
		return nil, nil
	}
	head := candidates[0]
	if batcher, ok := head.(channel.BatchExecutor); ok && batcher.Batchable(req) {
		return head, batcher
	}
	return head, nil
}

// extendBatch finds how far the run starting at index from can merge:
// every extended step must validate, route to the same adapter's batch
// surface, and be plainly allowed by policy (steps needing confirmation
// suspend individually and therefore never merge).
func (e *Engine) extendBatch(target registry.Target, adapter channel.Adapter, reqs []*action.Request, from int) int {
	end := from + 1
	for end < len(reqs) {
		next := reqs[end]
		if next.Validate() != nil {
			break
		}
		nextAdapter, nextBatcher := e.batchHead(target, next)
		if nextAdapter != adapter || nextBatcher == nil {
			break
		}
		decision := e.gate.Evaluate(target.Name, next)
		if decision.Verdict != policy.VerdictAllow {
			break
		}
		e.emitPolicy(target.Name, next.Kind, decision.Verdict, decision.Rule)
		end++
	}
	return end
}

// executeBatch runs one merged invocation and un-merges the result into
// per-request outcomes at the adapter-reported completion point:
// completed requests succeed, the request at the failure point carries
// the adapter's error, and the unexecuted remainder fails recoverable.
func (e *Engine) executeBatch(ctx context.Context, target registry.Target, adapter channel.Adapter, batcher channel.BatchExecutor, reqs []*action.Request) []action.Outcome {
	start := time.Now()
	completed, aerr := batcher.ExecuteBatch(ctx, target, reqs)
	if completed > len(reqs) {
		completed = len(reqs)
	}
	if aerr != nil && completed == len(reqs) {
		log.Printf("[ENGINE] batch on %s via %s reported full completion with error %s; error dropped",
			target.Name, adapter.Name(), aerr.Code)
		aerr = nil
	}

	if completed > 0 {
		e.backoff.reset(target.Name, adapter.Name())
	}
	if aerr != nil && aerr.Recoverable {
		failures, _ := e.backoff.bump(target.Name, adapter.Name())
		e.emitBackoff(target.Name, adapter.Name(), failures)
	}

	outcomes := make([]action.Outcome, 0, len(reqs))
	for idx, req := range reqs {
		var out action.Outcome
		switch {
		case idx < completed:
			out = action.Succeeded(req, adapter.Name(), map[string]any{"batched": true})
		case idx == completed && aerr != nil:
			out = action.Failed(req, adapter.Name(), aerr.WithChannel(adapter.Name()).WithTarget(target.Name))
		default:
			rem := action.Errorf(action.CodeAdapterUnavailable,
				"not executed: batched action %d failed first", completed).
				WithChannel(adapter.Name()).WithTarget(target.Name)
			out = action.Failed(req, adapter.Name(), rem)
		}
		out.Target = target.Name
		outcomes = append(outcomes, e.finish(out, start))
	}
	return outcomes
}
