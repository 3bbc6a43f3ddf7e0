package engine

import (
	"context"
	"time"

	"desknerd-mcp-server/internal/action"
)

// TargetState is a throttled liveness snapshot of one target, with the
// live backoff entries for its channels.
type TargetState struct {
	Name      string                  `json:"name"`
	Running   bool                    `json:"running"`
	Frontmost bool                    `json:"frontmost"`
	PID       int                     `json:"pid,omitempty"`
	CheckedAt time.Time               `json:"checked_at"`
	Cached    bool                    `json:"cached"`
	Backoff   map[string]BackoffState `json:"backoff,omitempty"`
}

// Probe checks whether the target is running, under the idle-polling
// discipline: consecutive no-change probes grow the re-probe interval
// geometrically to a ceiling and hold; any state change resets it.
// Probes inside the hold window answer from the last observed state.
func (e *Engine) Probe(ctx context.Context, name string) (TargetState, error) {
	key := probeKey(name)

	e.probeMu.Lock()
	cached, seen := e.probes[key]
	e.probeMu.Unlock()
	if seen && !e.poll.eligible(key, probeChannel) {
		cached.Cached = true
		cached.Backoff = e.backoff.snapshot(cached.Name)
		return cached, nil
	}

	state := TargetState{Name: name, CheckedAt: time.Now()}
	target, err := e.registry.Resolve(ctx, name, false)
	switch {
	case err == nil:
		state.Name = target.Name
		state.Running = target.Running
		state.Frontmost = target.Frontmost
		state.PID = target.PID
	case action.ErrorCode(err) == action.CodeNotFound:
		// Unknown target reads as not running.
	default:
		return TargetState{}, err
	}

	e.probeMu.Lock()
	previous, had := e.probes[key]
	changed := !had ||
		previous.Running != state.Running ||
		previous.PID != state.PID ||
		previous.Frontmost != state.Frontmost
	e.probes[key] = state
	e.probeMu.Unlock()

	if changed {
		e.poll.reset(key, probeChannel)
	}
	e.poll.bump(key, probeChannel)

	state.Backoff = e.backoff.snapshot(state.Name)
	return state, nil
}

// WaitForTarget polls until the target's running state matches want,
// pacing itself with the probe cooldowns. A zero timeout waits until
// ctx is done.
func (e *Engine) WaitForTarget(ctx context.Context, name string, want bool, timeout time.Duration) (TargetState, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	key := probeKey(name)
	for {
		state, err := e.Probe(ctx, name)
		if err != nil {
			return state, err
		}
		if state.Running == want {
			return state, nil
		}

		wait := e.poll.remaining(key, probeChannel)
		if wait <= 0 {
			wait = e.poll.base
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return state, ctx.Err()
		case <-timer.C:
		}
	}
}
