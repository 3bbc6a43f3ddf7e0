package channel

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"desknerd-mcp-server/internal/action"
)

// Runner executes control binaries. Adapters never shell out directly;
// tests substitute a fake Runner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// OSRunner runs control binaries with a per-invocation timeout and a
// global minimum spacing between spawns. Rapid-fire scripting calls
// overwhelm the OS automation server without the spacing.
type OSRunner struct {
	limiter *rate.Limiter
	timeout time.Duration
}

// NewOSRunner creates a runner. minInterval <= 0 disables spacing.
func NewOSRunner(minInterval, timeout time.Duration) *OSRunner {
	var limiter *rate.Limiter
	if minInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OSRunner{limiter: limiter, timeout: timeout}
}

// Run executes the binary and returns its combined output. The output is
// returned even on failure so callers can classify the error text.
func (r *OSRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// A killed process surfaces as an exit error; report the context
		// failure instead when that is the real cause.
		if ctxErr := runCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return string(output), fmt.Errorf("%s: %w", name, err)
	}
	return string(output), nil
}

// classifyRunError maps failures common to every control binary onto the
// error taxonomy. Returns nil when the failure needs binary-specific
// classification.
func classifyRunError(binary string, err error) *action.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return action.NewError(action.CodeCancelled, "dispatch cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return action.Errorf(action.CodeAdapterUnavailable, "%s timed out", binary).WithCause(err)
	case errors.Is(err, exec.ErrNotFound):
		return action.Errorf(action.CodeAdapterUnavailable, "%s is not installed", binary).WithCause(err)
	}
	return nil
}

// extractJSON pulls the first JSON object out of subprocess output,
// skipping any warning lines the binary printed first.
func extractJSON(output string) (string, bool) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end < start {
		return "", false
	}
	return output[start : end+1], true
}

func truncateOutput(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// sleepWithContext sleeps for the given duration or until the context is
// cancelled, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
