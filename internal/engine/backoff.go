package engine

import (
	"strings"
	"sync"
	"time"
)

// probeChannel is the reserved channel key for liveness polling, so
// poll cooldowns never collide with a real adapter's entries.
const probeChannel = "probe"

// BackoffState is the published cooldown for one (target, channel)
// pair. Failures resets to zero on any success.
type BackoffState struct {
	Failures       int       `json:"failures"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
}

type backoffKey struct {
	target  string
	channel string
}

// backoffTable tracks consecutive failures and the resulting cooldown
// per (target, channel) pair. Cooldowns double from base up to the
// ceiling and hold there; they are bookkeeping only, never a sleep.
type backoffTable struct {
	base    time.Duration
	ceiling time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[backoffKey]BackoffState
}

func newBackoffTable(base, ceiling time.Duration) *backoffTable {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if ceiling < base {
		ceiling = base
	}
	return &backoffTable{
		base:    base,
		ceiling: ceiling,
		now:     time.Now,
		entries: make(map[backoffKey]BackoffState),
	}
}

// eligible reports whether the pair is outside its cooldown window.
func (t *backoffTable) eligible(target, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key(target, channel)]
	if !ok {
		return true
	}
	return !t.now().Before(entry.NextEligibleAt)
}

// bump records one more consecutive failure and returns the new count
// with the cooldown applied.
func (t *backoffTable) bump(target, channel string) (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(target, channel)
	entry := t.entries[k]
	entry.Failures++
	cooldown := t.cooldown(entry.Failures)
	entry.NextEligibleAt = t.now().Add(cooldown)
	t.entries[k] = entry
	return entry.Failures, cooldown
}

// reset clears the pair after a success.
func (t *backoffTable) reset(target, channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key(target, channel))
}

// failures returns the current consecutive failure count.
func (t *backoffTable) failures(target, channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key(target, channel)].Failures
}

// remaining returns how long until the pair is eligible again; zero
// when it already is.
func (t *backoffTable) remaining(target, channel string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key(target, channel)]
	if !ok {
		return 0
	}
	left := entry.NextEligibleAt.Sub(t.now())
	if left < 0 {
		return 0
	}
	return left
}

// snapshot returns the live entries for one target, keyed by channel.
func (t *backoffTable) snapshot(target string) map[string]BackoffState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]BackoffState)
	for k, entry := range t.entries {
		if k.target == strings.ToLower(target) {
			out[k.channel] = entry
		}
	}
	return out
}

// cooldown doubles from base per consecutive failure and caps at the
// ceiling: base, 2·base, 4·base, ...
func (t *backoffTable) cooldown(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := t.base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= t.ceiling {
			return t.ceiling
		}
	}
	if d > t.ceiling {
		return t.ceiling
	}
	return d
}

func key(target, channel string) backoffKey {
	return backoffKey{target: strings.ToLower(target), channel: channel}
}
