// Package registry tracks the desktop applications that actions can be
// dispatched to. It keeps a TTL-cached snapshot of running processes and
// installed bundles, and resolves caller-supplied names to canonical
// targets with deterministic fuzzy matching.
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"desknerd-mcp-server/internal/action"
)

// Target is one controllable application known to the registry.
type Target struct {
	Name       string    `json:"name"`
	BundleID   string    `json:"bundle_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Running    bool      `json:"running"`
	Frontmost  bool      `json:"frontmost,omitempty"`
	Background bool      `json:"background,omitempty"`
	Path       string    `json:"path,omitempty"`
	Scriptable bool      `json:"scriptable,omitempty"`
	LaunchedAt time.Time `json:"launched_at,omitempty"`
	SeenAt     time.Time `json:"seen_at"`
}

// EventSink receives registry snapshots for downstream analysis. Nil sinks
// are allowed; emission is fire-and-forget.
type EventSink interface {
	TargetsRefreshed(targets []Target)
}

// Registry resolves target names against a cached enumeration snapshot.
type Registry struct {
	source    Source
	ttl       time.Duration
	strict    bool
	endpoints map[string]string

	mu        sync.RWMutex
	targets   []Target
	fetchedAt time.Time
	launches  map[string]time.Time
	sink      EventSink

	group singleflight.Group
}

// New creates a registry backed by the given enumeration source.
// endpoints maps target names to DevTools URLs; targets with an endpoint
// are flagged as scriptable.
func New(source Source, ttl time.Duration, strict bool, endpoints map[string]string) *Registry {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	normalized := make(map[string]string, len(endpoints))
	for name, url := range endpoints {
		normalized[normalizeName(name)] = url
	}
	return &Registry{
		source:    source,
		ttl:       ttl,
		strict:    strict,
		endpoints: normalized,
		launches:  make(map[string]time.Time),
	}
}

// SetSink registers the snapshot consumer. Call before serving requests.
func (r *Registry) SetSink(sink EventSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// Resolve maps a caller-supplied name to a canonical target.
//
// Resolution order: exact case-insensitive match on name or bundle ID,
// then substring match on the normalized name. Multiple substring hits
// are an error in strict mode; otherwise the shortest name wins, with
// most-recent-launch and finally lexicographic order breaking ties.
// A miss on a fresh snapshot forces one re-enumeration before failing.
func (r *Registry) Resolve(ctx context.Context, query string, strict bool) (Target, error) {
	if strings.TrimSpace(query) == "" {
		return Target{}, action.NewError(action.CodeMalformedRequest, "target name must not be empty")
	}

	if err := r.ensureFresh(ctx, false); err != nil {
		return Target{}, err
	}

	cands, exact := Candidates(query, r.snapshot())
	if len(cands) == 0 {
		// The app may have appeared since the last enumeration.
		if err := r.ensureFresh(ctx, true); err != nil {
			return Target{}, err
		}
		cands, exact = Candidates(query, r.snapshot())
	}

	switch {
	case len(cands) == 0:
		return Target{}, action.Errorf(action.CodeNotFound, "no application matches %q", query).WithTarget(query)
	case exact || len(cands) == 1:
		return cands[0], nil
	case strict || r.strict:
		names := candidateNames(cands)
		return Target{}, action.Errorf(action.CodeAmbiguousTarget,
			"%q is ambiguous: matches %s", query, strings.Join(names, ", ")).WithTarget(query)
	default:
		return cands[0], nil
	}
}

// ListAll returns every known target, re-enumerating if the snapshot has
// gone stale.
func (r *Registry) ListAll(ctx context.Context) ([]Target, error) {
	if err := r.ensureFresh(ctx, false); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// IsAlive reports whether the named target currently has a running
// process. Unknown names report false without error; that is the answer,
// not a failure.
func (r *Registry) IsAlive(ctx context.Context, query string) (bool, error) {
	target, err := r.Resolve(ctx, query, false)
	if err != nil {
		if action.ErrorCode(err) == action.CodeNotFound {
			return false, nil
		}
		return false, err
	}
	return target.Running, nil
}

// MarkLaunched records that the named target was just launched through
// the control engine. The timestamp feeds the recency tie-break, and the
// snapshot is invalidated so the next lookup observes the new process.
func (r *Registry) MarkLaunched(name string) {
	key := normalizeName(name)
	if key == "" {
		return
	}
	r.mu.Lock()
	r.launches[key] = time.Now()
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
}

// Invalidate drops the cached snapshot so the next lookup re-enumerates.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Registry) snapshot() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// ensureFresh re-enumerates when the snapshot is stale (or force is set).
// Concurrent callers share one enumeration pass.
func (r *Registry) ensureFresh(ctx context.Context, force bool) error {
	r.mu.RLock()
	fresh := !force && time.Since(r.fetchedAt) < r.ttl && len(r.targets) > 0
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	_, err, _ := r.group.Do("enumerate", func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Registry) refresh(ctx context.Context) error {
	procs, err := r.source.Processes(ctx)
	if err != nil {
		return action.NewError(action.CodeAdapterUnavailable, "process enumeration failed").WithCause(err)
	}

	// Installed apps are best-effort; the running set is authoritative.
	apps, err := r.source.InstalledApps(ctx)
	if err != nil {
		log.Printf("[REGISTRY] installed app scan failed: %v", err)
		apps = nil
	}

	snapshot := r.buildSnapshot(procs, apps)

	r.mu.Lock()
	r.targets = snapshot
	r.fetchedAt = time.Now()
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.TargetsRefreshed(snapshot)
	}
	return nil
}

// buildSnapshot merges running processes with installed bundles. Processes
// win on name collisions; installed-only entries stay listed so they can
// be launched by name.
func (r *Registry) buildSnapshot(procs []Process, apps []App) []Target {
	now := time.Now()

	r.mu.RLock()
	launches := make(map[string]time.Time, len(r.launches))
	for k, v := range r.launches {
		launches[k] = v
	}
	r.mu.RUnlock()

	targets := make([]Target, 0, len(procs)+len(apps))
	index := make(map[string]int, len(procs))

	for _, p := range procs {
		key := normalizeName(p.Name)
		if key == "" {
			continue
		}
		t := Target{
			Name:       p.Name,
			BundleID:   p.BundleID,
			PID:        p.PID,
			Running:    true,
			Frontmost:  p.Frontmost,
			Background: p.Background,
			Scriptable: r.endpoints[key] != "",
			LaunchedAt: launches[key],
			SeenAt:     now,
		}
		if i, dup := index[key]; dup {
			targets[i] = t
			continue
		}
		index[key] = len(targets)
		targets = append(targets, t)
	}

	for _, a := range apps {
		key := normalizeName(a.Name)
		if key == "" {
			continue
		}
		if _, running := index[key]; running {
			if i := index[key]; targets[i].Path == "" {
				targets[i].Path = a.Path
			}
			continue
		}
		index[key] = len(targets)
		targets = append(targets, Target{
			Name:       a.Name,
			Path:       a.Path,
			Running:    false,
			Scriptable: r.endpoints[key] != "",
			LaunchedAt: launches[key],
			SeenAt:     now,
		})
	}

	return targets
}

// ScriptEndpoint returns the configured DevTools URL for a target, if any.
func (r *Registry) ScriptEndpoint(name string) (string, bool) {
	url, ok := r.endpoints[normalizeName(name)]
	return url, ok && url != ""
}

// String summarizes the registry state for logs.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	running := 0
	for _, t := range r.targets {
		if t.Running {
			running++
		}
	}
	return fmt.Sprintf("registry(%d targets, %d running)", len(r.targets), running)
}
