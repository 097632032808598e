// Package reaper implements the Idle Reaper (spec §4.7): a per-claimed-
// container, mtime-based inactivity detector driving release through an
// injected expiry callback, the same self-scheduling ticker-loop shape
// the teacher's own scheduler uses for its fill loop.
package reaper

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/metrics"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// MaxWalkEntries bounds how many filesystem entries one poll walk
// visits per watched container, so a pathological tree cannot stall
// the shared poll loop.
const MaxWalkEntries = 10000

// DefaultPollIntervalMs is how often the shared poll loop runs.
const DefaultPollIntervalMs = 5000

// OnExpiry is invoked when a watched container's state directory has
// been idle for at least its TTL. Implementations run the Release
// pipeline; the Reaper itself never imports the pipeline package to
// avoid a dependency cycle.
type OnExpiry func(ctx context.Context, containerID, tenantID, poolID string)

type watch struct {
	containerID   string
	tenantID      string
	poolID        string
	stateDir      string
	ttlMs         int64
	lastModified  time.Time
	idleExpiresAt time.Time
}

// Reaper owns the shared poll loop and the watch set.
type Reaper struct {
	onExpiry     OnExpiry
	st           store.Store
	pollInterval time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watch
	running bool
	stopCh  chan struct{}
}

func New(onExpiry OnExpiry, st store.Store) *Reaper {
	return &Reaper{
		onExpiry:     onExpiry,
		st:           st,
		pollInterval: DefaultPollIntervalMs * time.Millisecond,
		logger:       log.WithComponent("reaper"),
		watches:      make(map[string]*watch),
		stopCh:       make(chan struct{}),
	}
}

// Watch records (or replaces) a watch entry and ensures the shared
// poll loop is running.
func (r *Reaper) Watch(containerID, tenantID, poolID, stateDir string, ttlMs int64) {
	r.watch(containerID, tenantID, poolID, stateDir, ttlMs, time.Now())
}

// watchSeeded is used by RestoreAfterRestart to seed lastModified from
// a pre-restart mtime rather than now.
func (r *Reaper) watchSeeded(containerID, tenantID, poolID, stateDir string, ttlMs int64, lastModified time.Time) {
	r.watch(containerID, tenantID, poolID, stateDir, ttlMs, lastModified)
}

func (r *Reaper) watch(containerID, tenantID, poolID, stateDir string, ttlMs int64, lastModified time.Time) {
	r.mu.Lock()
	r.watches[containerID] = &watch{
		containerID:   containerID,
		tenantID:      tenantID,
		poolID:        poolID,
		stateDir:      stateDir,
		ttlMs:         ttlMs,
		lastModified:  lastModified,
		idleExpiresAt: lastModified.Add(time.Duration(ttlMs) * time.Millisecond),
	}
	needsStart := !r.running
	if needsStart {
		r.running = true
	}
	r.mu.Unlock()

	if needsStart {
		go r.schedulePoll()
	}
}

// Unwatch deletes the entry for containerID, if any.
func (r *Reaper) Unwatch(containerID string) {
	r.mu.Lock()
	delete(r.watches, containerID)
	r.mu.Unlock()
}

// Stop halts the shared poll loop. Existing watches are forgotten.
func (r *Reaper) Stop() {
	r.mu.Lock()
	r.watches = make(map[string]*watch)
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()
	close(r.stopCh)
}

// schedulePoll is the self-scheduling loop: the next tick is always
// pollInterval after the previous one *completes*, never overlapping.
func (r *Reaper) schedulePoll() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.pollInterval):
		}

		if !r.hasWatches() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return
		}

		timer := metrics.NewTimer()
		r.pollOnce()
		timer.ObserveDuration(metrics.ReaperPollDuration)
	}
}

func (r *Reaper) hasWatches() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches) > 0
}

func (r *Reaper) snapshot() []*watch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*watch, 0, len(r.watches))
	for _, w := range r.watches {
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// pollOnce walks every watched container concurrently; one entry's
// walk failure never affects another's.
func (r *Reaper) pollOnce() {
	watches := r.snapshot()
	var wg sync.WaitGroup
	for _, w := range watches {
		wg.Add(1)
		go func(w *watch) {
			defer wg.Done()
			r.pollOne(w)
		}(w)
	}
	wg.Wait()
}

func (r *Reaper) pollOne(w *watch) {
	maxMtime, err := walkMaxMtime(w.stateDir, MaxWalkEntries)
	if err != nil {
		r.logger.Warn().Err(err).Str("container_id", w.containerID).Msg("reaper walk failed; leaving watch unchanged")
		return
	}

	now := time.Now()
	if maxMtime.After(w.lastModified) {
		r.resetWatch(w.containerID, maxMtime)
		return
	}

	ttl := time.Duration(w.ttlMs) * time.Millisecond
	if now.Sub(w.lastModified) >= ttl {
		r.Unwatch(w.containerID)
		r.onExpiry(context.Background(), w.containerID, w.tenantID, w.poolID)
	}
}

func (r *Reaper) resetWatch(containerID string, newLastModified time.Time) {
	r.mu.Lock()
	w, ok := r.watches[containerID]
	if ok {
		w.lastModified = newLastModified
		w.idleExpiresAt = newLastModified.Add(time.Duration(w.ttlMs) * time.Millisecond)
	}
	r.mu.Unlock()

	if !ok || r.st == nil {
		return
	}
	if _, err := r.st.ConditionalUpdate(containerID, types.ContainerStatusClaimed, func(c *types.PoolContainer) {
		c.LastActivity = newLastModified
		c.IdleExpiresAt = w.idleExpiresAt
	}); err != nil {
		r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to persist idle reset")
	}
}

// walkMaxMtime traverses dir recursively, bounded by maxEntries,
// returning the latest modification time visited. Permission errors
// and disappearing subtrees below the root are tolerated best-effort;
// a missing or unreadable root itself is reported as an error so
// callers can tell "no such tree" apart from "empty tree".
func walkMaxMtime(dir string, maxEntries int) (time.Time, error) {
	if _, err := os.Lstat(dir); err != nil {
		return time.Time{}, err
	}

	var maxMtime time.Time
	var visited int

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip, keep walking
		}
		visited++
		if visited > maxEntries {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(maxMtime) {
			maxMtime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return maxMtime, err
	}
	return maxMtime, nil
}

// RestoreAfterRestart re-establishes watches for every claimed
// container in pools that declare a file idle TTL, per spec §4.7. For
// trees already past TTL relative to their on-disk mtime, expiry fires
// immediately instead of waiting for the next poll tick.
func (r *Reaper) RestoreAfterRestart(ctx context.Context, claims []RestoreCandidate) {
	for _, c := range claims {
		maxMtime, err := walkMaxMtime(c.StateDir, MaxWalkEntries)
		if err != nil {
			maxMtime = time.Now()
		}

		ttl := time.Duration(c.TTLMs) * time.Millisecond
		if time.Since(maxMtime) >= ttl {
			r.onExpiry(ctx, c.ContainerID, c.TenantID, c.PoolID)
			continue
		}
		r.watchSeeded(c.ContainerID, c.TenantID, c.PoolID, c.StateDir, c.TTLMs, maxMtime)
	}
}

// RestoreCandidate is one claimed container eligible for a restored
// watch at startup.
type RestoreCandidate struct {
	ContainerID string
	TenantID    string
	PoolID      string
	StateDir    string
	TTLMs       int64
}
