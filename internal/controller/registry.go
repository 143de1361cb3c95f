// Package controller implements the fleet coordinator: an in-memory capacity
// registry fed by worker reports and an HTTP surface serving ranked worker
// lists.
package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/voicemesh/voicemesh/internal/wire"
)

const (
	// DefaultStaleAfter hides a worker from queries once its last report is
	// this old.
	DefaultStaleAfter = 30 * time.Second
	// DefaultExpireAfter removes a silent worker entirely. Kept above the
	// stale horizon so a worker is hidden before it is forgotten.
	DefaultExpireAfter = 120 * time.Second

	sweepInterval = 5 * time.Second
)

type registryEntry struct {
	report      wire.WorkerReport
	lastUpdated time.Time
}

// Registry is the controller's view of the fleet: one entry per worker URL,
// upserted by reports and aged out by the sweep loop. Queries return
// consistent snapshots; mutation happens only through Update and the
// sweeper.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]registryEntry

	staleAfter  time.Duration
	expireAfter time.Duration
	now         func() time.Time

	log.Logger
}

// NewRegistry creates an empty registry with the default horizons.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		servers:     make(map[string]registryEntry),
		staleAfter:  DefaultStaleAfter,
		expireAfter: DefaultExpireAfter,
		now:         time.Now,
		Logger:      logger.New("obj", "registry"),
	}
}

// Update upserts the report under its URL. Over-committed reports
// (sessions > max_sessions) are stored as-is; Slack clamps for ranking.
func (r *Registry) Update(report wire.WorkerReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Info("updating worker health", "url", report.URL,
		"sessions", report.Sessions, "max_sessions", report.MaxSessions)
	r.servers[report.URL] = registryEntry{report: report, lastUpdated: r.now()}
}

// Available returns the workers that still have capacity and reported
// within the stale horizon, most slack first. Ties go to the most recently
// updated entry.
func (r *Registry) Available() []wire.ServerStatus {
	return r.snapshot(true)
}

// All returns every fresh entry regardless of capacity, in the same order.
func (r *Registry) All() []wire.ServerStatus {
	return r.snapshot(false)
}

func (r *Registry) snapshot(onlyAvailable bool) []wire.ServerStatus {
	r.mu.RLock()
	now := r.now()
	entries := make([]registryEntry, 0, len(r.servers))
	for _, e := range r.servers {
		if now.Sub(e.lastUpdated) > r.staleAfter {
			continue
		}
		if onlyAvailable && e.report.Sessions >= e.report.MaxSessions {
			continue
		}
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		si, sj := entries[i].report.Slack(), entries[j].report.Slack()
		if si != sj {
			return si > sj
		}
		return entries[i].lastUpdated.After(entries[j].lastUpdated)
	})

	out := make([]wire.ServerStatus, len(entries))
	for i, e := range entries {
		out[i] = wire.ServerStatus{
			ServerHealth: e.report,
			LastUpdated:  float64(e.lastUpdated.UnixNano()) / float64(time.Second),
		}
	}
	return out
}

// Run sweeps expired entries until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for url, e := range r.servers {
		if now.Sub(e.lastUpdated) > r.expireAfter {
			r.Info("expiring silent worker", "url", url)
			delete(r.servers, url)
		}
	}
}
