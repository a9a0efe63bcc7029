package scheduler

import (
	"sync"
)

// runKey identifies the single-flight scope: one live run per
// (tenant, connector, entity) tuple.
type runKey struct {
	tenantID    string
	connectorID string
	entity      string
}

// runEntry is the registry's record of a live run. Entries are
// immutable once published: runID is fixed at acquire and only the
// registry closes done.
type runEntry struct {
	runID string
	done  chan struct{}
}

// registry is the keyed ledger of in-flight runs. All access goes
// through an atomic check-and-set under the mutex; there is no other
// shared state between runs.
type registry struct {
	mu   sync.Mutex
	runs map[runKey]*runEntry
}

func newRegistry() *registry {
	return &registry{runs: make(map[runKey]*runEntry)}
}

// acquire registers a run for the key. If a run is already live the
// existing entry is returned with created=false and the caller joins it.
func (r *registry) acquire(key runKey, runID string) (*runEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[key]; ok {
		return existing, false
	}
	entry := &runEntry{runID: runID, done: make(chan struct{})}
	r.runs[key] = entry
	return entry, true
}

// release removes the key and signals everyone joined on the run.
func (r *registry) release(key runKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.runs[key]; ok {
		close(entry.done)
		delete(r.runs, key)
	}
}

// active returns the number of live runs.
func (r *registry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
