// Package cache holds a bounded in-memory snapshot of in-flight remote jobs.
// It is an admission-control hint only: the async scheduler tier stops
// claiming new work while the cache is full. Storage stays the source of
// truth; losing the cache loses nothing but backpressure.
package cache

import "sync"

// Job is one cached job snapshot.
type Job struct {
	ID      string
	Type    string
	Payload map[string]interface{}
}

// JobCache is safe for concurrent use.
type JobCache struct {
	mu    sync.Mutex
	limit int
	types map[string]struct{}
	jobs  map[string]Job
}

// New builds a cache bounded at limit entries that admits only the given job
// types.
func New(limit int, types []string) *JobCache {
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	return &JobCache{
		limit: limit,
		types: typeSet,
		jobs:  make(map[string]Job),
	}
}

// Accepts reports whether this job type is tracked.
func (c *JobCache) Accepts(jobType string) bool {
	_, ok := c.types[jobType]
	return ok
}

// Insert stores or replaces a snapshot.
func (c *JobCache) Insert(job Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[job.ID] = job
}

// Delete removes a snapshot; unknown ids are ignored.
func (c *JobCache) Delete(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
}

// Size returns the number of cached jobs.
func (c *JobCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Full reports whether admission should pause.
func (c *JobCache) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs) >= c.limit
}

// Jobs returns a copy of the cached snapshots for operator inspection.
func (c *JobCache) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		out = append(out, job)
	}
	return out
}
