package queue

import "inference-bridge/internal/models"

// resultCache holds terminal job snapshots, write-once per id. Entries are
// appended in finishing order, so with a positive limit the oldest-finished
// entry is evicted first.
type resultCache struct {
	limit int
	byID  map[string]models.Job
	order []string
}

func newResultCache(limit int) *resultCache {
	if limit < 0 {
		limit = 0
	}
	return &resultCache{
		limit: limit,
		byID:  make(map[string]models.Job),
	}
}

// put stores job unless its id is already present. It returns the ids evicted
// to respect the limit and whether the write happened.
func (c *resultCache) put(job models.Job) ([]string, bool) {
	if _, exists := c.byID[job.ID]; exists {
		return nil, false
	}
	c.byID[job.ID] = job
	c.order = append(c.order, job.ID)

	if c.limit == 0 || len(c.order) <= c.limit {
		return nil, true
	}
	n := len(c.order) - c.limit
	evicted := make([]string, n)
	copy(evicted, c.order[:n])
	for _, id := range evicted {
		delete(c.byID, id)
	}
	c.order = append(c.order[:0:0], c.order[n:]...)
	return evicted, true
}

func (c *resultCache) get(id string) (models.Job, bool) {
	job, ok := c.byID[id]
	return job, ok
}

func (c *resultCache) has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

func (c *resultCache) size() int {
	return len(c.byID)
}
