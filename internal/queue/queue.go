// Package queue implements the priority queue of pending spawn requests.
package queue

import (
	"sync"
	"time"

	"github.com/travsart/spawngate/internal/metrics"
)

// Priority defines the spawn priority classes. Higher values are drained first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a string to a Priority. Unknown values fall back to
// PriorityNormal with ok=false.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// Request is a pending provisioning request. It is owned exclusively by the
// queue from Enqueue until it is dequeued or removed.
type Request struct {
	ID         string    `json:"id"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryCount int       `json:"retryCount,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Queue holds pending spawn requests in four priority tiers, FIFO within
// each tier. All entry points are internally synchronized: owners may
// enqueue and cancel from multiple goroutines while the tick driver drains.
type Queue struct {
	mu    sync.Mutex
	tiers [PriorityCritical + 1][]Request
	ids   map[string]Priority
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		ids: make(map[string]Priority),
	}
}

// Enqueue appends req to its priority tier. It returns false if a request
// with the same ID is already queued.
func (q *Queue) Enqueue(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.ids[req.ID]; dup {
		return false
	}
	if req.Priority < PriorityLow || req.Priority > PriorityCritical {
		req.Priority = PriorityNormal
	}
	q.tiers[req.Priority] = append(q.tiers[req.Priority], req)
	q.ids[req.ID] = req.Priority
	metrics.SetQueueDepth(req.Priority.String(), float64(len(q.tiers[req.Priority])))
	return true
}

// DequeueNext returns the oldest request from the highest non-empty tier.
func (q *Queue) DequeueNext() (Request, bool) {
	return q.DequeueNextAtOrAbove(PriorityLow)
}

// DequeueNextAtOrAbove returns the oldest request from the highest non-empty
// tier whose priority is >= floor. Early startup phases use the floor to
// keep low tiers parked.
func (q *Queue) DequeueNextAtOrAbove(floor Priority) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := PriorityCritical; p >= floor; p-- {
		tier := q.tiers[p]
		if len(tier) == 0 {
			continue
		}
		req := tier[0]
		q.tiers[p] = tier[1:]
		delete(q.ids, req.ID)
		metrics.SetQueueDepth(p.String(), float64(len(q.tiers[p])))
		return req, true
	}
	return Request{}, false
}

// Size returns the number of queued requests in one tier.
func (q *Queue) Size(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p < PriorityLow || p > PriorityCritical {
		return 0
	}
	return len(q.tiers[p])
}

// TotalSize returns the number of queued requests across all tiers.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for p := PriorityLow; p <= PriorityCritical; p++ {
		total += len(q.tiers[p])
	}
	return total
}

// Remove cancels a queued request by ID. It returns false if the request is
// not queued (already dequeued, removed, or never enqueued).
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.ids[id]
	if !ok {
		return false
	}
	tier := q.tiers[p]
	for i := range tier {
		if tier[i].ID == id {
			q.tiers[p] = append(tier[:i], tier[i+1:]...)
			break
		}
	}
	delete(q.ids, id)
	metrics.SetQueueDepth(p.String(), float64(len(q.tiers[p])))
	return true
}

// Clear drops all queued requests.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := PriorityLow; p <= PriorityCritical; p++ {
		q.tiers[p] = nil
		metrics.SetQueueDepth(p.String(), 0)
	}
	q.ids = make(map[string]Priority)
}

// OldestWaiting returns the enqueue time of the oldest request in tier p.
// The second result is false when the tier is empty. The starvation scan in
// the service uses this for its diagnostic warning.
func (q *Queue) OldestWaiting(p Priority) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p < PriorityLow || p > PriorityCritical || len(q.tiers[p]) == 0 {
		return time.Time{}, false
	}
	return q.tiers[p][0].EnqueuedAt, true
}

// Depths returns the current per-tier sizes keyed by priority name.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, 4)
	for p := PriorityLow; p <= PriorityCritical; p++ {
		out[p.String()] = len(q.tiers[p])
	}
	return out
}
