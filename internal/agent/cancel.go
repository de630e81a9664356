package agent

import (
	"context"
	"sync"
)

// CancelController tracks the cancellation token of every in-flight run,
// keyed by thread so a client can cancel without knowing run identifiers.
// Cancel is idempotent: cancelling a finished or unknown run has no
// observable effect.
type CancelController struct {
	mu   sync.Mutex
	runs map[string]map[string]context.CancelFunc
}

func NewCancelController() *CancelController {
	return &CancelController{
		runs: make(map[string]map[string]context.CancelFunc),
	}
}

// Register associates a run's cancel function with its thread.
func (c *CancelController) Register(threadID, runID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runs[threadID] == nil {
		c.runs[threadID] = make(map[string]context.CancelFunc)
	}
	c.runs[threadID][runID] = cancel
}

// Release removes a run once it finishes. Safe to call after Cancel.
func (c *CancelController) Release(threadID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if byRun, exists := c.runs[threadID]; exists {
		delete(byRun, runID)
		if len(byRun) == 0 {
			delete(c.runs, threadID)
		}
	}
}

// Cancel triggers cancellation of every in-flight run on the thread and
// reports whether any run was actually cancelled.
func (c *CancelController) Cancel(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byRun, exists := c.runs[threadID]
	if !exists || len(byRun) == 0 {
		return false
	}
	for _, cancel := range byRun {
		cancel()
	}
	return true
}
