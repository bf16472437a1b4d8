package scheduler

import (
	"sync"

	"github.com/kalambet/vitalsd/internal/signal"
)

// ContextHolder is the in-memory user context shared by the HTTP API and
// the recording loop. The zero value holds no context.
type ContextHolder struct {
	mu  sync.RWMutex
	ctx *signal.Context
}

// Set replaces the current context. The value is normalized and copied; nil
// clears it.
func (h *ContextHolder) Set(c *signal.Context) {
	var stored *signal.Context
	if c != nil {
		n := c.Normalize()
		stored = &n
	}
	h.mu.Lock()
	h.ctx = stored
	h.mu.Unlock()
}

// Current returns a copy of the current context, or nil.
func (h *ContextHolder) Current() *signal.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ctx == nil {
		return nil
	}
	c := h.ctx.Normalize()
	return &c
}
