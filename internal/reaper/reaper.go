// ABOUTME: Background sweeper ending idle conversations with EndTimeout
// ABOUTME: Ends deepest conversations first so children go before their parents

package reaper

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-conversations/internal/conversation"
)

// Source lists live conversations. *conversation.Manager satisfies it.
type Source interface {
	Conversations() []*conversation.Conversation
}

// Config controls which conversations count as idle.
type Config struct {
	// IdleTimeout applies to conversations begun with longRunning=false and
	// to temporary ones. Zero disables.
	IdleTimeout time.Duration
	// LongRunningTimeout applies to long-running conversations. Zero
	// disables.
	LongRunningTimeout time.Duration
	// Interval between sweeps. Defaults to one minute.
	Interval time.Duration
}

// Reaper periodically ends idle conversations.
type Reaper struct {
	source Source
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// New creates a reaper. Call Start to run the background sweep.
func New(source Source, cfg Config, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{
		source: source,
		cfg:    cfg,
		logger: logger.With("component", "reaper"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start runs sweeps in a background goroutine until Close.
func (r *Reaper) Start() {
	go r.loop()
}

func (r *Reaper) loop() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.done:
			return
		}
	}
}

// Sweep ends every idle conversation and returns how many it ended.
func (r *Reaper) Sweep() int {
	now := r.now()

	var expired []*conversation.Conversation
	for _, c := range r.source.Conversations() {
		timeout := r.cfg.IdleTimeout
		if c.IsLongRunning() {
			timeout = r.cfg.LongRunningTimeout
		}
		if timeout <= 0 {
			continue
		}
		if now.Sub(c.LastAccess()) > timeout {
			expired = append(expired, c)
		}
	}

	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].Depth() > expired[j].Depth()
	})

	ended := 0
	for _, c := range expired {
		err := c.End(conversation.EndTimeout)
		switch {
		case err == nil:
			ended++
			r.logger.Info("ended idle conversation",
				"conversation_id", c.ID(),
				"idle", now.Sub(c.LastAccess()).Round(time.Second))
		case errors.Is(err, conversation.ErrIllegalState):
			// A live child keeps its parent alive, or someone else ended it
			r.logger.Debug("skipped idle conversation", "conversation_id", c.ID(), "reason", err)
		default:
			r.logger.Error("failed to end idle conversation", "conversation_id", c.ID(), "error", err)
		}
	}
	return ended
}

// Close stops the background sweep. It is safe to call multiple times.
func (r *Reaper) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
