// Package reaper closes watch sessions whose devices stopped sending
// heartbeats without delivering an end-of-session request.
package reaper

import (
	"context"
	"log"
	"time"
)

// SessionReaper is the subset of the session service the reaper depends on.
type SessionReaper interface {
	ReapStale(ctx context.Context, limit int) (int, error)
}

// Reaper periodically sweeps stale sessions.
type Reaper struct {
	service   SessionReaper
	interval  time.Duration
	batchSize int
	logger    *log.Logger

	shutdownComplete chan struct{}
}

// Option configures optional behaviour for the Reaper.
type Option func(*Reaper)

// WithLogger overrides the logger used to report sweep results.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// New constructs a Reaper with the provided service and schedule.
func New(service SessionReaper, interval time.Duration, batchSize int, opts ...Option) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	r := &Reaper{
		service:          service,
		interval:         interval,
		batchSize:        batchSize,
		logger:           log.New(log.Writer(), "[reaper] ", log.LstdFlags|log.Lshortfile),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	defer close(r.shutdownComplete)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Wait blocks until the sweep loop has exited.
func (r *Reaper) Wait() {
	<-r.shutdownComplete
}

func (r *Reaper) sweep(ctx context.Context) {
	reaped, err := r.service.ReapStale(ctx, r.batchSize)
	if err != nil {
		r.logger.Printf("sweep error (reaped=%d): %v", reaped, err)
		return
	}
	if reaped > 0 {
		r.logger.Printf("closed %d stale sessions", reaped)
	}
}
