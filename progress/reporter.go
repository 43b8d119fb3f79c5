// Package progress delivers crawl progress events over a bounded channel.
package progress

import (
	"sync"

	"github.com/yairfalse/vahti/types"
)

// Reporter is a sink for crawl progress events. Events are delivered on
// a bounded channel; the crawler calls OnNewObject/OnWarning/OnError per
// step and Done exactly once at the end.
//
// In first-message-only mode the reporter delivers the first event and
// then drops everything except the final marker. This bounds memory when
// no consumer is attached to Updates.
type Reporter struct {
	mu        sync.Mutex
	ch        chan types.Progress
	firstOnly bool
	sentFirst bool
	closed    bool

	warnings    int
	errors      int
	lastWarning string
	lastError   string
}

// NewReporter creates a reporter with the given buffer size. One slot is
// reserved for the final marker so Done never races a full buffer.
func NewReporter(buffer int) *Reporter {
	if buffer < 1 {
		buffer = 1
	}
	return &Reporter{ch: make(chan types.Progress, buffer+1)}
}

// NewFirstMessageReporter creates a reporter that delivers at most the
// first event plus the final marker.
func NewFirstMessageReporter() *Reporter {
	r := NewReporter(1)
	r.firstOnly = true
	return r
}

// Updates returns the event channel. Closed after the final marker.
func (r *Reporter) Updates() <-chan types.Progress {
	return r.ch
}

// OnNewObject reports a newly discovered resource.
func (r *Reporter) OnNewObject(entityID, step string) {
	r.publish(types.Progress{EntityID: entityID, Step: step})
}

// OnWarning reports a recoverable problem and bumps the warning counter.
func (r *Reporter) OnWarning(entityID, msg string) {
	r.mu.Lock()
	r.warnings++
	r.lastWarning = msg
	r.mu.Unlock()
	r.publish(types.Progress{EntityID: entityID, Step: "warning"})
}

// OnError reports a per-resource failure and bumps the error counter.
func (r *Reporter) OnError(entityID, msg string) {
	r.mu.Lock()
	r.errors++
	r.lastError = msg
	r.mu.Unlock()
	r.publish(types.Progress{EntityID: entityID, Step: "error"})
}

// Done delivers the final marker with cumulative counters and closes the
// channel. The final marker is delivered even in first-message-only mode.
// Safe to call once; later events are ignored.
func (r *Reporter) Done(entityID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	final := r.snapshotLocked(entityID)
	final.Final = true
	r.mu.Unlock()

	// The reserved buffer slot guarantees space in first-only mode; in
	// normal mode this blocks until the consumer drains, like any event.
	r.ch <- final
	close(r.ch)
}

// Counts returns the cumulative warning and error counters.
func (r *Reporter) Counts() (warnings, errors int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warnings, r.errors
}

// LastError returns the most recent error text, empty if none.
func (r *Reporter) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// LastWarning returns the most recent warning text, empty if none.
func (r *Reporter) LastWarning() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastWarning
}

func (r *Reporter) publish(p types.Progress) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	suppressed := r.firstOnly && r.sentFirst
	if !suppressed {
		r.sentFirst = true
		p = r.fillLocked(p)
	}
	r.mu.Unlock()

	if suppressed {
		return
	}
	r.ch <- p
}

func (r *Reporter) fillLocked(p types.Progress) types.Progress {
	p.Warnings = r.warnings
	p.Errors = r.errors
	p.LastWarning = r.lastWarning
	p.LastError = r.lastError
	return p
}

func (r *Reporter) snapshotLocked(entityID string) types.Progress {
	return types.Progress{
		EntityID:    entityID,
		Warnings:    r.warnings,
		Errors:      r.errors,
		LastWarning: r.lastWarning,
		LastError:   r.lastError,
	}
}
