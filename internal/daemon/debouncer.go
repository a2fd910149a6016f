package daemon

import (
	"context"
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into a single emit after a quiet
// window, bounded by a max delay so a steady stream of triggers cannot
// postpone the emit indefinitely. Safe to run as a single goroutine.
type Debouncer struct {
	quiet    time.Duration
	maxDelay time.Duration
	emit     func(count int, cause string)

	mu           sync.Mutex
	pending      bool
	requestCount int
	triggers     chan struct{}
}

// NewDebouncer creates a debouncer. maxDelay <= 0 defaults to 10x the quiet
// window.
func NewDebouncer(quiet time.Duration, maxDelay time.Duration, emit func(count int, cause string)) *Debouncer {
	if quiet <= 0 {
		quiet = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 10 * quiet
	}
	return &Debouncer{
		quiet:    quiet,
		maxDelay: maxDelay,
		emit:     emit,
		triggers: make(chan struct{}, 64),
	}
}

// Trigger registers one event. Never blocks; a full channel means a burst is
// already pending, which is exactly the case debouncing collapses.
func (d *Debouncer) Trigger() {
	select {
	case d.triggers <- struct{}{}:
	default:
	}
}

// Run processes triggers until ctx is done.
func (d *Debouncer) Run(ctx context.Context) {
	quietTimer := newStoppedTimer()
	maxTimer := newStoppedTimer()
	var quietC, maxC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.triggers:
			first := d.onTrigger()
			resetTimer(quietTimer, d.quiet)
			quietC = quietTimer.C
			if first {
				resetTimer(maxTimer, d.maxDelay)
				maxC = maxTimer.C
			}

		case <-quietC:
			d.fire("quiet")
			quietC, maxC = nil, nil

		case <-maxC:
			d.fire("max_delay")
			quietC, maxC = nil, nil
		}
	}
}

func (d *Debouncer) onTrigger() (first bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending {
		d.pending = true
		d.requestCount = 0
		first = true
	}
	d.requestCount++
	return first
}

func (d *Debouncer) fire(cause string) {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	count := d.requestCount
	d.pending = false
	d.requestCount = 0
	d.mu.Unlock()

	d.emit(count, cause)
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	return t
}

func resetTimer(t *time.Timer, after time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(after)
}
